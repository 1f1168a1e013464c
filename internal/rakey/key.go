// Package rakey defines the resource-attribute key, the universal addressing
// unit for every piece of data in a run: resource type, resource id and
// attribute id, serialized as "node/12/34". An optional leading network id
// segment is accepted on parse for cross-network references.
package rakey

import (
	"fmt"
	"strconv"
	"strings"
)

// ResourceType identifies which kind of network resource a key addresses.
type ResourceType string

const (
	Node    ResourceType = "node"
	Link    ResourceType = "link"
	Network ResourceType = "network"
)

// Valid reports whether t is one of the three known resource types.
func (t ResourceType) Valid() bool {
	return t == Node || t == Link || t == Network
}

// Key addresses one resource attribute. NetworkID is zero for keys inside the
// active network.
type Key struct {
	NetworkID    int
	ResourceType ResourceType
	ResourceID   int
	AttrID       int
}

// String serializes the key into its canonical path form. The network id
// segment is only emitted when set.
func (k Key) String() string {
	if k.NetworkID != 0 {
		return fmt.Sprintf("%d/%s/%d/%d", k.NetworkID, k.ResourceType, k.ResourceID, k.AttrID)
	}
	return fmt.Sprintf("%s/%d/%d", k.ResourceType, k.ResourceID, k.AttrID)
}

// Parse builds a Key from its canonical string representation.
func Parse(raw string) (Key, error) {
	if raw == "" {
		return Key{}, fmt.Errorf("resource attribute key cannot be empty")
	}

	parts := strings.Split(raw, "/")
	var k Key
	switch len(parts) {
	case 3:
		k.ResourceType = ResourceType(parts[0])
		parts = parts[1:]
	case 4:
		networkID, err := strconv.Atoi(parts[0])
		if err != nil {
			return Key{}, fmt.Errorf("invalid network id segment %q", parts[0])
		}
		k.NetworkID = networkID
		k.ResourceType = ResourceType(parts[1])
		parts = parts[2:]
	default:
		return Key{}, fmt.Errorf("invalid key format %q: want type/id/attr", raw)
	}

	if !k.ResourceType.Valid() {
		return Key{}, fmt.Errorf("invalid resource type %q", k.ResourceType)
	}

	resourceID, err := strconv.Atoi(parts[0])
	if err != nil {
		return Key{}, fmt.Errorf("invalid resource id segment %q", parts[0])
	}
	attrID, err := strconv.Atoi(parts[1])
	if err != nil {
		return Key{}, fmt.Errorf("invalid attribute id segment %q", parts[1])
	}
	k.ResourceID = resourceID
	k.AttrID = attrID
	return k, nil
}
