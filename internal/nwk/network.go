// Package nwk holds the read-only network, template and scenario descriptors
// a run consumes. They arrive fully formed from the data connection; the core
// never mutates them.
package nwk

import (
	"encoding/json"
	"fmt"

	"github.com/vk/watergridgo/internal/rakey"
)

// TypeRef links a resource to a template type.
type TypeRef struct {
	TemplateID int    `json:"template_id"`
	Name       string `json:"name"`
}

// ResourceAttr attaches an attribute to a resource instance. IsVar marks
// solver outputs as opposed to user-supplied inputs.
type ResourceAttr struct {
	ID     int  `json:"id"`
	AttrID int  `json:"attr_id"`
	IsVar  bool `json:"attr_is_var"`
}

// Node is one network node.
type Node struct {
	ID         int            `json:"id"`
	Name       string         `json:"name"`
	Types      []TypeRef      `json:"types"`
	Attributes []ResourceAttr `json:"attributes"`
}

// Link is one directed network link.
type Link struct {
	ID         int            `json:"id"`
	Name       string         `json:"name"`
	Node1ID    int            `json:"node_1_id"`
	Node2ID    int            `json:"node_2_id"`
	Types      []TypeRef      `json:"types"`
	Attributes []ResourceAttr `json:"attributes"`
}

// Network is the full network descriptor.
type Network struct {
	ID         int            `json:"id"`
	ProjectID  int            `json:"project_id"`
	Name       string         `json:"name"`
	Nodes      []Node         `json:"nodes"`
	Links      []Link         `json:"links"`
	Types      []TypeRef      `json:"types"`
	Attributes []ResourceAttr `json:"attributes"`
	Scenarios  []Scenario     `json:"scenarios"`
}

// ResourceName resolves a display name for error messages. Unknown resources
// come back as a placeholder rather than failing: name resolution must never
// mask the error being reported.
func (n *Network) ResourceName(resourceType rakey.ResourceType, resourceID int) string {
	switch resourceType {
	case rakey.Node:
		for i := range n.Nodes {
			if n.Nodes[i].ID == resourceID {
				return n.Nodes[i].Name
			}
		}
	case rakey.Link:
		for i := range n.Links {
			if n.Links[i].ID == resourceID {
				return n.Links[i].Name
			}
		}
	case rakey.Network:
		return n.Name
	}
	return fmt.Sprintf("unknown %s %d", resourceType, resourceID)
}

// Metadata is the parsed dataset metadata blob. Stored form uses "Y"/"N"
// flags, normalized on unmarshal.
type Metadata struct {
	UseFunction bool
	Function    string
	HasBlocks   bool
	Note        string
}

// UnmarshalJSON accepts the stored representation.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		UseFunction string `json:"use_function"`
		Function    string `json:"function"`
		HasBlocks   string `json:"has_blocks"`
		Note        string `json:"note"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.UseFunction = raw.UseFunction == "Y"
	m.Function = raw.Function
	m.HasBlocks = raw.HasBlocks == "Y"
	m.Note = raw.Note
	return nil
}

// RawValue is the as-stored dataset for a resource attribute in a scenario.
// The core only reads it.
type RawValue struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"` // scalar, descriptor, array, timeseries, periodic timeseries
	Unit      string   `json:"unit"`
	Dimension string   `json:"dimension"`
	Value     string   `json:"value"`
	Metadata  Metadata `json:"metadata"`
}

// ResourceScenario binds a dataset to a resource attribute within a scenario.
type ResourceScenario struct {
	ResourceAttrID int      `json:"resource_attr_id"`
	AttrID         int      `json:"attr_id"`
	Value          RawValue `json:"value"`
}

// Scenario is one stored scenario, possibly part of a parent chain.
type Scenario struct {
	ID                int                `json:"id"`
	Name              string             `json:"name"`
	ParentID          int                `json:"parent_id"`
	StartTime         string             `json:"start_time"`
	EndTime           string             `json:"end_time"`
	TimeStep          string             `json:"time_step"`
	ResourceScenarios []ResourceScenario `json:"resourcescenarios"`
}
