package nwk

import (
	"strings"
	"unicode"

	"github.com/vk/watergridgo/internal/rakey"
)

// TypeAttr is the static per-template metadata for one attribute of one
// resource type: the single source of truth for data type, unit policy and
// block policy of every resource-attribute key of that type.
type TypeAttr struct {
	AttrID    int    `json:"attr_id"`
	AttrName  string `json:"attr_name"`
	DataType  string `json:"data_type"`
	Unit      string `json:"unit"`
	Dimension string `json:"dimension"`
	Scale     float64 `json:"scale"`
	HasBlocks bool    `json:"has_blocks"`

	// Intermediary values are computed by the core but never pushed into the
	// solver; IsVar marks solver outputs.
	Intermediary bool `json:"intermediary"`
	IsVar        bool `json:"is_var"`
}

// TemplateType groups the attributes of one resource type.
type TemplateType struct {
	ID           int                `json:"id"`
	Name         string             `json:"name"`
	ResourceType rakey.ResourceType `json:"resource_type"`
	TypeAttrs    []TypeAttr         `json:"typeattrs"`
}

// Template is the full template descriptor.
type Template struct {
	ID    int            `json:"id"`
	Name  string         `json:"name"`
	Types []TemplateType `json:"types"`
}

// ParamName builds the unique parameter name for a resource type + attribute
// pair, e.g. ("node", "Storage Demand") -> "nodeStorageDemand".
func ParamName(resourceType rakey.ResourceType, attrName string) string {
	return string(resourceType) + camelName(attrName)
}

func camelName(n string) string {
	var sb strings.Builder
	upperNext := true
	for _, r := range n {
		switch r {
		case ' ', '/', '-':
			upperNext = true
		default:
			if upperNext {
				sb.WriteRune(unicode.ToUpper(r))
				upperNext = false
			} else {
				sb.WriteRune(r)
			}
		}
	}
	return sb.String()
}
