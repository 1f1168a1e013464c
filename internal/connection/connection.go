// Package connection fetches network, template and dataset payloads from the
// data service and writes results back. Two implementations exist: an HTTP
// client against the remote RPC endpoint and a file-backed one for offline
// runs.
package connection

import (
	"context"

	"github.com/vk/watergridgo/internal/nwk"
)

// NetworkFilter selects which network payload to fetch.
type NetworkFilter struct {
	NetworkID   int
	TemplateID  int
	ScenarioIDs []int
	IncludeData bool
}

// ResourceAttrQuery selects dataset rows for one resource.
type ResourceAttrQuery struct {
	ResourceType string
	ResourceID   int
	ScenarioID   int
	// AttrID of zero fetches every attribute of the resource.
	AttrID int
}

// ResourceAttrDatum is one dataset row.
type ResourceAttrDatum struct {
	ResourceAttrID int          `json:"resource_attr_id"`
	AttrID         int          `json:"attr_id"`
	Value          nwk.RawValue `json:"value"`
}

// DataConnection is the read/write surface the core consumes. Descriptors
// returned from it are read-only inputs.
type DataConnection interface {
	GetNetwork(ctx context.Context, filter NetworkFilter) (*nwk.Network, error)
	GetTemplate(ctx context.Context, templateID int) (*nwk.Template, error)
	GetResourceAttributeData(ctx context.Context, q ResourceAttrQuery) ([]ResourceAttrDatum, error)
	UpdateScenario(ctx context.Context, scenario *nwk.Scenario) (*nwk.Scenario, error)
}
