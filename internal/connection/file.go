package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/vk/watergridgo/internal/nwk"
)

// File is an offline data connection backed by a single JSON export of the
// network and template. Results written back are kept in memory, which is
// what tests and dry runs want.
type File struct {
	network  *nwk.Network
	template *nwk.Template

	mu sync.Mutex
	// Updated collects scenarios written back through UpdateScenario.
	// Guarded by mu: concurrent runs share one connection.
	Updated []*nwk.Scenario
}

type fileExport struct {
	Network  *nwk.Network  `json:"network"`
	Template *nwk.Template `json:"template"`
}

// OpenFile loads an exported network file.
func OpenFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading network export: %w", err)
	}
	var export fileExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("parsing network export %q: %w", path, err)
	}
	if export.Network == nil {
		return nil, fmt.Errorf("network export %q has no network", path)
	}
	return &File{network: export.Network, template: export.Template}, nil
}

// NewFile wraps in-memory descriptors as a connection.
func NewFile(network *nwk.Network, template *nwk.Template) *File {
	return &File{network: network, template: template}
}

func (f *File) GetNetwork(_ context.Context, _ NetworkFilter) (*nwk.Network, error) {
	return f.network, nil
}

func (f *File) GetTemplate(_ context.Context, templateID int) (*nwk.Template, error) {
	if f.template == nil {
		return nil, fmt.Errorf("no template in export (wanted %d)", templateID)
	}
	return f.template, nil
}

// GetResourceAttributeData serves dataset rows out of the loaded network's
// scenarios.
func (f *File) GetResourceAttributeData(_ context.Context, q ResourceAttrQuery) ([]ResourceAttrDatum, error) {
	var out []ResourceAttrDatum
	for i := range f.network.Scenarios {
		s := &f.network.Scenarios[i]
		if q.ScenarioID != 0 && s.ID != q.ScenarioID {
			continue
		}
		for _, rs := range s.ResourceScenarios {
			out = append(out, ResourceAttrDatum{
				ResourceAttrID: rs.ResourceAttrID,
				AttrID:         rs.AttrID,
				Value:          rs.Value,
			})
		}
	}
	return out, nil
}

func (f *File) UpdateScenario(_ context.Context, scenario *nwk.Scenario) (*nwk.Scenario, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updated = append(f.Updated, scenario)
	return scenario, nil
}

// UpdatedScenarios returns a snapshot of everything written back so far.
func (f *File) UpdatedScenarios() []*nwk.Scenario {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*nwk.Scenario, len(f.Updated))
	copy(out, f.Updated)
	return out
}
