// Package runner fans independent scenario runs out to a small worker pool.
// Each run is described by a self-contained, serializable Descriptor; workers
// reconstruct a fresh system from it, so no mutable state is ever shared
// between runs except the process-wide expression cache.
package runner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/vk/watergridgo/internal/syserr"
	"github.com/vk/watergridgo/internal/system"
)

// Descriptor holds the immutable inputs of one run. It serializes to JSON so
// a run can cross a process boundary intact.
type Descriptor struct {
	ID          string                `json:"id"`
	SID         string                `json:"sid"`
	SourceID    int                   `json:"source_id"`
	NetworkID   int                   `json:"network_id"`
	TemplateID  int                   `json:"template_id"`
	ScenarioIDs []int                 `json:"scenario_ids"`
	Variations  []system.VariationSet `json:"variation_sets,omitempty"`
	Foresight   string                `json:"foresight,omitempty"`
	FilesPath   string                `json:"files_path,omitempty"`
	DebugStart  string                `json:"debug_start,omitempty"`
	DebugLimit  int                   `json:"debug_limit,omitempty"`
}

// NewDescriptor builds a descriptor with a fresh run id. The SID embeds the
// scenario ids so progress events are attributable without decoding the id.
func NewDescriptor(sourceID, networkID, templateID int, scenarioIDs []int) Descriptor {
	id := uuid.NewString()
	return Descriptor{
		ID:          id,
		SID:         sid(id, scenarioIDs),
		SourceID:    sourceID,
		NetworkID:   networkID,
		TemplateID:  templateID,
		ScenarioIDs: scenarioIDs,
	}
}

func sid(id string, scenarioIDs []int) string {
	parts := make([]string, 0, len(scenarioIDs)+1)
	parts = append(parts, id[:8])
	for _, s := range scenarioIDs {
		parts = append(parts, strconv.Itoa(s))
	}
	return strings.Join(parts, "-")
}

// Validate reports whether the descriptor is complete enough to run.
func (d *Descriptor) Validate() error {
	if d.NetworkID == 0 {
		return syserr.NewConfiguration("network_id", "descriptor %s has no network", d.ID)
	}
	if len(d.ScenarioIDs) == 0 {
		return syserr.NewConfiguration("scenario_ids", "descriptor %s has no source scenarios", d.ID)
	}
	return nil
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("run %s (network %d, scenarios %v)", d.SID, d.NetworkID, d.ScenarioIDs)
}

// Expand crosses scenario-id combinations with variation sets into one
// descriptor per independent run. An empty variations slice yields one
// unvaried run per combination.
func Expand(sourceID, networkID, templateID int, combos [][]int, variations [][]system.VariationSet) []Descriptor {
	if len(variations) == 0 {
		variations = [][]system.VariationSet{nil}
	}
	out := make([]Descriptor, 0, len(combos)*len(variations))
	for _, combo := range combos {
		for _, vs := range variations {
			d := NewDescriptor(sourceID, networkID, templateID, combo)
			d.Variations = vs
			out = append(out, d)
		}
	}
	return out
}
