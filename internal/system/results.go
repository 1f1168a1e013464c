package system

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/vk/watergridgo/internal/ctxlog"
	"github.com/vk/watergridgo/internal/nwk"
)

// collectOutputs writes the model's last-step outputs into the store for one
// date. Outputs are rounded to six decimals and converted out of model units.
// Outputs for attributes the template does not know about are dropped: only
// addressable results can be persisted.
func (s *System) collectOutputs(date string) {
	for out, v := range s.model.CollectOutputs() {
		ref := resourceRef{out.ResourceType, out.ResourceID}
		key, ok := s.attrKeys[ref][out.Attribute]
		if !ok {
			continue
		}
		tattr := s.tattrs[key]
		val := s.fromModelUnits(v, tattr, date)
		val = math.Round(val*1e6) / 1e6
		s.store.StoreValue(key, date, val, false)
	}
}

// flush persists the store's contents to the data connection as a result
// scenario. Called at finish, and best-effort after a failed or canceled
// step so partial results survive.
func (s *System) flush(ctx context.Context) error {
	if s.flushed {
		return nil
	}
	scen := &nwk.Scenario{
		Name:     s.scenarioName,
		ParentID: s.scenarioIDs[len(s.scenarioIDs)-1],
	}
	if s.grid != nil && s.grid.Len() > 0 {
		scen.StartTime = s.grid.DateStrings[0]
		scen.EndTime = s.grid.DateStrings[s.grid.Len()-1]
		scen.TimeStep = string(s.grid.Span)
	}

	keys := s.store.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		raID, ok := s.resAttrs[key]
		if !ok {
			continue
		}
		tattr := s.tattrs[key]
		value, err := s.store.GetValue(key)
		if err != nil {
			continue
		}
		payload, err := value.AsJSON()
		if err != nil {
			ctxlog.FromContext(ctx).Warn("Could not serialize a stored value, skipping it.",
				"key", key.String(), "error", err)
			continue
		}
		scen.ResourceScenarios = append(scen.ResourceScenarios, nwk.ResourceScenario{
			ResourceAttrID: raID,
			AttrID:         key.AttrID,
			Value: nwk.RawValue{
				Name: fmt.Sprintf("%s - %s - %s [%s]",
					s.network.Name,
					s.network.ResourceName(key.ResourceType, key.ResourceID),
					tattr.AttrName,
					s.scenarioName),
				Type:      tattr.DataType,
				Unit:      tattr.Unit,
				Dimension: tattr.Dimension,
				Value:     payload,
			},
		})
	}

	if _, err := s.conn.UpdateScenario(ctx, scen); err != nil {
		return fmt.Errorf("saving results: %w", err)
	}
	s.flushed = true
	resultsFlushed.Inc()
	return nil
}
