package system

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/watergridgo/internal/bcstore"
	"github.com/vk/watergridgo/internal/connection"
	"github.com/vk/watergridgo/internal/ctxlog"
	"github.com/vk/watergridgo/internal/expr"
	"github.com/vk/watergridgo/internal/model"
	"github.com/vk/watergridgo/internal/nwk"
	"github.com/vk/watergridgo/internal/rakey"
	"github.com/vk/watergridgo/internal/reporter"
	"github.com/vk/watergridgo/internal/runstate"
	"github.com/vk/watergridgo/internal/syserr"
	"github.com/vk/watergridgo/internal/waterval"
)

const (
	attrRunoff          = 10
	attrInitialStorage  = 11
	attrStorageCapacity = 12
	attrDemand          = 13
	attrStartupDate     = 14
	attrStorage         = 20
	attrDelivery        = 21
	attrOutflow         = 22
	attrInflow          = 23
	attrFlow            = 24
	attrStorageEstimate = 25
)

func testCtx() context.Context {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ctxlog.WithLogger(context.Background(), logger)
}

func fn(src string) nwk.Metadata {
	return nwk.Metadata{UseFunction: true, Function: src}
}

// basinTemplate covers a headwater feeding a reservoir feeding a city.
func basinTemplate() *nwk.Template {
	return &nwk.Template{
		ID:   1,
		Name: "River Basin",
		Types: []nwk.TemplateType{
			{
				ID: 1, Name: "Headwater", ResourceType: rakey.Node,
				TypeAttrs: []nwk.TypeAttr{
					{AttrID: attrRunoff, AttrName: "Runoff", DataType: "timeseries"},
					{AttrID: attrOutflow, AttrName: "Outflow", DataType: "timeseries", IsVar: true},
					{AttrID: attrInflow, AttrName: "Inflow", DataType: "timeseries", IsVar: true},
				},
			},
			{
				ID: 2, Name: "Reservoir", ResourceType: rakey.Node,
				TypeAttrs: []nwk.TypeAttr{
					{AttrID: attrInitialStorage, AttrName: "Initial Storage", DataType: "scalar"},
					{AttrID: attrStorageCapacity, AttrName: "Storage Capacity", DataType: "scalar"},
					{AttrID: attrStorage, AttrName: "Storage", DataType: "timeseries", IsVar: true},
					{AttrID: attrOutflow, AttrName: "Outflow", DataType: "timeseries", IsVar: true},
					{AttrID: attrInflow, AttrName: "Inflow", DataType: "timeseries", IsVar: true},
					{AttrID: attrStorageEstimate, AttrName: "Storage Estimate", DataType: "timeseries", Intermediary: true},
				},
			},
			{
				ID: 3, Name: "Demand Site", ResourceType: rakey.Node,
				TypeAttrs: []nwk.TypeAttr{
					{AttrID: attrDemand, AttrName: "Demand", DataType: "timeseries"},
					{AttrID: attrStartupDate, AttrName: "Startup Date", DataType: "descriptor"},
					{AttrID: attrDelivery, AttrName: "Delivery", DataType: "timeseries", IsVar: true},
					{AttrID: attrInflow, AttrName: "Inflow", DataType: "timeseries", IsVar: true},
				},
			},
			{
				ID: 4, Name: "Conveyance", ResourceType: rakey.Link,
				TypeAttrs: []nwk.TypeAttr{
					{AttrID: attrFlow, AttrName: "Flow", DataType: "timeseries", IsVar: true},
				},
			},
		},
	}
}

// basinNetwork is the three-node, two-link network of the end-to-end
// scenario: constant runoff of 10 into a reservoir, a city demanding 8.
func basinNetwork() *nwk.Network {
	typeRef := func(name string) []nwk.TypeRef {
		return []nwk.TypeRef{{TemplateID: 1, Name: name}}
	}
	return &nwk.Network{
		ID:   7,
		Name: "Test Basin",
		Nodes: []nwk.Node{
			{
				ID: 1, Name: "Creek", Types: typeRef("Headwater"),
				Attributes: []nwk.ResourceAttr{
					{ID: 101, AttrID: attrRunoff},
					{ID: 102, AttrID: attrOutflow, IsVar: true},
					{ID: 103, AttrID: attrInflow, IsVar: true},
				},
			},
			{
				ID: 2, Name: "Basin Reservoir", Types: typeRef("Reservoir"),
				Attributes: []nwk.ResourceAttr{
					{ID: 111, AttrID: attrInitialStorage},
					{ID: 112, AttrID: attrStorageCapacity},
					{ID: 113, AttrID: attrStorage, IsVar: true},
					{ID: 114, AttrID: attrOutflow, IsVar: true},
					{ID: 115, AttrID: attrInflow, IsVar: true},
					{ID: 116, AttrID: attrStorageEstimate},
				},
			},
			{
				ID: 3, Name: "City", Types: typeRef("Demand Site"),
				Attributes: []nwk.ResourceAttr{
					{ID: 121, AttrID: attrDemand},
					{ID: 122, AttrID: attrStartupDate},
					{ID: 123, AttrID: attrDelivery, IsVar: true},
					{ID: 124, AttrID: attrInflow, IsVar: true},
				},
			},
		},
		Links: []nwk.Link{
			{
				ID: 11, Name: "Upper Reach", Node1ID: 1, Node2ID: 2, Types: typeRef("Conveyance"),
				Attributes: []nwk.ResourceAttr{{ID: 131, AttrID: attrFlow, IsVar: true}},
			},
			{
				ID: 12, Name: "Lower Reach", Node1ID: 2, Node2ID: 3, Types: typeRef("Conveyance"),
				Attributes: []nwk.ResourceAttr{{ID: 132, AttrID: attrFlow, IsVar: true}},
			},
		},
		Scenarios: []nwk.Scenario{
			{
				ID: 1, Name: "Baseline",
				StartTime: "2020-01-01", EndTime: "2020-01-05", TimeStep: "day",
				ResourceScenarios: []nwk.ResourceScenario{
					{ResourceAttrID: 101, AttrID: attrRunoff, Value: nwk.RawValue{Type: "timeseries", Metadata: fn("10")}},
					{ResourceAttrID: 111, AttrID: attrInitialStorage, Value: nwk.RawValue{Type: "scalar", Value: "0"}},
					{ResourceAttrID: 112, AttrID: attrStorageCapacity, Value: nwk.RawValue{Type: "scalar", Value: "100"}},
					{ResourceAttrID: 121, AttrID: attrDemand, Value: nwk.RawValue{Type: "timeseries", Metadata: fn("8")}},
					{ResourceAttrID: 116, AttrID: attrStorageEstimate, Value: nwk.RawValue{Type: "timeseries", Metadata: fn(`get("node/2/20")`)}},
				},
			},
			{
				ID: 2, Name: "Late Start", ParentID: 1,
				StartTime: "2020-01-01", EndTime: "2020-01-05", TimeStep: "day",
				ResourceScenarios: []nwk.ResourceScenario{
					{ResourceAttrID: 122, AttrID: attrStartupDate, Value: nwk.RawValue{Type: "descriptor", Value: "2020-01-03 00:00:00"}},
				},
			},
		},
	}
}

func basinSystem(t *testing.T, scenarioIDs []int, variations []VariationSet) (*System, *connection.File) {
	t.Helper()
	network := basinNetwork()
	template := basinTemplate()
	conn := connection.NewFile(network, template)
	sys, err := New(Config{
		Conn:        conn,
		Model:       model.NewFlowNetwork(),
		Cache:       expr.NewCache(),
		Network:     network,
		Template:    template,
		ScenarioIDs: scenarioIDs,
		Variations:  variations,
		Foresight:   ForesightZero,
		SID:         "run-1",
	})
	require.NoError(t, err)
	return sys, conn
}

func runAll(t *testing.T, ctx context.Context, sys *System) {
	t.Helper()
	require.NoError(t, sys.Initialize(ctx))
	for i := 0; i < sys.Runs(); i++ {
		require.NoError(t, sys.Step(ctx, i))
	}
	require.NoError(t, sys.Finish(ctx))
}

func storedSeries(t *testing.T, sys *System, key rakey.Key) waterval.Series {
	t.Helper()
	v, err := sys.Store().GetValue(key)
	require.NoError(t, err)
	series, ok := v.AsSeries()
	require.True(t, ok, "value for %s is not a series", key)
	return series
}

func TestEndToEndReservoirScenario(t *testing.T) {
	ctx := testCtx()
	sys, conn := basinSystem(t, []int{1}, nil)

	runAll(t, ctx, sys)
	require.Equal(t, StateFinished, sys.State())
	require.Equal(t, 5, sys.TotalSteps())

	deliveryKey := rakey.Key{ResourceType: rakey.Node, ResourceID: 3, AttrID: attrDelivery}
	storageKey := rakey.Key{ResourceType: rakey.Node, ResourceID: 2, AttrID: attrStorage}
	inflowKey := rakey.Key{ResourceType: rakey.Node, ResourceID: 2, AttrID: attrInflow}
	outflowKey := rakey.Key{ResourceType: rakey.Node, ResourceID: 2, AttrID: attrOutflow}

	delivery := storedSeries(t, sys, deliveryKey)
	require.Len(t, delivery.SortedDates(), 5)
	for _, date := range delivery.SortedDates() {
		assert.LessOrEqual(t, delivery[date], 8.0)
		assert.InDelta(t, 8.0, delivery[date], 1e-9)
	}

	storage := storedSeries(t, sys, storageKey)
	inflow := storedSeries(t, sys, inflowKey)
	outflow := storedSeries(t, sys, outflowKey)

	prev := 0.0
	for i, date := range sys.Grid().DateStrings {
		assert.InDelta(t, inflow[date]-outflow[date], storage[date]-prev, 1e-9,
			"mass balance violated at %s", date)
		assert.InDelta(t, float64(2*(i+1)), storage[date], 1e-9)
		prev = storage[date]
	}

	require.Len(t, conn.Updated, 1)
	saved := conn.Updated[0]
	assert.Equal(t, "Baseline (results)", saved.Name)
	var deliveryRS *nwk.ResourceScenario
	for i := range saved.ResourceScenarios {
		if saved.ResourceScenarios[i].ResourceAttrID == 123 {
			deliveryRS = &saved.ResourceScenarios[i]
		}
	}
	require.NotNil(t, deliveryRS, "delivery results were not persisted")
	blocks, err := waterval.ParseSeriesJSON(deliveryRS.Value.Value)
	require.NoError(t, err)
	require.Len(t, blocks[0], 5)
}

func TestPeriodicRunoffDrivesDeliveries(t *testing.T) {
	ctx := testCtx()
	network := basinNetwork()
	// typical-year runoff curve, keyed in the synthetic year
	network.Scenarios[0].ResourceScenarios[0].Value = nwk.RawValue{
		Type: "periodic timeseries",
		Value: `{
			"9998-01-01": 10.0,
			"9998-01-02": 10.0,
			"9998-01-03": 10.0,
			"9998-01-04": 10.0,
			"9998-01-05": 10.0
		}`,
	}
	template := basinTemplate()
	conn := connection.NewFile(network, template)
	sys, err := New(Config{
		Conn:        conn,
		Model:       model.NewFlowNetwork(),
		Cache:       expr.NewCache(),
		Network:     network,
		Template:    template,
		ScenarioIDs: []int{1},
		SID:         "run-periodic",
	})
	require.NoError(t, err)
	runAll(t, ctx, sys)

	// the curve must land on the run's real dates, not stay in year 9998
	runoff := storedSeries(t, sys, rakey.Key{ResourceType: rakey.Node, ResourceID: 1, AttrID: attrRunoff})
	delivery := storedSeries(t, sys, rakey.Key{ResourceType: rakey.Node, ResourceID: 3, AttrID: attrDelivery})
	for _, date := range sys.Grid().DateStrings {
		assert.InDelta(t, 10.0, runoff[date], 1e-9, "runoff missing at %s", date)
		assert.InDelta(t, 8.0, delivery[date], 1e-9, "delivery starved at %s", date)
	}
}

func TestPostProcessSeesSolverOutputs(t *testing.T) {
	ctx := testCtx()
	sys, _ := basinSystem(t, []int{1}, nil)
	runAll(t, ctx, sys)

	storage := storedSeries(t, sys, rakey.Key{ResourceType: rakey.Node, ResourceID: 2, AttrID: attrStorage})
	estimate := storedSeries(t, sys, rakey.Key{ResourceType: rakey.Node, ResourceID: 2, AttrID: attrStorageEstimate})
	for _, date := range sys.Grid().DateStrings {
		assert.InDelta(t, storage[date], estimate[date], 1e-9, "estimate stale at %s", date)
	}
}

func TestStartupDateZeroesEarlyDemand(t *testing.T) {
	ctx := testCtx()
	sys, _ := basinSystem(t, []int{2}, nil)
	runAll(t, ctx, sys)

	delivery := storedSeries(t, sys, rakey.Key{ResourceType: rakey.Node, ResourceID: 3, AttrID: attrDelivery})
	dates := sys.Grid().DateStrings
	assert.InDelta(t, 0.0, delivery[dates[0]], 1e-9)
	assert.InDelta(t, 0.0, delivery[dates[1]], 1e-9)
	for _, date := range dates[2:] {
		assert.InDelta(t, 8.0, delivery[date], 1e-9)
	}
}

func TestVariationShiftsInitialStorage(t *testing.T) {
	ctx := testCtx()
	storageParam := rakey.Key{ResourceType: rakey.Node, ResourceID: 2, AttrID: attrInitialStorage}
	sys, _ := basinSystem(t, []int{1}, []VariationSet{{
		ParentID: 1,
		Variations: []Variation{{
			Key:       storageParam,
			Variation: bcstore.Variation{Operator: bcstore.OperatorAdd, Value: 5},
		}},
	}})
	runAll(t, ctx, sys)

	stored, err := sys.Store().GetValue(storageParam)
	require.NoError(t, err)
	f, ok := stored.AsScalar()
	require.True(t, ok)
	assert.InDelta(t, 5.0, f, 1e-9)

	// storage trajectory starts from the perturbed value
	storage := storedSeries(t, sys, rakey.Key{ResourceType: rakey.Node, ResourceID: 2, AttrID: attrStorage})
	assert.InDelta(t, 7.0, storage[sys.Grid().DateStrings[0]], 1e-9)
}

func TestStepOrderEnforced(t *testing.T) {
	ctx := testCtx()
	sys, _ := basinSystem(t, []int{1}, nil)
	require.NoError(t, sys.Initialize(ctx))

	require.NoError(t, sys.Step(ctx, 0))
	err := sys.Step(ctx, 2)
	require.Error(t, err)
	var cfg *syserr.ConfigurationError
	require.ErrorAs(t, err, &cfg)
}

func TestStepBeforeInitializeFails(t *testing.T) {
	ctx := testCtx()
	sys, _ := basinSystem(t, []int{1}, nil)
	require.Error(t, sys.Step(ctx, 0))
}

func TestFinishIsIdempotent(t *testing.T) {
	ctx := testCtx()
	sys, conn := basinSystem(t, []int{1}, nil)
	runAll(t, ctx, sys)

	require.NoError(t, sys.Finish(ctx))
	require.Len(t, conn.Updated, 1)
}

func TestCancellationFlushesPartialResults(t *testing.T) {
	ctx := testCtx()
	state, err := runstate.Open("", nil)
	require.NoError(t, err)
	defer state.Close()

	network := basinNetwork()
	template := basinTemplate()
	conn := connection.NewFile(network, template)
	sys, err := New(Config{
		Conn:        conn,
		Model:       model.NewFlowNetwork(),
		Cache:       expr.NewCache(),
		Network:     network,
		Template:    template,
		ScenarioIDs: []int{1},
		RunState:    state,
		SID:         "run-cancel",
	})
	require.NoError(t, err)
	require.NoError(t, sys.Initialize(ctx))

	require.NoError(t, sys.Step(ctx, 0))
	require.NoError(t, sys.Step(ctx, 1))
	require.NoError(t, state.RequestCancel("run-cancel"))

	err = sys.Step(ctx, 2)
	require.ErrorIs(t, err, syserr.ErrCanceled)
	require.Equal(t, StateFinished, sys.State())
	require.Len(t, conn.Updated, 1, "partial results should be flushed on cancel")

	delivery := conn.Updated[0]
	require.NotEmpty(t, delivery.ResourceScenarios)
}

func TestStepFailureWrapsPosition(t *testing.T) {
	ctx := testCtx()
	network := basinNetwork()
	// malformed expression: unknown reference fails at evaluation time
	network.Scenarios[0].ResourceScenarios[0].Value.Metadata = fn(`get("node/99/10")`)
	template := basinTemplate()
	conn := connection.NewFile(network, template)
	sys, err := New(Config{
		Conn:        conn,
		Model:       model.NewFlowNetwork(),
		Cache:       expr.NewCache(),
		Network:     network,
		Template:    template,
		ScenarioIDs: []int{1},
	})
	require.NoError(t, err)
	require.NoError(t, sys.Initialize(ctx))

	err = sys.Step(ctx, 0)
	require.Error(t, err)
	var stepErr *syserr.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Step)
	assert.Equal(t, 5, stepErr.Total)
	require.Equal(t, StateErrored, sys.State())
	require.Len(t, conn.Updated, 1, "partial results should be flushed on error")
}

func TestPerfectForesightRunsOnce(t *testing.T) {
	ctx := testCtx()
	network := basinNetwork()
	template := basinTemplate()
	conn := connection.NewFile(network, template)
	sys, err := New(Config{
		Conn:        conn,
		Model:       model.NewFlowNetwork(),
		Cache:       expr.NewCache(),
		Network:     network,
		Template:    template,
		ScenarioIDs: []int{1},
		Foresight:   ForesightPerfect,
	})
	require.NoError(t, err)
	require.NoError(t, sys.Initialize(ctx))
	require.Equal(t, 1, sys.Runs())

	require.NoError(t, sys.Step(ctx, 0))
	require.NoError(t, sys.Finish(ctx))

	storage := storedSeries(t, sys, rakey.Key{ResourceType: rakey.Node, ResourceID: 2, AttrID: attrStorage})
	require.Len(t, storage.SortedDates(), 5)
	assert.InDelta(t, 10.0, storage[sys.Grid().DateStrings[4]], 1e-9)
}

func TestScenarioChainOverrides(t *testing.T) {
	ctx := testCtx()
	sys, _ := basinSystem(t, []int{2}, nil)
	require.NoError(t, sys.Initialize(ctx))

	// the child chain pulls in the baseline's data plus its own
	assert.Equal(t, []int{1, 2}, sys.sourceIDs)
	assert.Equal(t, "Late Start (results)", sys.ScenarioName())
}

func TestAddSubblocksDemandPreservesTotal(t *testing.T) {
	blocks := waterval.BlockSeries{0: {"2020-01-01 00:00:00": 10}}
	out := AddSubblocks(blocks, "nodeDemand", 5)
	require.Len(t, out, 5)
	total := 0.0
	for _, series := range out {
		total += series["2020-01-01 00:00:00"]
	}
	assert.InDelta(t, 10.0, total, 1e-9)
}

func TestAddSubblocksPriorityMeritOrder(t *testing.T) {
	blocks := waterval.BlockSeries{0: {"2020-01-01 00:00:00": 3}}
	out := AddSubblocks(blocks, "nodePriority", 5)
	require.Len(t, out, 5)
	prev := -1.0
	for _, b := range out.SortedBlocks() {
		v := out[b]["2020-01-01 00:00:00"]
		assert.Greater(t, v, prev, "priority tranches must increase")
		prev = v
	}
	assert.InDelta(t, 3.0, out[0]["2020-01-01 00:00:00"], 1e-9)
}

func TestAddSubblocksPassThrough(t *testing.T) {
	blocks := waterval.BlockSeries{0: {"2020-01-01 00:00:00": 4}}
	out := AddSubblocks(blocks, "nodeRunoff", 5)
	require.Equal(t, blocks, out)
}

type recordingReporter struct {
	actions  []string
	payloads []reporter.Payload
}

func (r *recordingReporter) Report(_ context.Context, action string, p reporter.Payload) {
	r.actions = append(r.actions, action)
	r.payloads = append(r.payloads, p)
}

func TestReportingLifecycle(t *testing.T) {
	ctx := testCtx()
	rec := &recordingReporter{}
	network := basinNetwork()
	template := basinTemplate()
	conn := connection.NewFile(network, template)
	sys, err := New(Config{
		Conn:        conn,
		Model:       model.NewFlowNetwork(),
		Cache:       expr.NewCache(),
		Network:     network,
		Template:    template,
		ScenarioIDs: []int{1},
		Reporter:    rec,
		SID:         "run-report",
	})
	require.NoError(t, err)
	runAll(t, ctx, sys)

	want := []string{
		reporter.ActionStart,
		reporter.ActionStep, reporter.ActionStep, reporter.ActionStep, reporter.ActionStep, reporter.ActionStep,
		reporter.ActionSave,
		reporter.ActionDone,
	}
	require.Equal(t, want, rec.actions)

	assert.InDelta(t, 0.0, rec.payloads[0].Progress, 1e-9)
	assert.Equal(t, "started", rec.payloads[0].Status)
	assert.InDelta(t, 100.0, rec.payloads[5].Progress, 1e-9)
	assert.Equal(t, "running", rec.payloads[5].Status)
	assert.Equal(t, "finished", rec.payloads[len(rec.payloads)-1].Status)
	assert.Equal(t, "run-report", rec.payloads[0].Sid)
	assert.Equal(t, 7, rec.payloads[0].NetworkID)
}
