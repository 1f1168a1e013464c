// Package system drives one scenario run: it builds the time grid, ingests
// scenario data into the boundary-condition store, and steps the external
// model through the grid while refreshing boundary values from user
// expressions. One System serves exactly one run and is not safe for
// concurrent use; independent runs get independent Systems.
package system

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vk/watergridgo/internal/bcstore"
	"github.com/vk/watergridgo/internal/connection"
	"github.com/vk/watergridgo/internal/ctxlog"
	"github.com/vk/watergridgo/internal/evaluator"
	"github.com/vk/watergridgo/internal/expr"
	"github.com/vk/watergridgo/internal/model"
	"github.com/vk/watergridgo/internal/nwk"
	"github.com/vk/watergridgo/internal/rakey"
	"github.com/vk/watergridgo/internal/reporter"
	"github.com/vk/watergridgo/internal/runstate"
	"github.com/vk/watergridgo/internal/syserr"
	"github.com/vk/watergridgo/internal/timegrid"
)

// State is the lifecycle position of a run.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateStepping
	StateFinished
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStepping:
		return "stepping"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Foresight selects how far ahead of the current step the evaluator window
// opens.
const (
	ForesightZero    = "zero"
	ForesightPerfect = "perfect"
)

// Variation is one scenario perturbation bound to its target key.
type Variation struct {
	Key               rakey.Key `json:"key"`
	bcstore.Variation `json:"variation"`
}

// VariationSet groups the variations contributed by one scenario layer.
type VariationSet struct {
	ParentID   int         `json:"parent_id"`
	Variations []Variation `json:"variations"`
}

// Config carries everything a run needs. Conn, Model, Cache, Network and
// Template are required; everything else has a usable zero value.
type Config struct {
	Conn     connection.DataConnection
	Model    model.Model
	Cache    *expr.Cache
	Reporter reporter.Reporter

	// RunState, when set, is polled for cooperative cancellation at the top
	// of every step.
	RunState *runstate.Store
	SID      string
	SourceID int

	Network  *nwk.Network
	Template *nwk.Template

	// ScenarioIDs name the source scenarios, option first. Parent chains are
	// resolved from the network's scenario list; later entries override
	// earlier ones.
	ScenarioIDs []int
	Variations  []VariationSet

	Foresight string
	FilesPath string

	// DebugStart and DebugLimit trim the grid for fast debug runs.
	DebugStart string
	DebugLimit int
}

// System is the stepper state machine for one run.
type System struct {
	state State

	conn     connection.DataConnection
	model    model.Model
	rep      reporter.Reporter
	runState *runstate.Store
	sid      string
	sourceID int

	network  *nwk.Network
	template *nwk.Template

	grid  *timegrid.Grid
	eval  *evaluator.Evaluator
	store *bcstore.Store

	scenarioIDs []int
	sourceIDs   []int
	sources     map[int]*nwk.Scenario
	variations  []VariationSet

	foresight        string
	foresightPeriods int
	nruns            int
	filesPath        string
	debugStart       string
	debugLimit       int

	cache *expr.Cache

	// per-key tables built at initialize
	tattrs    map[rakey.Key]*nwk.TypeAttr
	rawValues map[rakey.Key]*nwk.RawValue
	resAttrs  map[rakey.Key]int // key -> resource attr id
	raKeys    map[int]rakey.Key // resource attr id -> key
	typeNames map[resourceRef]string
	attrKeys  map[resourceRef]map[string]rakey.Key // attr name -> key
	startups  map[resourceRef]string               // resource -> startup date string

	entries   []*boundEntry
	constants map[string]float64

	lastStep int
	finished int
	flushed  bool

	scenarioName string
}

type resourceRef struct {
	resourceType rakey.ResourceType
	resourceID   int
}

// New builds a run in the created state. Nothing is fetched or evaluated
// until Initialize.
func New(cfg Config) (*System, error) {
	if cfg.Conn == nil || cfg.Model == nil || cfg.Cache == nil {
		return nil, syserr.NewConfiguration("run", "connection, model and expression cache are required")
	}
	if cfg.Network == nil || cfg.Template == nil {
		return nil, syserr.NewConfiguration("run", "network and template descriptors are required")
	}
	if len(cfg.ScenarioIDs) == 0 {
		return nil, syserr.NewConfiguration("scenario_ids", "at least one source scenario is required")
	}
	rep := cfg.Reporter
	if rep == nil {
		rep = reporter.Nop{}
	}
	foresight := cfg.Foresight
	if foresight == "" {
		foresight = ForesightZero
	}
	if foresight != ForesightZero && foresight != ForesightPerfect {
		return nil, syserr.NewConfiguration("foresight", "unknown foresight %q", foresight)
	}
	return &System{
		state:       StateCreated,
		conn:        cfg.Conn,
		model:       cfg.Model,
		rep:         rep,
		runState:    cfg.RunState,
		sid:         cfg.SID,
		sourceID:    cfg.SourceID,
		network:     cfg.Network,
		template:    cfg.Template,
		scenarioIDs: cfg.ScenarioIDs,
		variations:  cfg.Variations,
		foresight:   foresight,
		filesPath:   cfg.FilesPath,
		debugStart:  cfg.DebugStart,
		debugLimit:  cfg.DebugLimit,
		cache:       cfg.Cache,
		lastStep:    -1,
	}, nil
}

// State reports the current lifecycle position.
func (s *System) State() State { return s.state }

// Grid is the run's time grid, nil before Initialize.
func (s *System) Grid() *timegrid.Grid { return s.grid }

// Store is the run's boundary-condition store, nil before Initialize.
func (s *System) Store() *bcstore.Store { return s.store }

// Runs reports how many Step calls the run needs: one per grid date under
// zero foresight, a single horizon-wide call under perfect foresight.
func (s *System) Runs() int { return s.nruns }

// TotalSteps is the number of grid dates.
func (s *System) TotalSteps() int {
	if s.grid == nil {
		return 0
	}
	return s.grid.Len()
}

// ScenarioName is the display name of the run, derived from its sources.
func (s *System) ScenarioName() string { return s.scenarioName }

// Initialize resolves the scenario chain, builds the time grid, ingests the
// raw scenario data, applies variations and constructs the model. Any error
// here aborts the run before a single step executes.
func (s *System) Initialize(ctx context.Context) error {
	if s.state != StateCreated {
		return syserr.NewConfiguration("state", "initialize called in state %s", s.state)
	}

	if err := s.resolveSources(ctx); err != nil {
		s.state = StateErrored
		return err
	}
	if err := s.buildGrid(); err != nil {
		s.state = StateErrored
		return err
	}

	s.buildResourceTables()
	s.ingestRawValues()

	s.store = bcstore.New(s.grid, s.tattrs)
	s.eval = evaluator.New(evaluator.Config{
		Grid:        s.grid,
		Cache:       s.cache,
		Store:       s.store,
		Network:     s.network,
		RawValues:   s.rawValues,
		TypeAttrs:   s.tattrs,
		ScenarioID:  s.scenarioIDs[len(s.scenarioIDs)-1],
		BlockParams: blockParams,
		FilesPath:   s.filesPath,
	})
	s.eval.SetWindow(0, s.foresightPeriods)

	if err := s.collectSourceData(ctx); err != nil {
		s.state = StateErrored
		return err
	}
	if err := s.applyVariations(ctx); err != nil {
		s.state = StateErrored
		return err
	}

	if err := s.model.Construct(ctx, s.network, s.template, s.constants); err != nil {
		s.state = StateErrored
		return fmt.Errorf("constructing model: %w", err)
	}
	if err := s.pushConstants(); err != nil {
		s.state = StateErrored
		return err
	}

	s.state = StateInitialized
	runsStarted.Inc()
	s.rep.Report(ctx, reporter.ActionStart, s.payload(reporter.ActionStart, 0))
	return nil
}

// Step advances the run by one index. Indices must be strictly increasing
// from zero. Under perfect foresight a single call at index zero walks the
// whole horizon. Any failure moves the run to the errored state after a
// best-effort partial-results flush; cancellation flushes and returns
// ErrCanceled without marking the run errored.
func (s *System) Step(ctx context.Context, index int) error {
	if s.state != StateInitialized && s.state != StateStepping {
		return syserr.NewConfiguration("state", "step called in state %s", s.state)
	}
	if index != s.lastStep+1 {
		return syserr.NewConfiguration("step", "step index %d out of order, want %d", index, s.lastStep+1)
	}
	if index >= s.nruns {
		return syserr.NewConfiguration("step", "step index %d beyond run count %d", index, s.nruns)
	}

	if canceled := s.pollCancel(ctx); canceled {
		s.flush(ctx)
		s.state = StateFinished
		return syserr.ErrCanceled
	}

	s.state = StateStepping
	s.lastStep = index
	start := time.Now()

	if err := s.runStep(ctx, index); err != nil {
		stepErrors.Inc()
		s.state = StateErrored
		s.flush(ctx)
		date := s.grid.DateStrings[index]
		return &syserr.StepExecutionError{
			Step:  index + 1,
			Total: s.nruns,
			Date:  date,
			Err:   err,
		}
	}

	stepDuration.Observe(time.Since(start).Seconds())
	stepsTotal.Inc()
	s.finished++
	s.rep.Report(ctx, reporter.ActionStep, s.payload(reporter.ActionStep, float64(s.finished)/float64(s.nruns)*100))
	return nil
}

// runStep is the core routine: refresh pre-process values, push main
// boundary values, solve, collect outputs, refresh post-process values. Under
// perfect foresight the solve loop covers every date in the window.
func (s *System) runStep(ctx context.Context, index int) error {
	tsi := index
	tsf := index + s.foresightPeriods
	if tsf > s.grid.Len() {
		tsf = s.grid.Len()
	}
	s.eval.SetWindow(tsi, tsf)

	if err := s.refreshBoundary(ctx, phasePre, tsi, tsf); err != nil {
		return err
	}
	if err := s.refreshBoundary(ctx, phaseMain, tsi, tsf); err != nil {
		return err
	}

	for d := tsi; d < tsf; d++ {
		date := s.grid.DateStrings[d]
		if err := s.pushBoundary(date); err != nil {
			return err
		}
		result, err := s.model.Step(ctx)
		if err != nil {
			return err
		}
		if result.Status != model.StatusOptimal {
			return fmt.Errorf("model reported status %q at %s", result.Status, date)
		}
		s.collectOutputs(date)
	}

	return s.refreshBoundary(ctx, phasePost, tsi, tsf)
}

// Finish flushes results and closes the run. Idempotent.
func (s *System) Finish(ctx context.Context) error {
	if s.state == StateFinished {
		return nil
	}
	if s.state != StateInitialized && s.state != StateStepping {
		return syserr.NewConfiguration("state", "finish called in state %s", s.state)
	}
	s.rep.Report(ctx, reporter.ActionSave, s.payload(reporter.ActionSave, 100))
	if err := s.flush(ctx); err != nil {
		s.state = StateErrored
		return err
	}
	s.state = StateFinished
	s.rep.Report(ctx, reporter.ActionDone, s.payload(reporter.ActionDone, 100))
	return nil
}

func (s *System) pollCancel(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		return true
	}
	if s.runState == nil || s.sid == "" {
		return false
	}
	canceled, err := s.runState.Canceled(s.sid)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Could not poll the cancellation flag.", "sid", s.sid, "error", err)
		return false
	}
	return canceled
}

func (s *System) payload(action string, progress float64) reporter.Payload {
	return reporter.Payload{
		Sid:        s.sid,
		SourceID:   s.sourceID,
		NetworkID:  s.network.ID,
		ScenarioID: s.scenarioIDs[len(s.scenarioIDs)-1],
		Progress:   int(progress),
		Status:     runstate.StatusFor(action),
	}
}

// resolveSources walks each scenario's parent chain, baseline first, and
// flattens the chains into an ordered override list. The option chain keeps
// its baseline; later chains drop theirs so the option layer is not
// overwritten by a shared ancestor.
func (s *System) resolveSources(ctx context.Context) error {
	byID := map[int]*nwk.Scenario{}
	for i := range s.network.Scenarios {
		sc := &s.network.Scenarios[i]
		byID[sc.ID] = sc
	}

	s.sources = map[int]*nwk.Scenario{}
	seen := map[int]bool{}
	var names []string

	ids := s.scenarioIDs
	if len(ids) == 2 && ids[0] == ids[1] {
		ids = ids[:1]
	}
	s.scenarioIDs = ids

	for i, baseID := range ids {
		base, ok := byID[baseID]
		if !ok {
			return syserr.NewConfiguration("scenario_ids", "scenario %d not found in network %d", baseID, s.network.ID)
		}
		names = append(names, base.Name)

		var chain []int
		for sc := base; sc != nil; {
			if !seen[sc.ID] {
				chain = append(chain, sc.ID)
			}
			s.sources[sc.ID] = sc
			if sc.ParentID == 0 {
				break
			}
			parent, ok := byID[sc.ParentID]
			if !ok {
				return syserr.NewConfiguration("scenario_ids", "parent scenario %d of %d not found", sc.ParentID, sc.ID)
			}
			sc = parent
		}

		// chain is child-first; sources apply root-first
		for l, r := 0, len(chain)-1; l < r; l, r = l+1, r-1 {
			chain[l], chain[r] = chain[r], chain[l]
		}
		if i > 0 && len(chain) > 0 && seen[chain[0]] {
			chain = chain[1:]
		}
		for _, id := range chain {
			seen[id] = true
			s.sourceIDs = append(s.sourceIDs, id)
		}
	}

	s.scenarioName = strings.Join(names, " - ")
	if len(names) == 1 {
		s.scenarioName += " (results)"
	}
	ctxlog.FromContext(ctx).Debug("Resolved scenario sources.", "sources", s.sourceIDs)
	return nil
}

// buildGrid derives the run window from the resolved sources: the latest
// start and the earliest end win, so every source covers the whole window.
func (s *System) buildGrid() error {
	var start, end, span string
	for _, id := range s.sourceIDs {
		sc := s.sources[id]
		if sc.StartTime != "" && (start == "" || sc.StartTime > start) {
			start = sc.StartTime
		}
		if sc.EndTime != "" && (end == "" || sc.EndTime < end) {
			end = sc.EndTime
		}
		if sc.TimeStep != "" && sc.TimeStep > span {
			span = sc.TimeStep
		}
	}

	grid, err := timegrid.Build(start, end, timegrid.Span(span), timegrid.Options{
		DebugStart: s.debugStart,
		DebugLimit: s.debugLimit,
	})
	if err != nil {
		return err
	}
	s.grid = grid

	if s.foresight == ForesightPerfect {
		s.foresightPeriods = grid.Len()
		s.nruns = 1
	} else {
		s.foresightPeriods = 1
		s.nruns = grid.Len()
	}
	return nil
}

// buildResourceTables indexes the template's type attributes per resource
// attribute key and records resource attr id mappings for result persistence.
func (s *System) buildResourceTables() {
	type typeInfo struct {
		name   string
		tattrs []nwk.TypeAttr
	}
	types := map[rakey.ResourceType]map[string]*typeInfo{
		rakey.Node: {}, rakey.Link: {}, rakey.Network: {},
	}
	for i := range s.template.Types {
		tt := &s.template.Types[i]
		types[tt.ResourceType][tt.Name] = &typeInfo{name: tt.Name, tattrs: tt.TypeAttrs}
	}

	s.tattrs = map[rakey.Key]*nwk.TypeAttr{}
	s.resAttrs = map[rakey.Key]int{}
	s.raKeys = map[int]rakey.Key{}
	s.typeNames = map[resourceRef]string{}
	s.attrKeys = map[resourceRef]map[string]rakey.Key{}

	index := func(resourceType rakey.ResourceType, resourceID int, refs []nwk.TypeRef, attrs []nwk.ResourceAttr) {
		var info *typeInfo
		for _, ref := range refs {
			if ti, ok := types[resourceType][ref.Name]; ok {
				info = ti
			}
		}
		if info == nil {
			return
		}
		ref := resourceRef{resourceType, resourceID}
		s.typeNames[ref] = info.name
		s.attrKeys[ref] = map[string]rakey.Key{}

		byAttr := map[int]*nwk.TypeAttr{}
		for i := range info.tattrs {
			byAttr[info.tattrs[i].AttrID] = &info.tattrs[i]
		}
		for _, ra := range attrs {
			ta, ok := byAttr[ra.AttrID]
			if !ok {
				continue
			}
			key := rakey.Key{ResourceType: resourceType, ResourceID: resourceID, AttrID: ra.AttrID}
			s.tattrs[key] = ta
			s.resAttrs[key] = ra.ID
			s.raKeys[ra.ID] = key
			s.attrKeys[ref][ta.AttrName] = key
		}
	}

	for i := range s.network.Nodes {
		n := &s.network.Nodes[i]
		index(rakey.Node, n.ID, n.Types, n.Attributes)
	}
	for i := range s.network.Links {
		l := &s.network.Links[i]
		index(rakey.Link, l.ID, l.Types, l.Attributes)
	}
	index(rakey.Network, s.network.ID, s.network.Types, s.network.Attributes)
}

// ingestRawValues flattens the resolved source chain into the raw dataset
// table. Later sources override earlier ones.
func (s *System) ingestRawValues() {
	s.rawValues = map[rakey.Key]*nwk.RawValue{}
	for _, id := range s.sourceIDs {
		sc := s.sources[id]
		for i := range sc.ResourceScenarios {
			rs := &sc.ResourceScenarios[i]
			key, ok := s.raKeys[rs.ResourceAttrID]
			if !ok {
				continue
			}
			s.rawValues[key] = &rs.Value
		}
	}
}
