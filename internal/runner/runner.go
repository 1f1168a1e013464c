package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/watergridgo/internal/connection"
	"github.com/vk/watergridgo/internal/ctxlog"
	"github.com/vk/watergridgo/internal/expr"
	"github.com/vk/watergridgo/internal/model"
	"github.com/vk/watergridgo/internal/reporter"
	"github.com/vk/watergridgo/internal/runstate"
	"github.com/vk/watergridgo/internal/syserr"
	"github.com/vk/watergridgo/internal/system"
)

const defaultWorkers = 4

// Config wires the runner's shared services. The expression cache is the one
// piece of state shared across runs; everything else is per-run or stateless.
type Config struct {
	Conn     connection.DataConnection
	Cache    *expr.Cache
	Reporter reporter.Reporter
	RunState *runstate.Store

	// NewModel builds a fresh model per run; models hold mutable state and
	// must never be shared.
	NewModel func() model.Model

	Workers   int
	Foresight string
	FilesPath string
}

// Runner executes descriptors on a fixed pool of workers.
type Runner struct {
	cfg Config
}

// New validates the configuration and builds a runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Conn == nil {
		return nil, syserr.NewConfiguration("connection", "a data connection is required")
	}
	if cfg.NewModel == nil {
		return nil, syserr.NewConfiguration("model", "a model factory is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = expr.NewCache()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = reporter.Nop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes every descriptor to completion and returns the joined errors
// of the runs that failed. Runs are independent: one failing does not stop
// the others, only context cancellation does.
func (r *Runner) Run(ctx context.Context, descs []Descriptor) error {
	jobs := make(chan Descriptor)
	errs := make([]error, len(descs))
	index := map[string]int{}
	for i, d := range descs {
		index[d.ID] = i
	}

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			logger := ctxlog.FromContext(ctx)
			logger.Debug("Worker started.", "workerID", workerID)
			for d := range jobs {
				if err := r.runOne(ctx, d); err != nil {
					errs[index[d.ID]] = fmt.Errorf("%s: %w", d.String(), err)
				}
			}
			logger.Debug("Worker finished.", "workerID", workerID)
		}(w)
	}

	for _, d := range descs {
		jobs <- d
	}
	close(jobs)
	wg.Wait()

	return errors.Join(errs...)
}

// runOne drives one descriptor through the full lifecycle. Cancellation is a
// clean stop, not a failure.
func (r *Runner) runOne(ctx context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	ctx = ctxlog.With(ctx, "sid", d.SID)
	logger := ctxlog.FromContext(ctx)

	network, err := r.cfg.Conn.GetNetwork(ctx, connection.NetworkFilter{
		NetworkID:   d.NetworkID,
		TemplateID:  d.TemplateID,
		ScenarioIDs: d.ScenarioIDs,
		IncludeData: true,
	})
	if err != nil {
		return r.fail(ctx, d, fmt.Errorf("fetching network %d: %w", d.NetworkID, err))
	}
	template, err := r.cfg.Conn.GetTemplate(ctx, d.TemplateID)
	if err != nil {
		return r.fail(ctx, d, fmt.Errorf("fetching template %d: %w", d.TemplateID, err))
	}

	foresight := d.Foresight
	if foresight == "" {
		foresight = r.cfg.Foresight
	}
	filesPath := d.FilesPath
	if filesPath == "" {
		filesPath = r.cfg.FilesPath
	}

	sys, err := system.New(system.Config{
		Conn:        r.cfg.Conn,
		Model:       r.cfg.NewModel(),
		Cache:       r.cfg.Cache,
		Reporter:    r.cfg.Reporter,
		RunState:    r.cfg.RunState,
		SID:         d.SID,
		SourceID:    d.SourceID,
		Network:     network,
		Template:    template,
		ScenarioIDs: d.ScenarioIDs,
		Variations:  d.Variations,
		Foresight:   foresight,
		FilesPath:   filesPath,
		DebugStart:  d.DebugStart,
		DebugLimit:  d.DebugLimit,
	})
	if err != nil {
		return r.fail(ctx, d, err)
	}

	r.setStatus(ctx, d.SID, "started")
	if err := sys.Initialize(ctx); err != nil {
		return r.fail(ctx, d, err)
	}
	r.setStatus(ctx, d.SID, "running")

	for i := 0; i < sys.Runs(); i++ {
		if err := sys.Step(ctx, i); err != nil {
			if errors.Is(err, syserr.ErrCanceled) {
				logger.Info("Run canceled, partial results flushed.")
				r.setStatus(ctx, d.SID, "stopped")
				return nil
			}
			return r.fail(ctx, d, err)
		}
	}

	if err := sys.Finish(ctx); err != nil {
		return r.fail(ctx, d, err)
	}
	r.setStatus(ctx, d.SID, "finished")
	logger.Info("Run finished.", "steps", sys.TotalSteps())
	return nil
}

// fail reports the error action and records the error status before handing
// the error back to the pool.
func (r *Runner) fail(ctx context.Context, d Descriptor, err error) error {
	ctxlog.FromContext(ctx).Error("Run failed.", "error", err)
	r.cfg.Reporter.Report(ctx, reporter.ActionError, reporter.Payload{
		Sid:        d.SID,
		SourceID:   d.SourceID,
		NetworkID:  d.NetworkID,
		Status:     runstate.StatusFor(reporter.ActionError),
		ExtraInfo:  err.Error(),
		ScenarioID: d.ScenarioIDs[len(d.ScenarioIDs)-1],
	})
	r.setStatus(ctx, d.SID, "error")
	return err
}

func (r *Runner) setStatus(ctx context.Context, sid, status string) {
	if r.cfg.RunState == nil {
		return
	}
	if err := r.cfg.RunState.SetStatus(sid, status); err != nil {
		ctxlog.FromContext(ctx).Warn("Could not record run status.", "sid", sid, "status", status, "error", err)
	}
}
