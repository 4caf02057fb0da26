// Package export runs render plans against the encoder. It owns the
// encoder as a singleton resource, every temporary file of a job and the
// progress stream clients subscribe to.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heimdex/heimdex-editor/internal/apperr"
	"github.com/heimdex/heimdex-editor/internal/encoder"
	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/render"
	"github.com/heimdex/heimdex-editor/internal/timeline"
)

const (
	partialSuffix  = ".partial"
	subscriberBuf  = 64
	persistTimeout = 5 * time.Second
)

// Config holds the controller's configuration.
type Config struct {
	WorkRoot string // per-job work dirs are created below it
	Store    JobStore
	Logger   *slog.Logger
}

// Controller executes one export at a time. A second Start while a job is
// active is rejected; there is no queue.
type Controller struct {
	enc    encoder.Encoder
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	jobs   map[string]*run
	active *run
	wg     sync.WaitGroup
}

type run struct {
	job    Job
	plan   *render.Plan
	ctx    context.Context
	cancel context.CancelFunc
	last   Progress
	subs   map[chan Progress]struct{}
	done   chan struct{}
}

// NewController creates a controller driving enc.
func NewController(enc encoder.Encoder, cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		enc:    enc,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "export"),
		now:    time.Now,
		jobs:   make(map[string]*run),
	}
}

// Prepare checks a timeline snapshot and compiles it into a plan with a
// fresh work dir.
func (c *Controller) Prepare(tl *timeline.Timeline, cfg render.ExportConfig) (*render.Plan, error) {
	const op = "start_export"
	if tl.Empty() {
		return nil, apperr.Validationf(op, "nothing to export")
	}
	if missing := tl.MissingClips(); len(missing) > 0 {
		return nil, apperr.Validationf(op, "%d clip(s) reference missing source files, first: %s",
			len(missing), logging.SanitizePath(missing[0].Media.Path))
	}
	for _, path := range tl.Sources() {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil, apperr.Validationf(op, "source file missing: %s", logging.SanitizePath(path))
		}
	}

	cfg = cfg.WithDefaults()
	out, err := ResolveOutputPath(cfg.OutputPath)
	if err != nil {
		return nil, err
	}
	cfg.OutputPath = out
	cfg.WorkDir = filepath.Join(c.cfg.WorkRoot, "job-"+uuid.NewString())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return render.Compile(tl, cfg), nil
}

// Export prepares and starts a job in one step.
func (c *Controller) Export(tl *timeline.Timeline, cfg render.ExportConfig) (Job, error) {
	plan, err := c.Prepare(tl, cfg)
	if err != nil {
		return Job{}, err
	}
	return c.Start(plan)
}

// Start begins executing plan in the background.
func (c *Controller) Start(plan *render.Plan) (Job, error) {
	const op = "start_export"
	if plan == nil || plan.Empty() {
		return Job{}, apperr.Validationf(op, "nothing to export")
	}
	if err := plan.Config.Validate(); err != nil {
		return Job{}, err
	}

	c.mu.Lock()
	if c.active != nil {
		id := c.active.job.ID
		c.mu.Unlock()
		return Job{}, apperr.New(apperr.KindBusy, op, fmt.Sprintf("export %s is already running", id))
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		job: Job{
			ID:         uuid.NewString(),
			State:      StateQueued,
			OutputPath: plan.Output(),
			Duration:   plan.Duration,
			OpCount:    len(plan.Ops),
			CreatedAt:  c.now(),
		},
		plan:   plan,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[chan Progress]struct{}),
		done:   make(chan struct{}),
	}
	r.last = Progress{JobID: r.job.ID, State: StateQueued, OpCount: len(plan.Ops), TotalFrames: plan.TotalFrames()}
	c.jobs[r.job.ID] = r
	c.active = r
	job := r.job
	c.wg.Add(1)
	c.mu.Unlock()

	c.persist(job)
	c.logger.Info("export queued", "job_id", job.ID, "ops", job.OpCount, "duration", job.Duration,
		"output", logging.SanitizePath(job.OutputPath))

	go c.execute(r)
	return job, nil
}

// Cancel stops a job. The encoder is interrupted, temporaries and the
// partial output are removed and the job ends Cancelled. Cancelling a
// finished job is a no-op.
func (c *Controller) Cancel(id string) error {
	c.mu.Lock()
	r, ok := c.jobs[id]
	c.mu.Unlock()
	if !ok {
		return apperr.NotFoundf("cancel_export", "export %s not found", id)
	}
	r.cancel()
	return nil
}

// Wait blocks until the job reaches a terminal state or ctx ends.
func (c *Controller) Wait(ctx context.Context, id string) (Job, error) {
	c.mu.Lock()
	r, ok := c.jobs[id]
	c.mu.Unlock()
	if !ok {
		return Job{}, apperr.NotFoundf("wait_export", "export %s not found", id)
	}
	select {
	case <-r.done:
		return c.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Get returns a copy of a job record.
func (c *Controller) Get(id string) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.jobs[id]
	if !ok {
		return Job{}, apperr.NotFoundf("get_export", "export %s not found", id)
	}
	return r.job, nil
}

// Active returns the running job, if any.
func (c *Controller) Active() (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Job{}, false
	}
	return c.active.job, true
}

// Jobs returns the jobs started by this process, newest first.
func (c *Controller) Jobs() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Job, 0, len(c.jobs))
	for _, r := range c.jobs {
		out = append(out, r.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Subscribe returns a progress stream for a job. The latest known update
// is delivered first; the channel is closed after the terminal event or
// when the returned stop function is called.
func (c *Controller) Subscribe(id string) (<-chan Progress, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.jobs[id]
	if !ok {
		return nil, nil, apperr.NotFoundf("subscribe_export", "export %s not found", id)
	}

	ch := make(chan Progress, subscriberBuf)
	ch <- r.last
	if r.last.State.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	r.subs[ch] = struct{}{}
	stop := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	}
	return ch, stop, nil
}

// Shutdown cancels the active job and waits for its cleanup.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.active != nil {
		c.active.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs every op of the plan in order. The work dir and the partial
// output are removed on every exit path.
func (c *Controller) execute(r *run) {
	defer c.wg.Done()
	defer r.cancel()

	cfg := r.plan.Config
	final := cfg.OutputPath
	partial := final + partialSuffix
	logger := logging.WithJobID(c.logger, r.job.ID)

	var (
		state   = StateCompleted
		failure error
	)
	defer func() {
		if err := os.RemoveAll(cfg.WorkDir); err != nil {
			logger.Warn("cannot remove work dir", "error", err)
		}
		if state != StateCompleted {
			if err := os.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("cannot remove partial output", "error", err)
			}
		}
		c.finish(r, state, failure)
	}()

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		state, failure = StateFailed, apperr.Wrap(apperr.KindInternal, "start_export", err)
		return
	}

	start := c.now()
	c.transition(r, func(j *Job, p *Progress) {
		j.State, p.State = StateRunning, StateRunning
		j.StartedAt = &start
	})
	c.persist(c.snapshot(r))
	logger.Info("export started", "ops", len(r.plan.Ops))

	total := r.plan.TotalFrames()
	var doneFrames int64
	for i, op := range r.plan.Ops {
		if r.ctx.Err() != nil {
			state = StateCancelled
			return
		}
		step := op
		if mux, ok := op.(render.Mux); ok && mux.Target == final {
			mux.Target = partial
			step = mux
		}

		opFrames := render.FramesFor(op.Duration(), cfg.FrameRate)
		base := doneFrames
		c.transition(r, func(j *Job, p *Progress) {
			j.OpIndex, j.OpKind = i, op.Kind()
			p.OpIndex, p.Op, p.CurrentFrame, p.FPS = i, op.Kind(), base, 0
		})

		_, err := encoder.Dispatch(r.ctx, c.enc, step, cfg, func(ep encoder.Progress) {
			frames := max(ep.Frame, render.FramesFor(ep.OutTime, cfg.FrameRate))
			current := base + min(frames, opFrames)
			c.report(r, current, total, ep.FPS, start)
		})
		if err != nil {
			if r.ctx.Err() != nil || apperr.KindOf(err) == apperr.KindCancelled {
				state = StateCancelled
				logger.Info("export cancelled", "op_index", i)
				return
			}
			state = StateFailed
			failure = &OpError{Index: i, Kind: op.Kind(), Err: err}
			logger.Error("export op failed", "op_index", i, "op", op.Kind(), "error", err)
			return
		}
		doneFrames += opFrames
		c.report(r, doneFrames, total, 0, start)
	}

	if err := os.Rename(partial, final); err != nil {
		state, failure = StateFailed, apperr.Wrap(apperr.KindRender, "finalize", err)
		return
	}
	logger.Info("export completed", "duration_ms", c.now().Sub(start).Milliseconds(),
		"output", logging.SanitizePath(final))
}

// report publishes a progress update with percent and ETA.
func (c *Controller) report(r *run, current, total int64, fps float64, start time.Time) {
	c.transition(r, func(j *Job, p *Progress) {
		p.CurrentFrame, p.TotalFrames, p.FPS = current, total, fps
		if total > 0 {
			p.Percent = min(100, float64(current)/float64(total)*100)
		}
		if elapsed := c.now().Sub(start).Seconds(); current > 0 && elapsed > 0 {
			p.ETASeconds = elapsed / float64(current) * float64(total-current)
		}
		j.Percent = p.Percent
	})
}

// transition applies fn to the job and its latest progress, then fans the
// progress out. Slow subscribers miss intermediate updates.
func (c *Controller) transition(r *run, fn func(*Job, *Progress)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&r.job, &r.last)
	for ch := range r.subs {
		select {
		case ch <- r.last:
		default:
		}
	}
}

func (c *Controller) finish(r *run, state State, failure error) {
	finished := c.now()

	c.mu.Lock()
	r.job.State = state
	r.job.FinishedAt = &finished
	r.last.State = state
	r.last.ETASeconds = 0
	if state == StateCompleted {
		r.job.Percent, r.last.Percent = 100, 100
		r.last.CurrentFrame = r.last.TotalFrames
	}
	if failure != nil {
		r.job.ErrorKind = apperr.KindOf(failure)
		var opErr *OpError
		if errors.As(failure, &opErr) {
			r.job.ErrorKind = apperr.KindRender
		}
		r.job.ErrorDetail = diagnostic(failure)
		r.last.ErrorKind, r.last.Error = r.job.ErrorKind, r.job.ErrorDetail
	}
	if state == StateCancelled {
		r.job.ErrorKind, r.last.ErrorKind = apperr.KindCancelled, apperr.KindCancelled
	}
	job := r.job
	c.mu.Unlock()

	c.persist(job)

	c.mu.Lock()
	// the terminal event must reach every subscriber, so make room for it
	for ch := range r.subs {
		select {
		case ch <- r.last:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- r.last
		}
		close(ch)
		delete(r.subs, ch)
	}
	if c.active == r {
		c.active = nil
	}
	c.mu.Unlock()

	close(r.done)
}

func (c *Controller) snapshot(r *run) Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.job
}

func (c *Controller) persist(job Job) {
	if c.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.cfg.Store.SaveJob(ctx, job); err != nil {
		c.logger.Warn("cannot persist export job", "job_id", job.ID, "error", err)
	}
}

// diagnostic extracts the most useful message: the encoder's stderr tail
// when there is one.
func diagnostic(err error) string {
	var f *encoder.Failure
	if errors.As(err, &f) {
		var opErr *OpError
		if errors.As(err, &opErr) {
			return fmt.Sprintf("op %d (%s): %s", opErr.Index, opErr.Kind, truncate(f.Diagnostic, 2048))
		}
		return truncate(f.Diagnostic, 2048)
	}
	return apperr.DetailOf(err)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
