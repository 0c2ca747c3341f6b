// Package preview turns a stream of user edits into generated, navigable
// previews. Rapid edits are debounced, each settled input is fetched at
// most once, transient upstream failures are retried, and results for
// outdated inputs are dropped.
package preview

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/preview/internal/diff"
	"github.com/fruitsalade/preview/internal/events"
	"github.com/fruitsalade/preview/internal/highlight"
	"github.com/fruitsalade/preview/internal/metrics"
	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/protocol"
	"github.com/fruitsalade/preview/pkg/retry"
	"github.com/fruitsalade/preview/pkg/tree"
)

// DefaultDebounce is the quiet period before an input is fetched.
const DefaultDebounce = 350 * time.Millisecond

// Generator produces the files for a request.
type Generator interface {
	Generate(ctx context.Context, req protocol.GenerateRequest) ([]models.SnapshotFile, error)
}

// Timer is a pending debounce callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config configures a Coordinator.
type Config struct {
	Generator   Generator
	Highlighter *highlight.Highlighter
	Snapshots   *SnapshotCache
	Publisher   events.Publisher
	Logger      *zap.Logger

	Debounce time.Duration
	Retry    retry.Config

	// AfterFunc and Now replace the real clock in tests.
	AfterFunc AfterFunc
	Now       func() time.Time
}

// Accepted is returned by Update.
type Accepted struct {
	Version uint64
	Key     string
	Changed bool
}

// Coordinator owns the preview state for one session. All state is
// guarded by mu; every timer callback and fetch completion compares its
// version against the latest before touching it.
type Coordinator struct {
	gen       Generator
	hl        *highlight.Highlighter
	snapshots *SnapshotCache
	pub       events.Publisher
	log       *zap.Logger
	debounce  time.Duration
	retry     retry.Config
	afterFunc AfterFunc
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	version uint64
	input   Input
	digest  string
	timer   Timer
	state   State
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Generator == nil {
		return nil, errors.New("preview: generator is required")
	}
	if cfg.Highlighter == nil {
		hc, err := highlight.New(highlight.Config{})
		if err != nil {
			return nil, err
		}
		cfg.Highlighter = highlight.NewHighlighter(hc, "")
	}
	if cfg.Snapshots == nil {
		sc, err := NewSnapshotCache(DefaultSnapshotCacheSize)
		if err != nil {
			return nil, err
		}
		cfg.Snapshots = sc
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	cfg.Retry = withRetryDefaults(cfg.Retry)
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		gen:       cfg.Generator,
		hl:        cfg.Highlighter,
		snapshots: cfg.Snapshots,
		pub:       cfg.Publisher,
		log:       cfg.Logger,
		debounce:  cfg.Debounce,
		retry:     cfg.Retry,
		afterFunc: cfg.AfterFunc,
		now:       cfg.Now,
		ctx:       ctx,
		cancel:    cancel,
		state:     State{Phase: PhaseIdle},
	}, nil
}

// withRetryDefaults fills the unset fields of rc. An entirely empty
// config gets the default retry count too; otherwise MaxRetries is kept
// as given, so zero disables retries.
func withRetryDefaults(rc retry.Config) retry.Config {
	def := retry.DefaultConfig()
	if rc.MaxRetries == 0 && rc.InitialWait == 0 && rc.MaxWait == 0 {
		rc.MaxRetries = def.MaxRetries
		rc.MaxWait = def.MaxWait
	}
	if rc.InitialWait <= 0 {
		rc.InitialWait = def.InitialWait
	}
	if rc.Multiplier <= 0 {
		rc.Multiplier = def.Multiplier
	}
	return rc
}

// Highlighter returns the coordinator's highlighter.
func (c *Coordinator) Highlighter() *highlight.Highlighter {
	return c.hl
}

// Update submits a new input and restarts the debounce window. An input
// whose key equals the latest one is ignored unless the last attempt
// failed or settled without a baseline diff.
func (c *Coordinator) Update(in Input) (Accepted, error) {
	if err := in.Validate(); err != nil {
		return Accepted{}, err
	}
	key := in.Key()
	digest := key.Digest()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Accepted{}, ErrClosed
	}
	if c.version > 0 && digest == c.digest && !c.incomplete(key) {
		acc := Accepted{Version: c.version, Key: digest}
		c.mu.Unlock()
		return acc, nil
	}

	c.version++
	v := c.version
	c.input, c.digest = in, digest
	if c.timer != nil && c.timer.Stop() {
		metrics.RecordDebounceSuperseded()
	}
	c.timer = c.afterFunc(c.debounce, func() { c.fire(v) })
	c.state.Phase = PhaseDebouncing
	c.state.Version = v
	c.state.Key = digest
	c.state.Err = nil
	c.mu.Unlock()

	c.log.Debug("preview input queued", zap.Uint64("version", v), zap.String("key", digest))
	c.publish(events.Event{Type: events.EventDebouncing, Version: v, Key: digest})
	return Accepted{Version: v, Key: digest, Changed: true}, nil
}

// incomplete reports whether the state for the latest key is worth
// fetching again. Callers hold c.mu.
func (c *Coordinator) incomplete(key RequestKey) bool {
	switch c.state.Phase {
	case PhaseFailed:
		return true
	case PhaseSettled:
		return c.state.Diff == nil && !key.IsBaseline()
	}
	return false
}

// fire runs when the debounce window for version v elapses.
func (c *Coordinator) fire(v uint64) {
	c.mu.Lock()
	if c.closed || v != c.version {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state.Phase = PhaseFetching
	in, digest := c.input, c.digest
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Debug("preview fetching", zap.Uint64("version", v), zap.String("key", digest))
	c.publish(events.Event{Type: events.EventFetching, Version: v, Key: digest})

	go func() {
		defer c.wg.Done()
		c.run(v, in)
	}()
}

// run fetches the current and baseline snapshots for version v.
func (c *Coordinator) run(v uint64, in Input) {
	start := time.Now()
	key := in.Key()

	var current, baseline *models.Snapshot
	var g errgroup.Group
	g.Go(func() error {
		s, err := c.load(v, key)
		current = s
		return err
	})
	if !key.IsBaseline() {
		g.Go(func() error {
			s, err := c.load(v, in.Baseline().Key())
			if err != nil && !errors.Is(err, ErrSuperseded) && c.ctx.Err() == nil {
				c.log.Warn("baseline fetch failed", zap.Uint64("version", v), zap.Error(err))
			}
			baseline = s
			return nil
		})
	}
	err := g.Wait()
	if key.IsBaseline() {
		baseline = current
	}
	c.apply(v, current, baseline, err, time.Since(start))
}

// load returns the snapshot for key from the cache or the generator. The
// generator is only called while v is still the latest version.
func (c *Coordinator) load(v uint64, key RequestKey) (*models.Snapshot, error) {
	digest := key.Digest()
	if s, ok := c.snapshots.Get(digest); ok {
		return s, nil
	}

	cfg := c.retry
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		metrics.RecordUpstreamFetch("retry")
		c.log.Warn("generator failed, retrying",
			zap.Uint64("version", v),
			zap.String("key", digest),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		c.publish(events.Event{Type: events.EventRetrying, Version: v, Key: digest, Attempt: attempt + 1})
	}

	req := key.Request()
	files, err := retry.DoWithResult(c.ctx, cfg, func(attempt int) ([]models.SnapshotFile, error) {
		if !c.isCurrent(v) {
			return nil, ErrSuperseded
		}
		start := time.Now()
		files, err := c.gen.Generate(c.ctx, req)
		metrics.RecordUpstreamDuration(time.Since(start))
		return files, err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrSuperseded), c.ctx.Err() != nil:
		case retry.IsRetryable(err):
			metrics.RecordUpstreamFetch("unavailable")
		default:
			metrics.RecordUpstreamFetch("rejected")
		}
		return nil, err
	}
	metrics.RecordUpstreamFetch("success")

	s := &models.Snapshot{Key: digest, Files: files, GeneratedAt: c.now()}
	c.snapshots.Add(s)
	return s, nil
}

func (c *Coordinator) isCurrent(v uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && v == c.version
}

// apply installs the outcome of version v unless a newer input exists.
func (c *Coordinator) apply(v uint64, current, baseline *models.Snapshot, err error, took time.Duration) {
	c.mu.Lock()
	if c.closed || v != c.version {
		c.mu.Unlock()
		metrics.RecordStaleResult()
		c.log.Debug("discarding stale preview result", zap.Uint64("version", v))
		return
	}

	var ev events.Event
	var built time.Duration
	if err != nil {
		c.state.Phase = PhaseFailed
		c.state.Err = describe(err)
		ev = events.Event{
			Type:    events.EventFailed,
			Version: v,
			Key:     c.digest,
			Code:    c.state.Err.Code,
			Message: c.state.Err.Message,
		}
	} else {
		buildStart := time.Now()
		nodes := tree.Build(current.Files)
		var baseNodes []*models.TreeNode
		switch {
		case baseline == current:
			baseNodes = nodes
		case baseline != nil:
			baseNodes = tree.Build(baseline.Files)
		}
		changes := diff.Compute(baseline, current)
		built = time.Since(buildStart)
		c.state = State{
			Phase:          PhaseSettled,
			Version:        v,
			Key:            c.digest,
			AppliedVersion: v,
			AppliedKey:     c.digest,
			Snapshot:       current,
			Baseline:       baseline,
			Tree:           nodes,
			BaselineTree:   baseNodes,
			Diff:           changes,
		}
		ev = events.Event{Type: events.EventSettled, Version: v, Key: c.digest, FileCount: len(current.Files)}
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error("preview failed",
			zap.Uint64("version", v),
			zap.String("code", ev.Code),
			zap.Error(err))
	} else {
		metrics.RecordPreviewBuild(built)
		c.log.Debug("preview settled",
			zap.Uint64("version", v),
			zap.Int("files", ev.FileCount),
			zap.Duration("build", built),
			zap.Duration("took", took))
	}
	c.publish(ev)
}

// State returns a copy of the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelectFile returns the file at path in the displayed snapshot, or the
// baseline file when path was removed. theme may be empty.
func (c *Coordinator) SelectFile(path, theme string) (*FileView, error) {
	st := c.State()
	if st.Snapshot == nil {
		return nil, ErrNoPreview
	}

	view := &FileView{Path: tree.NormalizePath(path)}
	if n := tree.FindByPath(st.Tree, view.Path); n != nil && !n.IsDir() {
		view.File = n.File
	}
	if st.Baseline != nil {
		if n := tree.FindByPath(st.BaselineTree, view.Path); n != nil && !n.IsDir() {
			view.BaselineHash = n.File.Hash
			if view.File == nil {
				view.File = n.File
			}
		}
	}
	if view.File == nil {
		return nil, ErrFileNotFound
	}
	if status, ok := st.Diff.Status(view.Path); ok {
		view.Status = status
	}

	view.Lines = c.hl.Lines(view.File)
	tokens, err := c.hl.Tokens(view.File, theme, "")
	if err != nil {
		c.log.Warn("highlighting failed", zap.String("path", view.Path), zap.Error(err))
	}
	view.Tokens = tokens
	return view, nil
}

// Close stops pending timers and drops results that arrive afterwards.
// It waits for in-flight fetches to observe the cancellation.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) publish(ev events.Event) {
	if c.pub != nil {
		c.pub.Publish(ev)
	}
}
