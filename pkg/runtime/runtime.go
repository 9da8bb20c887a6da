// Package runtime implements the scheduler/supervisor that owns the module
// registry and the stream executor cache, and contains traps to the
// category that raised them.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/thalo-rs/thalo/internal/log"
	"github.com/thalo-rs/thalo/internal/metrics"
	"github.com/thalo-rs/thalo/pkg/component"
	"github.com/thalo-rs/thalo/pkg/errs"
	"github.com/thalo-rs/thalo/pkg/event"
	"github.com/thalo-rs/thalo/pkg/eventstore"
	"github.com/thalo-rs/thalo/pkg/executor"
	"github.com/thalo-rs/thalo/pkg/streamname"
)

// unversionedModule is the version new/saved modules register under when
// the caller (save_module / publish) names no explicit version. It matches
// component.ModuleCache's own default for "<name>.wasm" files with no
// "_v<semver>" suffix, so a published binary is always the module a plain
// "<name>.wasm" load at startup would have produced.
var unversionedModule = semver.MustParse("0.0.0")

// Config holds the Runtime's tunables; the zero value is replaced with
// DefaultConfig's values by New.
type Config struct {
	// CommandTimeout bounds how long Execute waits for a reply.
	CommandTimeout time.Duration
	// ExecutorCacheSize bounds the number of cached stream executors.
	ExecutorCacheSize int
	// ModulesDir is the filesystem directory modules are loaded from and
	// published to.
	ModulesDir string
}

// DefaultConfig returns the specified defaults: a 5s command timeout, a
// 10,000-entry executor cache, and a "./modules" directory.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:    5 * time.Second,
		ExecutorCacheSize: 10000,
		ModulesDir:        "./modules",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.ExecutorCacheSize <= 0 {
		c.ExecutorCacheSize = d.ExecutorCacheSize
	}
	if c.ModulesDir == "" {
		c.ModulesDir = d.ModulesDir
	}
	return c
}

// Published is invoked with every batch of events committed by any
// executor, so the caller (typically the projection gateway) can fan them
// out to subscriptions.
type Published func(records []event.Record)

// pauseState is the trap-containment notifier for one category: it tracks
// whether the category is currently quiesced, independent of which module
// version is actually serving it (that resolution happens against the
// ModuleCache on every getOrCreateExecutor call).
type pauseState struct {
	mu     sync.RWMutex
	paused bool
	resume chan struct{} // closed and replaced whenever paused transitions to false
}

func newPauseState() *pauseState {
	return &pauseState{resume: make(chan struct{})}
}

// wait blocks until the category is not paused.
func (p *pauseState) wait(ctx context.Context) error {
	for {
		p.mu.RLock()
		paused := p.paused
		resume := p.resume
		p.mu.RUnlock()
		if !paused {
			return nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *pauseState) pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *pauseState) resumeAndWake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	close(p.resume)
	p.resume = make(chan struct{})
}

// Runtime is the scheduler + supervisor: it holds the module registry (a
// ModuleCache resolving name@version and "latest"), the LRU of live stream
// executors, and performs trap containment.
type Runtime struct {
	cfg   Config
	store eventstore.Store

	modules *component.ModuleCache

	pauseMu sync.RWMutex
	pause   map[string]*pauseState // category -> pause state

	executors *lru.Cache[string, *executor.Executor]
	execMu    sync.Mutex // guards get-or-create races and category invalidation

	published Published
}

// New constructs a Runtime backed by store, loading registered modules via
// loader (production code passes component.NewWazeroModule-backed loading;
// tests pass a fake). The module registry is a component.ModuleCache, so
// "<name>_v<semver>.wasm" files loaded via LoadModulesDir and save_module
// calls both resolve through the same name@version / "latest" rules.
func New(store eventstore.Store, loader component.Loader, cfg Config, published Published) (*Runtime, error) {
	cfg = cfg.withDefaults()

	execCache, err := lru.NewWithEvict[string, *executor.Executor](cfg.ExecutorCacheSize, func(streamName string, ex *executor.Executor) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ex.Close(ctx); err != nil {
			log.WithComponent("runtime").Warn().Str("stream_name", streamName).Err(err).Msg("evicted executor close failed")
		}
		metrics.ExecutorsActive.Dec()
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: new executor cache: %w", err)
	}

	return &Runtime{
		cfg:       cfg,
		store:     store,
		modules:   component.NewModuleCache(loader),
		pause:     make(map[string]*pauseState),
		executors: execCache,
		published: published,
	}, nil
}

// LoadModulesDir walks cfg.ModulesDir via the ModuleCache, compiling every
// "<name>.wasm" or "<name>_v<semver>.wasm" file (ignoring dotfiles and
// non-.wasm entries) and registering it under its parsed name and version,
// so that multiple versions of the same module can coexist and "latest"
// resolves to the semver-max one.
func (r *Runtime) LoadModulesDir(ctx context.Context) error {
	if err := r.modules.LoadDir(ctx, r.cfg.ModulesDir); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	for _, name := range r.modules.Names() {
		r.ensurePauseState(name.String())
	}
	return nil
}

func (r *Runtime) ensurePauseState(category string) *pauseState {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()
	p, ok := r.pause[category]
	if !ok {
		p = newPauseState()
		r.pause[category] = p
	}
	return p
}

func (r *Runtime) registerModule(ctx context.Context, category string, binary []byte) error {
	moduleName, err := component.NewModuleName(category)
	if err != nil {
		return errs.Validation("runtime: %v", err)
	}
	if _, err := r.modules.Register(ctx, component.ModuleID{Name: moduleName, Version: unversionedModule}, binary); err != nil {
		return err
	}
	r.ensurePauseState(category)
	return nil
}

// SaveModule writes binary to the modules directory, registers it in the
// module cache under the unversioned slot, and invalidates every executor
// whose category matches name. Publish carries no explicit version, so a
// republished binary always becomes (or stays) the "0.0.0" entry for name;
// it is "latest" unless a higher-versioned "<name>_v<semver>.wasm" file was
// also loaded for the same name.
func (r *Runtime) SaveModule(ctx context.Context, category string, binary []byte) error {
	if err := os.MkdirAll(r.cfg.ModulesDir, 0o755); err != nil {
		return fmt.Errorf("runtime: create modules dir: %w", err)
	}
	path := filepath.Join(r.cfg.ModulesDir, category+".wasm")
	if err := os.WriteFile(path, binary, 0o644); err != nil {
		return fmt.Errorf("runtime: write module %q: %w", category, err)
	}

	if err := r.registerModule(ctx, category, binary); err != nil {
		return err
	}
	r.invalidateCategory(ctx, category)
	return nil
}

// getPauseState returns the category's pause notifier, or a not-found error
// if the category has never had a module registered.
func (r *Runtime) getPauseState(category string) (*pauseState, error) {
	r.pauseMu.RLock()
	defer r.pauseMu.RUnlock()
	p, ok := r.pause[category]
	if !ok {
		return nil, errs.Validation("runtime: aggregate %q does not exist or is not running", category)
	}
	return p, nil
}

// Execute constructs the stream name, obtains or creates the executor, and
// forwards the command with the configured timeout. Emits CommandsTotal
// (labelled by outcome) and CommandDuration for every call.
func (r *Runtime) Execute(ctx context.Context, category, id, command string, payload []byte, maxAttempts int) ([]event.Record, error) {
	start := time.Now()
	events, err := r.execute(ctx, category, id, command, payload, maxAttempts)

	metrics.CommandDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())
	metrics.CommandsTotal.WithLabelValues(category, outcomeLabel(err)).Inc()
	return events, err
}

func (r *Runtime) execute(ctx context.Context, category, id, command string, payload []byte, maxAttempts int) ([]event.Record, error) {
	name, err := streamname.Build(category, id)
	if err != nil {
		return nil, errs.Validation("runtime: %v", err)
	}

	ex, err := r.getOrCreateExecutor(ctx, name)
	if err != nil {
		return nil, r.handleTrap(ctx, category, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	reply := make(chan executor.ExecuteReply, 1)
	if err := ex.Send(timeoutCtx, executor.Execute{Command: command, Payload: payload, MaxAttempts: maxAttempts, Reply: reply}); err != nil {
		return nil, err
	}

	select {
	case out := <-reply:
		return out.Events, r.handleTrap(ctx, category, out.Err)
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("runtime: %w", timeoutCtx.Err())
	}
}

// outcomeLabel maps an Execute error to a CommandsTotal outcome label.
// Timeout is not an errs.Kind (it wraps context.DeadlineExceeded), so it is
// special-cased ahead of the errs.KindOf fallback.
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return errs.KindOf(err).String()
}

func (r *Runtime) getOrCreateExecutor(ctx context.Context, name streamname.Name) (*executor.Executor, error) {
	if ex, ok := r.executors.Get(name.String()); ok {
		return ex, nil
	}

	category := name.Category()
	pause, err := r.getPauseState(category)
	if err != nil {
		return nil, err
	}
	if err := pause.wait(ctx); err != nil {
		return nil, err
	}

	moduleName, err := component.NewModuleName(category)
	if err != nil {
		return nil, errs.Validation("runtime: %v", err)
	}
	mod, ok := r.modules.GetLatest(moduleName)
	if !ok {
		return nil, errs.Validation("runtime: aggregate %q does not exist or is not running", category)
	}

	// get-or-try-insert: at most one executor is instantiated per stream
	// name, even under concurrent callers racing to create it.
	r.execMu.Lock()
	defer r.execMu.Unlock()
	if ex, ok := r.executors.Get(name.String()); ok {
		return ex, nil
	}

	// The executor outlives this call (it stays cached for later commands
	// and may finish a command after its caller timed out), so it must not
	// stop when the creating caller's context is cancelled.
	ex, err := executor.Spawn(context.WithoutCancel(ctx), r.store, mod, name, func(records []event.Record) {
		if r.published != nil {
			r.published(records)
		}
	})
	if err != nil {
		return nil, err
	}
	r.executors.Add(name.String(), ex)
	metrics.ExecutorsActive.Inc()
	return ex, nil
}

// handleTrap implements trap containment: (a) pause the category, (b)
// invalidate every cached executor under it, (c) resume and wake waiters.
// The compiled module itself is not reinitialised: it stays in the cache
// and executors created after the resume get fresh instances from it.
// Unaffected categories are never blocked.
func (r *Runtime) handleTrap(ctx context.Context, category string, err error) error {
	if errs.Is(err, errs.KindTrap) {
		r.quiesceAndReinit(category)
	}
	return err
}

func (r *Runtime) quiesceAndReinit(category string) {
	pause, err := r.getPauseState(category)
	if err != nil {
		return
	}

	pause.pause()
	metrics.ModuleTraps.WithLabelValues(category).Inc()
	log.WithComponent("runtime").Error().Str("category", category).Msg("module trapped, quiescing category")

	go func() {
		ctx := context.Background()
		r.invalidateCategory(ctx, category)

		// Re-init is a no-op for most hosts (the compiled module stays
		// valid in the cache; only per-entity instances trapped). Clearing
		// the pause flag wakes waiters, who re-resolve "latest" themselves.
		pause.resumeAndWake()
		log.WithComponent("runtime").Info().Str("category", category).Msg("category resumed after reinit")
	}()
}

// invalidateCategory evicts every cached executor whose category matches,
// draining (closing) each one first.
func (r *Runtime) invalidateCategory(ctx context.Context, category string) {
	r.execMu.Lock()
	var toEvict []string
	for _, key := range r.executors.Keys() {
		n, err := streamname.New(key)
		if err != nil {
			continue
		}
		if n.Category() == category {
			toEvict = append(toEvict, key)
		}
	}
	r.execMu.Unlock()

	for _, key := range toEvict {
		r.executors.Remove(key) // triggers the eviction callback's Close
	}
}

// Close shuts down every cached executor.
func (r *Runtime) Close(ctx context.Context) error {
	for _, key := range r.executors.Keys() {
		r.executors.Remove(key)
	}
	return nil
}
