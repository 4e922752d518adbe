package actions

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aescanero/dagci/pkg/domain"
	"github.com/aescanero/dagci/pkg/ports"
	"github.com/aescanero/dagci/pkg/workflow"
	"go.uber.org/zap"
)

// Call is one invocation of an action.
type Call struct {
	Ref    workflow.ActionRef
	Env    *ports.StepEnv
	Inputs map[string]string
}

// Input returns the named input or def when it is empty.
func (c *Call) Input(name, def string) string {
	if v := strings.TrimSpace(c.Inputs[name]); v != "" {
		return v
	}
	return def
}

// Logf writes a line to the step log.
func (c *Call) Logf(format string, args ...any) {
	if c.Env.Output == nil {
		return
	}
	fmt.Fprintf(c.Env.Output, format+"\n", args...)
}

// Handler implements an action. The returned PostAction, if any, runs after
// the job's last step.
type Handler func(ctx context.Context, call *Call) (ports.PostAction, error)

// Registry resolves `uses:` references to handlers and implements
// ports.ActionRunner. Handlers are keyed by lower-cased owner/repo; a key
// of the form "*/repo" matches any owner.
type Registry struct {
	handlers map[string]Handler
	commands ports.CommandRunner
	cache    ports.Cache
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	mu       sync.RWMutex

	// maxCacheBytes caps a saved cache archive; zero means no cap.
	maxCacheBytes int64
}

// NewRegistry creates a registry with the built-in actions registered.
// cache and metrics may be nil; cache actions then always miss.
func NewRegistry(commands ports.CommandRunner, cache ports.Cache, metrics ports.MetricsCollector, logger *zap.Logger) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		commands: commands,
		cache:    cache,
		metrics:  metrics,
		logger:   logger,
	}

	r.Register("actions/checkout", r.checkout)
	r.Register("*/rust-toolchain", r.rustToolchain)
	r.Register("*/rust-cache", r.rustCache)
	r.Register("actions/cache", r.genericCache)
	r.Register("embarkstudios/cargo-deny-action", r.cargoDeny)

	return r
}

// SetMaxCacheSize caps the compressed size of archives saved by cache
// actions. Larger archives are not saved. Zero removes the cap.
func (r *Registry) SetMaxCacheSize(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxCacheBytes = n
}

func (r *Registry) cacheLimit() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxCacheBytes
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(name)] = h
}

// Has reports whether uses resolves to a handler.
func (r *Registry) Has(uses string) bool {
	ref, err := workflow.ParseActionRef(uses)
	if err != nil {
		return false
	}
	return r.lookup(ref) != nil
}

func (r *Registry) lookup(ref workflow.ActionRef) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[ref.Name()]; ok {
		return h
	}
	if h, ok := r.handlers["*/"+strings.ToLower(ref.Repo)]; ok {
		return h
	}
	return nil
}

// RunAction runs the action referenced by uses.
func (r *Registry) RunAction(ctx context.Context, env *ports.StepEnv, uses string, inputs map[string]string) (ports.PostAction, error) {
	ref, err := workflow.ParseActionRef(uses)
	if err != nil {
		return nil, err
	}

	h := r.lookup(ref)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrActionNotFound, uses)
	}

	if env.Output == nil {
		env.Output = io.Discard
	}

	r.logger.Debug("running action",
		zap.String("run_id", env.RunID),
		zap.String("job", env.JobName),
		zap.String("action", ref.String()))

	return h(ctx, &Call{Ref: ref, Env: env, Inputs: inputs})
}

// sh runs a command in the call's working directory with sh.
func (r *Registry) sh(ctx context.Context, call *Call, command string) error {
	call.Logf("+ %s", command)
	if _, err := r.commands.RunCommand(ctx, call.Env, "sh", command); err != nil {
		return fmt.Errorf("%s: %w", call.Ref.Name(), err)
	}
	return nil
}

func (r *Registry) recordCacheLookup(hit bool) {
	if r.metrics != nil {
		r.metrics.RecordCacheLookup(hit)
	}
}

// quote single-quotes s for sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
