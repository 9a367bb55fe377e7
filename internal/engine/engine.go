// Package engine drives token-by-token text generation over a model
// runtime. An Engine owns one loaded model and its decode context, runs one
// request at a time under a single mutex, streams fragments in order, stops
// on configured stop sequences and supports cooperative mid-generation
// cancellation.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/emberml/kiln/internal/logger"
	"github.com/emberml/kiln/internal/runtime"
	"github.com/emberml/kiln/internal/sampling"
)

const defaultMaxContext = 2048

// Engine is an instantiable inference engine. All exclusive operations
// (Load, Generate, GenerateStream, Unload) serialize on one mutex; state
// reads are lock-free atomics and always race-free relative to them.
type Engine struct {
	mu sync.Mutex

	rt         runtime.Runtime
	log        logger.Logger
	maxContext int

	session *session

	state      atomic.Int32
	generating atomic.Bool
	cancelled  atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMaxContext sets the decode-context window in tokens.
func WithMaxContext(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxContext = n
		}
	}
}

// New creates an engine over the given runtime. The engine starts unloaded.
func New(rt runtime.Runtime, opts ...Option) *Engine {
	e := &Engine{
		rt:         rt,
		log:        logger.Default(),
		maxContext: defaultMaxContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "engine")
	e.session = newSession(rt, e.maxContext, e.log)
	return e
}

// Load loads a model from path. Valid only while unloaded or errored; a
// call racing any in-flight exclusive operation is rejected immediately
// with ErrBusy rather than queued. On failure the engine moves to the
// error state and holds no model.
func (e *Engine) Load(path string, threads int) error {
	if !e.mu.TryLock() {
		return ErrBusy
	}
	defer e.mu.Unlock()

	switch e.State() {
	case StateUnloaded, StateError:
	default:
		return invalidState("load", e.State())
	}

	e.setState(StateLoading)
	if err := e.session.load(path, threads); err != nil {
		e.session.unload()
		e.setState(StateError)
		e.log.Error("model load failed", "path", path, "error", err)
		return err
	}
	e.setState(StateReady)
	return nil
}

// Generate runs one blocking generation and returns the final text. The
// returned text never ends with a configured stop string. An incremental
// decode failure returns the partial text alongside a DecodeError.
func (e *Engine) Generate(ctx context.Context, req Request) (string, error) {
	return e.GenerateStream(ctx, req, nil)
}

// GenerateStream is Generate with synchronous per-fragment delivery to
// stream. The call blocks until generation finishes; stream runs on the
// calling goroutine for every fragment, and the concatenation of fragments
// equals the returned text.
func (e *Engine) GenerateStream(ctx context.Context, req Request, stream StreamFunc) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != StateReady {
		if !e.session.loaded() {
			return "", ErrNotLoaded
		}
		return "", invalidState("generate", e.State())
	}

	req = req.withDefaults()
	e.cancelled.Store(false)
	e.generating.Store(true)
	e.setState(StateGenerating)
	defer func() {
		e.generating.Store(false)
		e.setState(StateReady)
	}()

	gen := &generator{
		model: e.session.model,
		dctx:  e.session.ctx,
		sampler: sampling.New(sampling.Config{
			Seed:          req.Seed,
			Temperature:   req.Temperature,
			TopK:          req.TopK,
			TopP:          req.TopP,
			MinP:          req.MinP,
			RepeatPenalty: req.RepeatPenalty,
			RepeatLastN:   req.RepeatLastN,
		}),
		matcher: newStopMatcher(req.Stop),
		cancel:  &e.cancelled,
		log:     e.log,
	}

	text, err := gen.run(ctx, req, stream)
	if err != nil {
		e.log.Warn("generation ended with error", "error", err, "chars", len(text))
	}
	return text, err
}

// Cancel requests cooperative cancellation of the in-flight generation.
// It takes effect at the top of the next decode iteration. Outside of an
// active generation it is a no-op and never pre-cancels a future call.
func (e *Engine) Cancel() {
	if e.generating.Load() {
		e.cancelled.Store(true)
		e.log.Info("generation cancel requested")
	}
}

// Unload releases the decode context and model. Valid from every state,
// idempotent, always ends unloaded. It waits for an in-flight generation
// to finish; call Cancel first to shorten the wait.
func (e *Engine) Unload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.unload()
	e.cancelled.Store(false)
	e.setState(StateUnloaded)
	e.log.Info("model unloaded")
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Loaded reports whether a model and decode context are resident.
func (e *Engine) Loaded() bool {
	s := e.State()
	return s == StateReady || s == StateGenerating
}

// Generating reports whether a generation is in flight.
func (e *Engine) Generating() bool {
	return e.generating.Load()
}

// LoadProgress returns load progress in [0,1]. It is polled, not pushed;
// the runtime's reports are best-effort monotonic.
func (e *Engine) LoadProgress() float32 {
	return e.session.loadProgress()
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}
