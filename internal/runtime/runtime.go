// Package runtime defines the capability surface the engine expects from a
// model runtime: weights loading, tokenization, batched decode and sampling
// inputs. Implementations wrap a real backend; toyrt provides a pure-Go one
// for tests and development.
package runtime

// ModelParams configures model loading.
type ModelParams struct {
	// Threads is the number of CPU threads the runtime may use for decode.
	Threads int
	// Progress, when non-nil, receives load progress values in [0,1].
	// It may be called from the loading goroutine at any granularity the
	// runtime chooses; the final call before LoadModel returns is 1.0.
	Progress func(float32)
}

// ContextParams configures decode-context creation.
type ContextParams struct {
	// MaxContext is the context window in tokens.
	MaxContext int
}

// Runtime produces loaded models from weight files.
type Runtime interface {
	LoadModel(path string, params ModelParams) (Model, error)
}

// Model is a loaded set of weights plus its vocabulary.
type Model interface {
	// NewContext creates a decode context (key/value cache plus position
	// counter) bound to this model.
	NewContext(params ContextParams) (Context, error)

	// Tokenize encodes text into token ids.
	Tokenize(text string) ([]int, error)

	// TokenText converts a token id to its text fragment. Unknown ids
	// yield an empty string.
	TokenText(id int) string

	// IsEOS reports whether id is an end-of-sequence token.
	IsEOS(id int) bool

	VocabSize() int

	// Free releases the model. The model must not be used afterwards.
	Free()
}

// Context holds per-session decode state: the cache and the position counter.
type Context interface {
	// Decode submits one batch. On success, logits for every entry marked
	// WantLogits are available via Logits (last marked entry wins).
	Decode(b *Batch) error

	// Logits returns the logits produced by the most recent Decode call.
	// The slice is owned by the context and valid until the next Decode.
	Logits() []float32

	// Clear discards cached state and resets the position counter to zero.
	// The context remains usable.
	Clear()

	// Free releases the context. The context must not be used afterwards.
	Free()
}
