package engine

// StreamFunc receives generated text fragments in order, synchronously with
// the decode loop. It must not block; expensive work stalls generation.
type StreamFunc func(fragment string)

// Request describes one generation call. It is immutable for the duration
// of the call.
type Request struct {
	Prompt    string
	MaxTokens int

	Temperature float32
	TopP        float32

	// Stop lists stop strings in priority order. When two stop strings
	// match at the same offset the earlier entry wins.
	Stop []string

	// Seed controls the sampler's random draw. Negative selects an
	// entropy-derived seed.
	Seed int64

	// Extended sampling controls. Zero values select engine defaults.
	TopK          int
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// withDefaults fills unset sampling fields the way the CLI and server do.
func (r Request) withDefaults() Request {
	if r.TopP <= 0 || r.TopP > 1 {
		r.TopP = 0.95
	}
	if r.TopK <= 0 {
		r.TopK = 40
	}
	if r.RepeatPenalty <= 0 {
		r.RepeatPenalty = 1.0
	}
	if r.RepeatLastN <= 0 {
		r.RepeatLastN = 64
	}
	return r
}
