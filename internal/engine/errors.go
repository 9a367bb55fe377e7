package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLoaded is returned when generation is requested with no model.
	ErrNotLoaded = errors.New("no model loaded")
	// ErrBusy is returned when an exclusive operation is already in flight.
	ErrBusy = errors.New("engine busy")
	// ErrInvalidState is the base error for state-machine precondition
	// violations.
	ErrInvalidState = errors.New("invalid engine state")
)

// LoadError reports a failure to load a model from a weights file.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// TokenizeError reports a failure to encode the prompt.
type TokenizeError struct {
	Err error
}

func (e *TokenizeError) Error() string {
	return fmt.Sprintf("tokenize prompt: %v", e.Err)
}

func (e *TokenizeError) Unwrap() error { return e.Err }

// DecodeError reports a failed decode call. Prefill failures abort the
// request with an empty result; incremental failures terminate generation
// with whatever text was accumulated.
type DecodeError struct {
	// Pos is the position of the first token in the failed batch.
	Pos int
	// Prefill marks a prompt-evaluation failure.
	Prefill bool
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Prefill {
		return fmt.Sprintf("prefill decode at position %d: %v", e.Pos, e.Err)
	}
	return fmt.Sprintf("decode at position %d: %v", e.Pos, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ConsumerError reports a panic raised by the caller's streaming consumer.
// Generation aborts; accumulated text up to the failing fragment is
// returned alongside it.
type ConsumerError struct {
	Recovered any
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("stream consumer panicked: %v", e.Recovered)
}

func invalidState(op string, s State) error {
	return fmt.Errorf("%s while %s: %w", op, s, ErrInvalidState)
}
