package engine

import (
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"github.com/emberml/kiln/internal/logger"
	"github.com/emberml/kiln/internal/runtime"
)

// session owns the loaded model and its decode context. The pair is
// constructed together and released together; a half-built pair is never
// left behind.
type session struct {
	rt         runtime.Runtime
	log        logger.Logger
	maxContext int

	model runtime.Model
	ctx   runtime.Context

	// progress holds float32 bits of the current load progress.
	progress atomic.Uint32
}

func newSession(rt runtime.Runtime, maxContext int, log logger.Logger) *session {
	return &session{rt: rt, log: log, maxContext: maxContext}
}

func (s *session) load(path string, threads int) error {
	if s.model != nil {
		s.unload()
	}
	s.setProgress(0)

	if st, err := os.Stat(path); err != nil {
		return &LoadError{Path: path, Err: err}
	} else if st.IsDir() {
		return &LoadError{Path: path, Err: fmt.Errorf("is a directory")}
	}

	s.log.Info("loading model", "path", path, "threads", threads)
	model, err := s.rt.LoadModel(path, runtime.ModelParams{
		Threads:  threads,
		Progress: s.setProgress,
	})
	if err != nil {
		return &LoadError{Path: path, Err: err}
	}
	if model == nil {
		return &LoadError{Path: path, Err: fmt.Errorf("runtime returned no model")}
	}

	ctx, err := model.NewContext(runtime.ContextParams{MaxContext: s.maxContext})
	if err != nil {
		model.Free()
		return &LoadError{Path: path, Err: fmt.Errorf("create context: %w", err)}
	}

	s.model = model
	s.ctx = ctx
	s.setProgress(1)
	s.log.Info("model loaded", "path", path, "vocab", model.VocabSize())
	return nil
}

// unload releases the context then the model. Safe to call when nothing is
// loaded.
func (s *session) unload() {
	if s.ctx != nil {
		s.ctx.Free()
		s.ctx = nil
	}
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	s.setProgress(0)
}

func (s *session) loaded() bool {
	return s.model != nil && s.ctx != nil
}

func (s *session) setProgress(p float32) {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	s.progress.Store(math.Float32bits(p))
}

func (s *session) loadProgress() float32 {
	return math.Float32frombits(s.progress.Load())
}
