// Package api exposes the inference engine over HTTP: model lifecycle,
// status, and blocking or SSE-streamed generation.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/emberml/kiln/internal/engine"
	"github.com/emberml/kiln/internal/logger"
)

const defaultMaxTokens = 256

// Server routes HTTP requests to one engine instance. Generation requests
// serialize on the engine's own mutex; the limiter sheds load before a
// request ever blocks there.
type Server struct {
	eng     *engine.Engine
	log     logger.Logger
	limiter *rate.Limiter
	clock   func() time.Time
}

type ServerOption func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log logger.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithRateLimit bounds generate requests to r per second with the given
// burst.
func WithRateLimit(r float64, burst int) ServerOption {
	return func(s *Server) { s.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

func NewServer(eng *engine.Engine, opts ...ServerOption) *Server {
	s := &Server{
		eng:     eng,
		log:     logger.Default(),
		limiter: rate.NewLimiter(rate.Inf, 0),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "api")
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/load", s.handleLoad)
	e.POST("/v1/unload", s.handleUnload)
	e.GET("/v1/status", s.handleStatus)
	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/cancel", s.handleCancel)
}

func (s *Server) handleLoad(c *echo.Context) error {
	req, err := decodeJSON[LoadRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Path == "" {
		return writeBadRequest(c, "path is required")
	}

	if err := s.eng.Load(req.Path, req.Threads); err != nil {
		switch {
		case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrInvalidState):
			return writeConflict(c, err.Error())
		default:
			return writeError(c, http.StatusBadRequest, "load_error", err.Error(), "")
		}
	}
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleUnload(c *echo.Context) error {
	s.eng.Unload()
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleCancel(c *echo.Context) error {
	s.eng.Cancel()
	return c.JSON(http.StatusAccepted, s.status())
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := validateGenerate(req); err != nil {
		return writeBadRequest(c, err.Error())
	}
	if !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limited", "generation rate limit exceeded", "")
	}

	genReq := toEngineRequest(req)
	id := "gen-" + uuid.NewString()
	created := s.clock().Unix()

	if req.Stream {
		return s.generateStream(c, genReq, id, created)
	}

	text, err := s.eng.Generate(c.Request().Context(), genReq)
	finish := "stop"
	if err != nil {
		var de *engine.DecodeError
		switch {
		case errors.Is(err, engine.ErrNotLoaded), errors.Is(err, engine.ErrInvalidState):
			return writeConflict(c, err.Error())
		case errors.As(err, &de):
			// Partial result, graceful degradation.
			finish = "error"
		default:
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
		}
	}

	return c.JSON(http.StatusOK, GenerateResponse{
		ID:           id,
		Object:       "generation",
		Created:      created,
		Text:         text,
		FinishReason: finish,
	})
}

func (s *Server) generateStream(c *echo.Context, genReq engine.Request, id string, created int64) error {
	sse, err := NewSSEWriter(c)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}

	text, genErr := s.eng.GenerateStream(c.Request().Context(), genReq, func(fragment string) {
		_ = sse.Send(StreamChunk{
			ID:      id,
			Object:  "generation.chunk",
			Created: created,
			Delta:   fragment,
		})
	})

	final := StreamChunk{
		ID:           id,
		Object:       "generation.chunk",
		Created:      created,
		Text:         text,
		FinishReason: "stop",
	}
	if genErr != nil {
		var de *engine.DecodeError
		if errors.As(genErr, &de) {
			final.FinishReason = "error"
		} else {
			final.FinishReason = "failed"
		}
		final.Error = genErr.Error()
		s.log.Warn("streaming generation failed", "id", id, "error", genErr)
	}
	if err := sse.Send(final); err != nil {
		return err
	}
	return sse.Done()
}

func (s *Server) status() StatusResponse {
	return StatusResponse{
		State:        s.eng.State().String(),
		Loaded:       s.eng.Loaded(),
		Generating:   s.eng.Generating(),
		LoadProgress: s.eng.LoadProgress(),
	}
}

func validateGenerate(req GenerateRequest) error {
	if req.Prompt == "" {
		return newInvalidRequest("prompt is required")
	}
	if req.MaxTokens < 0 {
		return newInvalidRequest("max_tokens must be non-negative")
	}
	if req.Temperature != nil && *req.Temperature < 0 {
		return newInvalidRequest("temperature must be non-negative")
	}
	if req.TopP != nil && (*req.TopP <= 0 || *req.TopP > 1) {
		return newInvalidRequest("top_p must be in (0, 1]")
	}
	return nil
}

func toEngineRequest(req GenerateRequest) engine.Request {
	out := engine.Request{
		Prompt:      req.Prompt,
		MaxTokens:   defaultMaxTokens,
		Temperature: 0.8,
		Stop:        req.Stop,
		Seed:        -1,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if req.Seed != nil {
		out.Seed = *req.Seed
	}
	return out
}
