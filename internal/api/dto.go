package api

// LoadRequest asks the server to load a model from a weights file.
type LoadRequest struct {
	Path    string `json:"path"`
	Threads int    `json:"threads,omitempty"`
}

// GenerateRequest drives one generation call.
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// GenerateResponse is the non-streaming result.
type GenerateResponse struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Created      int64  `json:"created"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// StreamChunk is one SSE event of a streaming generation.
type StreamChunk struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Created      int64  `json:"created"`
	Delta        string `json:"delta,omitempty"`
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// StatusResponse reports engine state.
type StatusResponse struct {
	State        string  `json:"state"`
	Loaded       bool    `json:"loaded"`
	Generating   bool    `json:"generating"`
	LoadProgress float32 `json:"load_progress"`
}

// ErrorDetail is the error body shared by all endpoints.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
