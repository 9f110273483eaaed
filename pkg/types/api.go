package types

// Model represents a discoverable GGUF model file on disk.
type Model struct {
	// Stable identifier for the model (the file name).
	// example: tinyllama-q4.gguf
	ID string `json:"id" example:"tinyllama-q4.gguf"`
	// Human-friendly name.
	// example: tinyllama-q4.gguf
	Name string `json:"name" example:"tinyllama-q4.gguf"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/tinyllama-q4.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama-q4.gguf"`
	// File size in bytes.
	// example: 668788096
	SizeBytes int64 `json:"size_bytes" example:"668788096"`
}

// LoadRequest is the optional payload for POST /models/{id}/load.
type LoadRequest struct {
	// Context length for the loaded model. Defaults to the server setting
	// (2048) when omitted or zero.
	// example: 4096
	ContextSize int `json:"context_size,omitempty" example:"4096"`
}

// ModelInfo reports metadata for a loaded model.
type ModelInfo struct {
	// example: tinyllama-q4.gguf
	ID string `json:"id" example:"tinyllama-q4.gguf"`
	// Whether the handle currently holds weights.
	// example: true
	Loaded bool `json:"loaded" example:"true"`
	// Vocabulary size; 0 when not loaded.
	// example: 32000
	VocabSize int `json:"vocab_size" example:"32000"`
	// Context length; 0 when not loaded.
	// example: 2048
	ContextSize int `json:"context_size" example:"2048"`
	// Embedding dimension; 0 when not loaded.
	// example: 2048
	EmbeddingSize int `json:"embedding_size" example:"2048"`
	// Transformer layer count; 0 when not loaded.
	// example: 22
	LayerCount int `json:"layer_count" example:"22"`
	// Weight bytes held by the handle; 0 when not loaded.
	// example: 668788096
	MemoryBytes int64 `json:"memory_bytes" example:"668788096"`
}

// GenerateRequest is the payload for POST /generate.
type GenerateRequest struct {
	// Model identifier. If empty, the server default is used.
	// example: tinyllama-q4.gguf
	Model string `json:"model,omitempty" example:"tinyllama-q4.gguf"`
	// Prompt text to complete.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Stream results as NDJSON token lines when true; buffer otherwise.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature; 0 selects deterministic argmax.
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability mass.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Random seed for reproducibility; 0 lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
}

// TokenLine is one streamed NDJSON line carrying a generated token.
type TokenLine struct {
	// example: blue
	Token string `json:"token" example:"blue"`
}

// FinalLine is the terminal NDJSON line of a generation stream.
type FinalLine struct {
	// Always true on the final line.
	Done bool `json:"done" example:"true"`
	// Full generated text.
	Content string `json:"content"`
	// Why generation ended: stop | length | cache_full | cancelled | error.
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
	// Token accounting for the request.
	Usage Usage `json:"usage"`
	// Error code when finish_reason is "error".
	Error string `json:"error,omitempty"`
}

// Usage contains token accounting.
type Usage struct {
	// example: 5
	PromptTokens int `json:"prompt_tokens" example:"5"`
	// example: 42
	CompletionTokens int `json:"completion_tokens" example:"42"`
	// example: 47
	TotalTokens int `json:"total_tokens" example:"47"`
}

// TokenizeRequest is the payload for POST /tokenize.
type TokenizeRequest struct {
	// example: tinyllama-q4.gguf
	Model string `json:"model,omitempty" example:"tinyllama-q4.gguf"`
	// example: hello world
	Text string `json:"text" example:"hello world"`
}

// TokenizeResponse returns token ids for the input text.
type TokenizeResponse struct {
	Tokens []int `json:"tokens"`
	// example: 2
	Count int `json:"count" example:"2"`
}

// DetokenizeRequest is the payload for POST /detokenize.
type DetokenizeRequest struct {
	// example: tinyllama-q4.gguf
	Model  string `json:"model,omitempty" example:"tinyllama-q4.gguf"`
	Tokens []int  `json:"tokens"`
}

// DetokenizeResponse returns the text for the input token ids.
type DetokenizeResponse struct {
	// example: hello world
	Text string `json:"text" example:"hello world"`
}

// SessionStatus summarizes one generation session for GET /sessions.
type SessionStatus struct {
	// example: 0c9c8b8e-7a4e-4f3b-9a1e-2f6d1c1c9b11
	ID string `json:"id" example:"0c9c8b8e-7a4e-4f3b-9a1e-2f6d1c1c9b11"`
	// Model id the session decodes against.
	// example: tinyllama-q4.gguf
	Model string `json:"model" example:"tinyllama-q4.gguf"`
	// Lifecycle state: created | tokenizing | decoding | completed |
	// cancelled | failed.
	// example: decoding
	State string `json:"state" example:"decoding"`
	// Tokens emitted so far.
	// example: 17
	OutputTokens int `json:"output_tokens" example:"17"`
	// KV cache fill length (positions used).
	// example: 22
	CacheLength int `json:"cache_length" example:"22"`
	// KV cache allocation in bytes; 0 after release.
	// example: 1342177280
	CacheBytes int64 `json:"cache_bytes" example:"1342177280"`
	// Tokens dropped at the stream boundary due to a slow consumer.
	// example: 0
	DroppedTokens int64 `json:"dropped_tokens" example:"0"`
	// Last time the session made progress (unix seconds).
	// example: 1700000000
	LastActive int64 `json:"last_active_unix" example:"1700000000"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Active and unreclaimed sessions.
	Sessions []SessionStatus `json:"sessions"`
	// KV cache byte budget across all sessions (0 = unlimited).
	// example: 2147483648
	BudgetBytes int64 `json:"budget_bytes" example:"2147483648"`
	// Bytes currently committed to KV caches.
	// example: 1342177280
	UsedBytes int64 `json:"used_bytes" example:"1342177280"`
	// Total caches evicted to fit the budget.
	// example: 3
	EvictionsTotal uint64 `json:"evictions_total" example:"3"`
	// Total sessions created since start.
	// example: 12
	SessionsTotal uint64 `json:"sessions_total" example:"12"`
	// Uptime in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Loaded model handles.
	Models []ModelInfo `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// Stable error code from the taxonomy, when applicable.
	// example: out_of_memory
	Kind string `json:"kind,omitempty" example:"out_of_memory"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
