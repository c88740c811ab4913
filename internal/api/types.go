package api

import "github.com/samcharles93/spindle/internal/decode"

// Generation modes.
const (
	ModeAutoregressive = "autoregressive"
	ModeSpeculative    = "speculative"
	ModeMedusa         = "medusa"
)

type GenerateRequest struct {
	// Session continues an earlier conversation. Empty starts a new one.
	Session     string   `json:"session,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	Tokens      []int32  `json:"tokens,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	DraftLength *int     `json:"draft_length,omitempty"`
	TreeWidth   *int     `json:"tree_width,omitempty"`
	Stream      *bool    `json:"stream,omitempty"`
}

type GenerateResponse struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	CreatedAt int64          `json:"created_at"`
	Status    string         `json:"status"`
	Session   string         `json:"session"`
	Mode      string         `json:"mode"`
	Text      string         `json:"text"`
	Tokens    []int32        `json:"tokens"`
	Usage     *Usage         `json:"usage,omitempty"`
	Stats     any            `json:"stats,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type SessionResponse struct {
	ID          string       `json:"id"`
	Object      string       `json:"object"`
	CreatedAt   int64        `json:"created_at"`
	Mode        string       `json:"mode"`
	Turns       int          `json:"turns"`
	History     int          `json:"history_tokens"`
	Confirmed   int          `json:"confirmed"`
	Remaining   int          `json:"remaining"`
	Width       int          `json:"step_width"`
	CacheLength int          `json:"cache_length"`
	State       decode.Stats `json:"state"`
	Last        any          `json:"last_stats,omitempty"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type streamEvent struct {
	Type           string            `json:"type"`
	Response       *GenerateResponse `json:"response,omitempty"`
	Token          *int32            `json:"token,omitempty"`
	Delta          string            `json:"delta,omitempty"`
	SequenceNumber int               `json:"sequence_number"`
}
