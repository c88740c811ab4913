package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/samcharles93/spindle/internal/decode"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/logits"
	"github.com/samcharles93/spindle/internal/medusa"
	"github.com/samcharles93/spindle/internal/speculative"
	"github.com/samcharles93/spindle/internal/tree"
)

// Defaults fill request fields the client left unset.
type Defaults struct {
	MaxTokens   int
	Temperature float64
	TopK        int
	TopP        float64
	DraftLength int
	TreeWidth   int
}

func (d Defaults) withDefaults() Defaults {
	if d.MaxTokens <= 0 {
		d.MaxTokens = 128
	}
	if d.DraftLength <= 0 {
		d.DraftLength = 4
	}
	if d.TreeWidth <= 0 {
		d.TreeWidth = 8
	}
	return d
}

type StreamWriter interface {
	Begin(resp GenerateResponse) error
	EmitToken(tok int32, delta string) error
	EmitText(delta string) error
	Complete(resp GenerateResponse) error
	Failed(resp GenerateResponse, err error) error
	Incomplete(resp GenerateResponse, err error) error
}

type GenerationService struct {
	models   Models
	sessions *SessionStore
	defaults Defaults
	log      logger.Logger
}

func NewGenerationService(models Models, sessions *SessionStore, defaults Defaults, log logger.Logger) *GenerationService {
	if sessions == nil {
		sessions = NewSessionStore()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &GenerationService{
		models:   models,
		sessions: sessions,
		defaults: defaults.withDefaults(),
		log:      log,
	}
}

func (s *GenerationService) Sessions() *SessionStore { return s.sessions }

// Generate runs one turn. A new session is created when req.Session is
// empty; otherwise the turn continues that session's history.
func (s *GenerationService) Generate(ctx context.Context, req *GenerateRequest, stream StreamWriter) (*GenerateResponse, error) {
	sess, created, err := s.resolveSession(req)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	tok := s.models.Tokenizer()
	input, err := s.inputTokens(req, tok, len(sess.history) == 0)
	if err != nil {
		return nil, err
	}
	maxTokens := s.defaults.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if maxTokens <= 0 {
		return nil, newInvalidRequest("max_tokens", "max_tokens must be positive")
	}
	if created {
		s.sessions.Save(sess)
		s.log.Info("session created", "session", sess.ID, "mode", sess.Mode)
	}

	resp := GenerateResponse{
		ID:        newGenerationID(),
		Object:    "generation",
		CreatedAt: time.Now().Unix(),
		Status:    "in_progress",
		Session:   sess.ID,
		Mode:      sess.Mode,
		Tokens:    []int32{},
	}
	if stream != nil {
		if err := stream.Begin(resp); err != nil {
			return &resp, err
		}
	}

	all := slices.Concat(sess.history, input)
	deltas := &textDeltas{tok: tok}
	emit := func(t int32) error {
		if stream == nil {
			return nil
		}
		if err := stream.EmitToken(t, deltas.push(t)); err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		return nil
	}
	out, stats, err := s.run(ctx, sess, req, all, maxTokens, emit)
	if err == nil && stream != nil {
		if rest := deltas.rest(); rest != "" {
			if err = stream.EmitText(rest); err != nil {
				err = fmt.Errorf("stream: %w", err)
			}
		}
	}
	resp.Tokens = append(resp.Tokens, out...)
	resp.Text = tok.Decode(out)
	resp.Stats = stats
	resp.Usage = &Usage{
		PromptTokens:     len(input),
		CompletionTokens: len(out),
		TotalTokens:      len(input) + len(out),
	}

	if err != nil {
		resp.Status = "failed"
		resp.Error = &ResponseError{Message: err.Error(), Type: "server_error"}
		// The states no longer match the history; the next turn starts over.
		sess.history = nil
		if sess.gen != nil {
			sess.gen.ContextTokens = nil
		}
		if stream != nil {
			if ctx.Err() != nil {
				_ = stream.Incomplete(resp, ctx.Err())
			} else {
				_ = stream.Failed(resp, err)
			}
		}
		s.log.Warn("generation failed", "session", sess.ID, "mode", sess.Mode, "error", err)
		return &resp, err
	}

	sess.history = append(all, out...)
	sess.turns++
	sess.last = stats
	resp.Status = "completed"
	if stream != nil {
		if err := stream.Complete(resp); err != nil {
			return &resp, err
		}
	}
	s.log.Debug("generation done", "session", sess.ID, "mode", sess.Mode, "prompt", len(input), "generated", len(out))
	return &resp, nil
}

func (s *GenerationService) run(ctx context.Context, sess *Session, req *GenerateRequest, all []int32, maxTokens int, emit func(int32) error) ([]int32, any, error) {
	temp := s.defaults.Temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	var seed int64
	if req.Seed != nil {
		seed = *req.Seed
	}

	switch sess.Mode {
	case ModeSpeculative:
		dec, err := speculative.New(sess.target, sess.draft, speculative.Config{
			DraftLength:       sess.draftLength,
			DraftTemperature:  float32(temp),
			TargetTemperature: float32(temp),
			Seed:              seed,
			MaxResponse:       maxTokens,
		}, speculative.WithLogger(s.log))
		if err != nil {
			return nil, nil, err
		}
		out, err := dec.Generate(ctx, all, emit)
		return out, dec.Stats(), err

	case ModeMedusa:
		dec, err := medusa.New(sess.target, sess.heads, sess.tree, medusa.Config{
			Temperature: float32(temp),
			MaxResponse: maxTokens,
		}, medusa.WithLogger(s.log))
		if err != nil {
			return nil, nil, err
		}
		out, err := dec.Generate(ctx, all, emit)
		return out, dec.Stats(), err

	default:
		cfg := logits.SamplerConfig{
			Seed:        seed,
			Temperature: float32(temp),
			TopK:        s.defaults.TopK,
			TopP:        float32(s.defaults.TopP),
		}
		if req.TopK != nil {
			cfg.TopK = *req.TopK
		}
		if req.TopP != nil {
			cfg.TopP = float32(*req.TopP)
		}
		sess.gen.Sampler = logits.NewSampler(cfg)
		out, stats, err := sess.gen.Run(ctx, all, maxTokens, emit)
		return out, stats, err
	}
}

func (s *GenerationService) inputTokens(req *GenerateRequest, tok Tokenizer, first bool) ([]int32, error) {
	switch {
	case req.Prompt != "" && len(req.Tokens) > 0:
		return nil, newInvalidRequest("prompt", "prompt and tokens are mutually exclusive")
	case req.Prompt != "":
		return tok.Encode(req.Prompt, first), nil
	case len(req.Tokens) > 0:
		vocab := s.models.VocabSize()
		for i, t := range req.Tokens {
			if t < 0 || int(t) >= vocab {
				return nil, newInvalidRequest("tokens", fmt.Sprintf("token %d at index %d outside vocabulary of %d", t, i, vocab))
			}
		}
		return slices.Clone(req.Tokens), nil
	default:
		return nil, newInvalidRequest("prompt", "prompt or tokens is required")
	}
}

// resolveSession looks up req.Session or builds a new, not yet stored,
// session for it.
func (s *GenerationService) resolveSession(req *GenerateRequest) (*Session, bool, error) {
	if req.Session != "" {
		sess, ok := s.sessions.Get(req.Session)
		if !ok {
			return nil, false, fmt.Errorf("%w: %q", ErrSessionNotFound, req.Session)
		}
		if req.Mode != "" && req.Mode != sess.Mode {
			return nil, false, newInvalidRequest("mode", fmt.Sprintf("session %s runs %s, not %s", sess.ID, sess.Mode, req.Mode))
		}
		return sess, false, nil
	}
	sess, err := s.newSession(req)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func (s *GenerationService) newSession(req *GenerateRequest) (*Session, error) {
	sess := &Session{
		ID:        newSessionID(),
		Mode:      req.Mode,
		CreatedAt: time.Now(),
	}
	if sess.Mode == "" {
		sess.Mode = ModeAutoregressive
	}

	var err error
	switch sess.Mode {
	case ModeAutoregressive:
		if sess.target, err = s.models.Target(); err != nil {
			return nil, err
		}
		sess.gen = &decode.Generator{State: sess.target}

	case ModeSpeculative:
		sess.draftLength = s.defaults.DraftLength
		if req.DraftLength != nil {
			sess.draftLength = *req.DraftLength
		}
		if sess.draftLength <= 0 {
			return nil, newInvalidRequest("draft_length", "draft_length must be positive")
		}
		if sess.target, err = s.models.Target(sess.draftLength + 1); err != nil {
			return nil, err
		}
		if sess.draft, err = s.models.Draft(); err != nil {
			return nil, err
		}

	case ModeMedusa:
		width := s.defaults.TreeWidth
		if req.TreeWidth != nil {
			width = *req.TreeWidth
		}
		if sess.tree, err = tree.Preset(width); err != nil {
			return nil, newInvalidRequest("tree_width", err.Error())
		}
		if sess.target, err = s.models.Target(width); err != nil {
			return nil, err
		}
		if sess.heads, err = s.models.Heads(sess.tree.Heads()); err != nil {
			return nil, err
		}

	default:
		return nil, newInvalidRequest("mode", fmt.Sprintf("unknown mode %q", req.Mode))
	}
	return sess, nil
}

// Session reports a session's current state.
func (s *GenerationService) Session(id string) (SessionResponse, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return SessionResponse{}, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return sess.snapshot(), nil
}

func (s *GenerationService) DeleteSession(id string) error {
	if !s.sessions.Delete(id) {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return nil
}

// statusFor maps a generation error to an HTTP status and error type.
func statusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error", ""
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, "not_found_error", ""
	case errors.Is(err, decode.ErrContextOverflow):
		return http.StatusBadRequest, "invalid_request_error", "context_length_exceeded"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "timeout_error", ""
	default:
		return http.StatusInternalServerError, "server_error", ""
	}
}
