package decode

import (
	"context"
	"fmt"
)

// Prefill feeds a prompt at the current step width. The remainder chunk
// goes first so every later step is full, and only the final step asks
// for logits.
func (s *State) Prefill(ctx context.Context, tokens []int32) (StepOutput, error) {
	n := len(tokens)
	if n == 0 {
		return StepOutput{}, fmt.Errorf("decode: empty prompt")
	}
	if s.confirmed+n > s.cfg.MaxTokens {
		s.log.Warn("prompt exceeds max tokens", "prompt", n, "confirmed", s.confirmed, "max_tokens", s.cfg.MaxTokens)
	}
	width := s.width
	first := n % width
	if first == 0 {
		first = width
	}
	var out StepOutput
	for start, end := 0, first; start < n; start, end = end, end+width {
		kind := LogitsNone
		if end == n {
			kind = LogitsLast
		}
		var err error
		out, err = s.Step(ctx, StepInput{Tokens: tokens[start:end], Logits: kind})
		if err != nil {
			return StepOutput{}, fmt.Errorf("prefill at token %d: %w", start, err)
		}
	}
	s.log.Debug("prefill done", "tokens", n, "width", width, "confirmed", s.confirmed)
	return out, nil
}
