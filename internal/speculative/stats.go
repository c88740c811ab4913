package speculative

import (
	"fmt"
	"time"
)

type Stats struct {
	Iterations int `json:"iterations"`
	Drafted    int `json:"drafted"`
	Accepted   int `json:"accepted"`
	Rejected   int `json:"rejected"`
	Bonus      int `json:"bonus"`
	Emitted    int `json:"emitted"`
	Degenerate int `json:"degenerate"`
	// AcceptHistogram counts iterations by accepted draft tokens, 0..K.
	AcceptHistogram []int `json:"accept_histogram"`

	Prefill time.Duration `json:"prefill_ns"`
	Draft   time.Duration `json:"draft_ns"`
	Verify  time.Duration `json:"verify_ns"`
}

// AcceptanceRate is the share of drafted tokens the target accepted.
func (s Stats) AcceptanceRate() float64 {
	if s.Drafted == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Drafted)
}

// TokensPerIteration is the average number of tokens one target step
// produced.
func (s Stats) TokensPerIteration() float64 {
	if s.Iterations == 0 {
		return 0
	}
	return float64(s.Accepted+s.Rejected+s.Bonus) / float64(s.Iterations)
}

func (s Stats) String() string {
	return fmt.Sprintf("iterations=%d drafted=%d accepted=%d (%.1f%%) bonus=%d tokens/iter=%.2f draft=%s verify=%s",
		s.Iterations, s.Drafted, s.Accepted, 100*s.AcceptanceRate(), s.Bonus, s.TokensPerIteration(),
		s.Draft.Round(time.Microsecond), s.Verify.Round(time.Microsecond))
}
