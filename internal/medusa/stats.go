package medusa

import (
	"fmt"
	"time"
)

type Stats struct {
	Iterations int `json:"iterations"`
	// Accepted counts accepted non-root nodes.
	Accepted int `json:"accepted"`
	Emitted  int `json:"emitted"`
	// PathLengths counts iterations by accepted path length, root excluded.
	PathLengths []int `json:"path_lengths"`

	Prefill time.Duration `json:"prefill_ns"`
	Heads   time.Duration `json:"heads_ns"`
	Verify  time.Duration `json:"verify_ns"`
}

// MeanAccepted is the average number of candidate nodes kept per step.
func (s Stats) MeanAccepted() float64 {
	if s.Iterations == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Iterations)
}

func (s Stats) String() string {
	return fmt.Sprintf("iterations=%d accepted=%d (%.2f/iter) emitted=%d heads=%s verify=%s",
		s.Iterations, s.Accepted, s.MeanAccepted(), s.Emitted,
		s.Heads.Round(time.Microsecond), s.Verify.Round(time.Microsecond))
}
