package decode

import (
	"fmt"
	"time"
)

// Stats counts the work done by a State since it was created.
type Stats struct {
	Steps      int `json:"steps"`
	Tokens     int `json:"tokens"`
	Padded     int `json:"padded"`
	Rollbacks  int `json:"rollbacks"`
	RolledBack int `json:"rolled_back"`
	Overflows  int `json:"overflows"`
	Swaps      int `json:"swaps"`

	Compute      time.Duration `json:"compute_ns"`
	RollbackTime time.Duration `json:"rollback_ns"`
}

// TokensPerSecond is the executor throughput over valid step tokens.
func (s Stats) TokensPerSecond() float64 {
	if s.Compute <= 0 {
		return 0
	}
	return float64(s.Tokens) / s.Compute.Seconds()
}

func (s Stats) String() string {
	return fmt.Sprintf("steps=%d tokens=%d padded=%d rollbacks=%d/%d overflows=%d swaps=%d compute=%s (%.2f tok/s)",
		s.Steps, s.Tokens, s.Padded, s.Rollbacks, s.RolledBack, s.Overflows, s.Swaps,
		s.Compute.Round(time.Microsecond), s.TokensPerSecond())
}
