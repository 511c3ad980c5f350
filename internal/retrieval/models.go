package retrieval

import (
	"math"
	"time"
)

// Score is the retrieval feedback record for one (agent, memory) pair. The
// stored columns are raw counters; SuccessRate and AdaptiveScore are derived
// on read so scoring changes never require a migration.
type Score struct {
	AgentID      string `db:"agent_id" json:"agent_id"`
	MemoryID     string `db:"memory_id" json:"memory_id"`
	AccessCount  int    `db:"access_count" json:"access_count"`
	SuccessCount int    `db:"success_count" json:"success_count"`
	FailureCount int    `db:"failure_count" json:"failure_count"`
	LastAccessed *int64 `db:"last_accessed" json:"last_accessed,omitempty"`

	SuccessRate   float64 `db:"-" json:"success_rate"`
	AdaptiveScore float64 `db:"-" json:"adaptive_score"`
}

// recencyHalfLife controls how fast an unused memory decays.
const recencyHalfLife = 30 * 24 * time.Hour

// derive fills the computed fields. Pairs with no outcome signal sit at the
// neutral 0.5 rate so new memories are neither promoted nor buried.
func (s *Score) derive(now time.Time) {
	outcomes := s.SuccessCount + s.FailureCount
	if outcomes == 0 {
		s.SuccessRate = 0.5
	} else {
		s.SuccessRate = float64(s.SuccessCount) / float64(outcomes)
	}

	frequency := math.Log1p(float64(s.AccessCount))
	frequencyWeight := 0.5 + 0.5*(frequency/(1+frequency))

	decay := 1.0
	if s.LastAccessed != nil {
		age := now.Sub(time.UnixMilli(*s.LastAccessed))
		if age > 0 {
			decay = math.Exp2(-age.Hours() / recencyHalfLife.Hours())
		}
	}

	s.AdaptiveScore = s.SuccessRate * frequencyWeight * decay
}
