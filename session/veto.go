package session

import (
	"math/rand"
	"time"
)

// VetoRequest is a participant's objection to an active task. Transient;
// resolved by the session's voting strategy.
type VetoRequest struct {
	VetoID      string    `json:"veto_id"`
	SessionID   string    `json:"session_id"`
	TaskID      string    `json:"task_id"`
	RequestedBy string    `json:"requested_by"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// VotingStrategy resolves a veto among the session's current participants,
// reporting whether the veto is upheld.
type VotingStrategy interface {
	Resolve(veto VetoRequest, participants []string) bool
}

// RandomVoting upholds vetoes with a fixed probability. This mirrors the
// coin-flip resolution of early swarms; prefer MajorityVoting for
// deterministic outcomes.
type RandomVoting struct {
	// UpholdProbability defaults to 0.5 when zero.
	UpholdProbability float64
	// Rand allows deterministic tests; nil uses the global source.
	Rand *rand.Rand
}

func (v RandomVoting) Resolve(VetoRequest, []string) bool {
	p := v.UpholdProbability
	if p == 0 {
		p = 0.5
	}
	if v.Rand != nil {
		return v.Rand.Float64() < p
	}
	return rand.Float64() < p
}

// MajorityVoting upholds a veto when more than half of the participants vote
// in favor. Votes are collected through the Vote callback; a nil callback
// counts every participant as in favor.
type MajorityVoting struct {
	Vote func(userID string, veto VetoRequest) bool
}

func (v MajorityVoting) Resolve(veto VetoRequest, participants []string) bool {
	if len(participants) == 0 {
		return false
	}
	inFavor := 0
	for _, userID := range participants {
		if v.Vote == nil || v.Vote(userID, veto) {
			inFavor++
		}
	}
	return inFavor*2 > len(participants)
}
