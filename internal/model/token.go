package model

import "time"

// TokenStatus is the lifecycle state of a continuation token
type TokenStatus string

const (
	TokenStatusPending  TokenStatus = "PENDING"
	TokenStatusConsumed TokenStatus = "CONSUMED"
)

// ContinuationToken ties a paused execution to the workflow invocation waiting on it
type ContinuationToken struct {
	Token       string      `json:"token"`
	ExecutionID string      `json:"execution_id"`
	PlanID      string      `json:"plan_id"`
	WaveNumber  int         `json:"wave_number"`
	Status      TokenStatus `json:"status"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	ConsumedAt  *time.Time  `json:"consumed_at,omitempty"`
	ConsumedBy  string      `json:"consumed_by,omitempty"`
}

// Expired reports whether the token is past its expiry at now
func (t *ContinuationToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
