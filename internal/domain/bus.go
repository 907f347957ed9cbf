package domain

import "context"

// AllowList decides whether a sender may reach the agent.
type AllowList interface {
	IsAllowed(ctx context.Context, platform Platform, userID string) (bool, error)
}

// Scheduler runs a message in the background without blocking the caller.
type Scheduler interface {
	Schedule(msg *NormalizedMessage, adapter Adapter)
}

// Redactor strips sensitive data from outbound text.
type Redactor interface {
	Redact(text string) string
}
