// Package agent talks to the conversational backend that produces replies.
// Each Client is one long-lived connection owned by the pool.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"msgrelay/internal/domain"
	"msgrelay/internal/pool"
)

var ErrNotConnected = errors.New("agent: client not connected")

// Turn is a single inbound message handed to the agent.
type Turn struct {
	SessionID string
	Message   *domain.NormalizedMessage
}

// Client is a pooled agent connection.
type Client interface {
	pool.Conn
	Respond(ctx context.Context, turn Turn) (*domain.NormalizedResponse, error)
}

// Prompt renders the message text followed by one bracketed tag per media
// reference, e.g. "[image: <file id>]".
func Prompt(msg *domain.NormalizedMessage) string {
	var b strings.Builder
	b.WriteString(msg.Text)
	for _, m := range msg.Media {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		if m.Filename != "" {
			fmt.Fprintf(&b, "[%s: %s (%s)]", m.Type, m.Ref, m.Filename)
		} else {
			fmt.Fprintf(&b, "[%s: %s]", m.Type, m.Ref)
		}
	}
	return b.String()
}
