package domain

import (
	"context"
	"net/http"
	"net/url"
)

// Adapter is the capability set every messaging platform implements
// (WhatsApp, Telegram, iMessage).
type Adapter interface {
	Platform() Platform

	// VerifySignature checks the raw request body against the platform's
	// authenticity header. It never panics on malformed input.
	VerifySignature(body []byte, header http.Header) bool

	// ParseInbound converts a JSON webhook payload into a message. It returns
	// false for receipts, reactions, self-echo and empty content.
	ParseInbound(payload []byte) (*NormalizedMessage, bool)

	// SendResponse delivers resp to chatID, splitting it into chunks that fit
	// the platform's message-length limit.
	SendResponse(ctx context.Context, chatID string, resp NormalizedResponse) error
}

// TypingIndicator is implemented by adapters that can show "typing...".
type TypingIndicator interface {
	SendTyping(ctx context.Context, chatID string) error
}

// InboundRecorder is implemented by adapters that keep per-chat state about
// inbound traffic. Ingress calls it only for messages it schedules.
type InboundRecorder interface {
	RecordInbound(msg *NormalizedMessage)
}

// ChallengeResponder is implemented by adapters with a GET verification
// handshake. It returns the challenge to echo when the request matches the
// configured verify token.
type ChallengeResponder interface {
	VerifyChallenge(query url.Values) (string, bool)
}
