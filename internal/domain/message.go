package domain

import (
	"maps"
	"strings"
)

// Platform identifies which adapter produced or consumes a message.
type Platform string

const (
	PlatformWhatsApp Platform = "whatsapp"
	PlatformTelegram Platform = "telegram"
	PlatformIMessage Platform = "imessage"
)

// ParsePlatform resolves a platform name case-insensitively.
func ParsePlatform(name string) (Platform, bool) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(name))); p {
	case PlatformWhatsApp, PlatformTelegram, PlatformIMessage:
		return p, true
	}
	return "", false
}

// Well-known metadata keys.
const (
	MetaMessageID   = "message_id" // dedup key
	MetaDisplayName = "display_name"
	MetaTimestamp   = "timestamp"
	MetaIsGroup     = "is_group"
)

type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaAudio    MediaType = "audio"
	MediaVoice    MediaType = "voice"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
	MediaSticker  MediaType = "sticker"
)

// MediaRef points at platform-hosted media. Ref is resolvable later by a
// download collaborator; raw bytes are never carried.
type MediaRef struct {
	Type     MediaType `json:"type"`
	Ref      string    `json:"ref"`
	Filename string    `json:"filename,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
	Size     int64     `json:"size,omitempty"`
}

// NormalizedMessage is the platform-agnostic form of one inbound message.
// Build it with NewNormalizedMessage; treat it as read-only afterwards.
type NormalizedMessage struct {
	Platform       Platform
	PlatformUserID string
	PlatformChatID string
	Text           string
	Media          []MediaRef
	Metadata       map[string]string
}

// NewNormalizedMessage returns false when the message carries neither text
// nor media.
func NewNormalizedMessage(platform Platform, userID, chatID, text string, media []MediaRef, metadata map[string]string) (*NormalizedMessage, bool) {
	if text == "" && len(media) == 0 {
		return nil, false
	}
	if chatID == "" {
		chatID = userID
	}
	meta := make(map[string]string, len(metadata))
	maps.Copy(meta, metadata)
	return &NormalizedMessage{
		Platform:       platform,
		PlatformUserID: userID,
		PlatformChatID: chatID,
		Text:           text,
		Media:          append([]MediaRef(nil), media...),
		Metadata:       meta,
	}, true
}

// MessageID returns the platform message id used for deduplication.
func (m *NormalizedMessage) MessageID() string {
	return m.Metadata[MetaMessageID]
}

// Attachment is an outbound file reachable by URL.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// NormalizedResponse is what the agent engine produces for one turn.
type NormalizedResponse struct {
	Text        string
	Attachments []Attachment
}
