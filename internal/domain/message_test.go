package domain

import "testing"

func TestNewNormalizedMessage_RejectsEmpty(t *testing.T) {
	if _, ok := NewNormalizedMessage(PlatformTelegram, "1", "1", "", nil, nil); ok {
		t.Fatal("message with no text and no media must not be constructed")
	}
}

func TestNewNormalizedMessage_MediaOnly(t *testing.T) {
	msg, ok := NewNormalizedMessage(PlatformWhatsApp, "155", "", "", []MediaRef{{Type: MediaImage, Ref: "m1"}}, nil)
	if !ok {
		t.Fatal("media-only message should be accepted")
	}
	if msg.PlatformChatID != "155" {
		t.Errorf("chat id should default to user id, got %q", msg.PlatformChatID)
	}
}

func TestNewNormalizedMessage_CopiesMetadata(t *testing.T) {
	meta := map[string]string{MetaMessageID: "wamid.1"}
	msg, _ := NewNormalizedMessage(PlatformWhatsApp, "155", "155", "hi", nil, meta)
	meta[MetaMessageID] = "changed"
	if msg.MessageID() != "wamid.1" {
		t.Errorf("metadata should be copied, got %q", msg.MessageID())
	}
}

func TestParsePlatform(t *testing.T) {
	tests := map[string]bool{
		"whatsapp": true,
		"WhatsApp": true,
		"TELEGRAM": true,
		"imessage": true,
		"signal":   false,
		"":         false,
	}
	for in, want := range tests {
		if _, ok := ParsePlatform(in); ok != want {
			t.Errorf("ParsePlatform(%q) ok=%v, want %v", in, ok, want)
		}
	}
}
