package community

import (
	"errors"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope("origin-1", "did:key:zSender", 1700000000000, Event{
		MessageSent: &MessageSentEvent{
			ChannelID:   "ch-1",
			ChannelName: "general",
			MessageID:   "msg-1",
			SenderDID:   "did:key:zSender",
			Content:     "hello",
		},
	})
	payload, err := env.Encode()
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}

	parsed, err := ParseEnvelope(payload)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if parsed.Payload.CommunityID != "origin-1" {
		t.Fatalf("community id lost: %q", parsed.Payload.CommunityID)
	}
	if parsed.Payload.Event.MessageSent == nil {
		t.Fatalf("expected message_sent variant, got type %q", parsed.Payload.Event.Type)
	}
	if parsed.Payload.Event.MessageSent.Content != "hello" {
		t.Fatalf("content lost: %q", parsed.Payload.Event.MessageSent.Content)
	}
}

func TestParseEnvelopeRejectsOtherEnvelopes(t *testing.T) {
	_, err := ParseEnvelope(`{"envelope":"metadata_sync","version":1,"payload":{}}`)
	if !errors.Is(err, ErrNotEnvelope) {
		t.Fatalf("expected ErrNotEnvelope, got %v", err)
	}
}

func TestParseEnvelopeMalformed(t *testing.T) {
	_, err := ParseEnvelope(`{not json`)
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if errors.Is(err, ErrNotEnvelope) {
		t.Fatalf("malformed payload should not classify as non-envelope")
	}
}

func TestUnknownEventVariantKeepsRawJSON(t *testing.T) {
	payload := `{"envelope":"community_event","version":1,"payload":{` +
		`"communityId":"c1","senderDid":"d1","timestamp":1,` +
		`"event":{"type":"reactionAdded","messageId":"m1","emoji":"🎉"}}}`

	env, err := ParseEnvelope(payload)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	ev := env.Payload.Event
	if ev.Type != "reactionAdded" {
		t.Fatalf("unknown type tag lost: %q", ev.Type)
	}
	if len(ev.Raw) == 0 {
		t.Fatalf("raw JSON not preserved for unknown variant")
	}
	if !strings.Contains(string(ev.Raw), "emoji") {
		t.Fatalf("raw JSON incomplete: %s", ev.Raw)
	}

	// Re-encoding must forward the unknown event without loss.
	out, err := env.Encode()
	if err != nil {
		t.Fatalf("re-encode error: %v", err)
	}
	if !strings.Contains(out, "reactionAdded") || !strings.Contains(out, "emoji") {
		t.Fatalf("re-encoded envelope dropped unknown event data: %s", out)
	}
}

func TestCanonicalID(t *testing.T) {
	owner := Community{LocalID: "local-a"}
	if owner.CanonicalID() != "local-a" {
		t.Fatalf("creator's canonical ID should be its local ID")
	}
	if !owner.Canonical() {
		t.Fatalf("record without origin should be canonical")
	}

	imported := Community{LocalID: "local-b", OriginCommunityID: "local-a"}
	if imported.CanonicalID() != "local-a" {
		t.Fatalf("imported copy should resolve to origin ID, got %s", imported.CanonicalID())
	}
	if imported.Canonical() {
		t.Fatalf("imported copy must not be canonical")
	}
}
