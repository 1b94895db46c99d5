package community

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EnvelopeTag marks relay payloads carrying community events. The relay
// transports other envelope tags too (metadata sync, calls); those are not
// parsed here.
const EnvelopeTag = "community_event"

// EnvelopeVersion is the current envelope schema version.
const EnvelopeVersion = 1

// Event type tags carried in the payload's event object.
const (
	EventMessageSent    = "communityMessageSent"
	EventMemberJoined   = "memberJoined"
	EventMemberLeft     = "memberLeft"
	EventChannelCreated = "channelCreated"
)

var ErrNotEnvelope = errors.New("payload is not a community event envelope")

// Envelope is the versioned wire wrapper for every community event. The
// communityId it carries is always canonical.
type Envelope struct {
	Envelope string          `json:"envelope"`
	Version  int             `json:"version"`
	Payload  EnvelopePayload `json:"payload"`
}

// EnvelopePayload wraps one event with its community, author and timestamp.
type EnvelopePayload struct {
	CommunityID string `json:"communityId"`
	Event       Event  `json:"event"`
	SenderDID   string `json:"senderDid"`
	Timestamp   int64  `json:"timestamp"`
}

// Event is the tagged union of community event kinds. Exactly one of the
// typed fields is set; events with an unrecognized tag keep their raw JSON in
// Raw so they can be logged or forwarded without loss.
type Event struct {
	Type string

	MessageSent    *MessageSentEvent
	MemberJoined   *MemberJoinedEvent
	MemberLeft     *MemberLeftEvent
	ChannelCreated *ChannelCreatedEvent

	// Raw holds the original JSON for unknown event types.
	Raw json.RawMessage
}

// MessageSentEvent announces a new channel message.
type MessageSentEvent struct {
	Type              string `json:"type"`
	ChannelID         string `json:"channelId"`
	ChannelName       string `json:"channelName,omitempty"`
	MessageID         string `json:"messageId"`
	SenderDID         string `json:"senderDid"`
	Content           string `json:"content,omitempty"`
	SenderDisplayName string `json:"senderDisplayName,omitempty"`
	SenderAvatarURL   string `json:"senderAvatarUrl,omitempty"`
}

// MemberJoinedEvent is broadcast by a joiner right after importing a
// community so existing members can add it locally.
type MemberJoinedEvent struct {
	Type      string `json:"type"`
	MemberDID string `json:"memberDid"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// MemberLeftEvent announces a member leaving.
type MemberLeftEvent struct {
	Type      string `json:"type"`
	MemberDID string `json:"memberDid"`
}

// ChannelCreatedEvent announces a new channel; receivers create their own
// local channel row keyed by name.
type ChannelCreatedEvent struct {
	Type        string `json:"type"`
	ChannelName string `json:"channelName"`
	ChannelKind string `json:"channelKind,omitempty"`
}

type eventTag struct {
	Type string `json:"type"`
}

// MarshalJSON emits the active variant, or the raw payload for unknown types.
func (e Event) MarshalJSON() ([]byte, error) {
	switch {
	case e.MessageSent != nil:
		e.MessageSent.Type = EventMessageSent
		return json.Marshal(e.MessageSent)
	case e.MemberJoined != nil:
		e.MemberJoined.Type = EventMemberJoined
		return json.Marshal(e.MemberJoined)
	case e.MemberLeft != nil:
		e.MemberLeft.Type = EventMemberLeft
		return json.Marshal(e.MemberLeft)
	case e.ChannelCreated != nil:
		e.ChannelCreated.Type = EventChannelCreated
		return json.Marshal(e.ChannelCreated)
	case len(e.Raw) > 0:
		return e.Raw, nil
	default:
		return nil, errors.New("empty community event")
	}
}

// UnmarshalJSON decodes into the matching variant, preserving unknown event
// types verbatim in Raw.
func (e *Event) UnmarshalJSON(data []byte) error {
	var tag eventTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("decode event tag: %w", err)
	}
	e.Type = tag.Type
	switch tag.Type {
	case EventMessageSent:
		e.MessageSent = &MessageSentEvent{}
		return json.Unmarshal(data, e.MessageSent)
	case EventMemberJoined:
		e.MemberJoined = &MemberJoinedEvent{}
		return json.Unmarshal(data, e.MemberJoined)
	case EventMemberLeft:
		e.MemberLeft = &MemberLeftEvent{}
		return json.Unmarshal(data, e.MemberLeft)
	case EventChannelCreated:
		e.ChannelCreated = &ChannelCreatedEvent{}
		return json.Unmarshal(data, e.ChannelCreated)
	default:
		e.Raw = append(json.RawMessage(nil), data...)
		return nil
	}
}

// NewEnvelope wraps an event for broadcast. canonicalID must already be
// resolved by the sender.
func NewEnvelope(canonicalID, senderDID string, timestamp int64, event Event) *Envelope {
	return &Envelope{
		Envelope: EnvelopeTag,
		Version:  EnvelopeVersion,
		Payload: EnvelopePayload{
			CommunityID: canonicalID,
			Event:       event,
			SenderDID:   senderDID,
			Timestamp:   timestamp,
		},
	}
}

// Encode serializes the envelope for use as an opaque relay payload.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(data), nil
}

// ParseEnvelope speculatively decodes a relay payload as a community event
// envelope. Payloads that are valid JSON but carry a different envelope tag
// (metadata sync, call signaling) return ErrNotEnvelope; malformed payloads
// return the decode error. Callers drop both without failing the connection.
func ParseEnvelope(payload string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Envelope != EnvelopeTag {
		return nil, ErrNotEnvelope
	}
	return &env, nil
}
