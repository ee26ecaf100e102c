package domain

import (
	"encoding/json"
	"strings"

	apperrors "github.com/louisbranch/campaign-livesync/internal/platform/errors"
)

// MessageType tags a message sent by a live client.
type MessageType string

const (
	MessageRejoin          MessageType = "rejoin"
	MessageUpdateState     MessageType = "update_state"
	MessageUpdateCharacter MessageType = "update_character"
)

// ClientMessage is a validated message received on a live connection.
type ClientMessage struct {
	Type MessageType

	// rejoin; nil when the client has never synced.
	LastKnownVersion *int64

	// update_state
	StatePatch StatePatch

	// update_character; Updates is relayed verbatim.
	CharacterID    string
	Updates        json.RawMessage
	CharacterPatch CharacterPatch
}

type clientMessageWire struct {
	Type             string          `json:"type"`
	LastKnownVersion *int64          `json:"lastKnownVersion"`
	CharacterID      string          `json:"characterId"`
	Updates          json.RawMessage `json:"updates"`
}

// DecodeClientMessage parses and validates one live-connection message.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var wire clientMessageWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ClientMessage{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid message", err)
	}

	msg := ClientMessage{Type: MessageType(strings.TrimSpace(wire.Type))}
	switch msg.Type {
	case MessageRejoin:
		msg.LastKnownVersion = wire.LastKnownVersion
	case MessageUpdateState:
		if !isPresent(wire.Updates) {
			return ClientMessage{}, fieldError("updates", "updates is required")
		}
		patch, err := DecodeStatePatch(wire.Updates)
		if err != nil {
			return ClientMessage{}, err
		}
		msg.StatePatch = patch
	case MessageUpdateCharacter:
		msg.CharacterID = strings.TrimSpace(wire.CharacterID)
		if msg.CharacterID == "" {
			return ClientMessage{}, fieldError("characterId", "characterId is required")
		}
		if !isPresent(wire.Updates) {
			return ClientMessage{}, fieldError("updates", "updates is required")
		}
		patch, nonEmpty, err := DecodeCharacterPatch(wire.Updates)
		if err != nil {
			return ClientMessage{}, err
		}
		if !nonEmpty {
			return ClientMessage{}, fieldError("updates", "updates must not be empty")
		}
		msg.CharacterPatch = patch
		msg.Updates = append(json.RawMessage(nil), wire.Updates...)
	case "":
		return ClientMessage{}, fieldError("type", "type is required")
	default:
		return ClientMessage{}, apperrors.WithMetadata(apperrors.CodeUnknownType, "unknown message type", map[string]string{"type": string(msg.Type)})
	}
	return msg, nil
}
