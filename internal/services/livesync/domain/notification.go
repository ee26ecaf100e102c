package domain

import (
	"encoding/json"
	"strings"

	apperrors "github.com/louisbranch/campaign-livesync/internal/platform/errors"
)

// NotificationType tags a write-path notification.
type NotificationType string

const (
	NotificationCharacterAdded   NotificationType = "character_added"
	NotificationCharacterUpdated NotificationType = "character_updated"
	NotificationCharacterRemoved NotificationType = "character_removed"
	NotificationCharacterDeleted NotificationType = "character_deleted"
	NotificationMemberUpdated    NotificationType = "member_updated"
)

// Notification is a validated write-path notification.
type Notification struct {
	Type        NotificationType
	CharacterID string

	// character_added
	Summary   *CharacterSummary
	Claimable *bool

	// character_updated; Updates is relayed verbatim.
	Updates    json.RawMessage
	Patch      CharacterPatch
	HasUpdates bool

	// member_updated
	UserID      string
	DisplayName string
}

type notificationWire struct {
	Type        string          `json:"type"`
	CharacterID string          `json:"characterId"`
	Summary     json.RawMessage `json:"summary"`
	Claimable   *bool           `json:"claimable"`
	Updates     json.RawMessage `json:"updates"`
	UserID      string          `json:"userId"`
	DisplayName *string         `json:"displayName"`
}

// DecodeNotification parses and validates a notification body. Every error
// it returns carries an apperrors code; nothing has been applied yet.
func DecodeNotification(body []byte) (Notification, error) {
	var wire notificationWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return Notification{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid notification body", err)
	}

	n := Notification{
		Type:        NotificationType(strings.TrimSpace(wire.Type)),
		CharacterID: strings.TrimSpace(wire.CharacterID),
	}
	switch n.Type {
	case NotificationCharacterAdded:
		if n.CharacterID == "" {
			return Notification{}, fieldError("characterId", "characterId is required")
		}
		n.Claimable = wire.Claimable
		if isPresent(wire.Summary) {
			summary, err := decodeSummary(wire.Summary, n.CharacterID)
			if err != nil {
				return Notification{}, err
			}
			n.Summary = &summary
		}
	case NotificationCharacterUpdated:
		if n.CharacterID == "" {
			return Notification{}, fieldError("characterId", "characterId is required")
		}
		n.Claimable = wire.Claimable
		if isPresent(wire.Updates) {
			patch, nonEmpty, err := DecodeCharacterPatch(wire.Updates)
			if err != nil {
				return Notification{}, err
			}
			n.Patch = patch
			n.HasUpdates = nonEmpty
			if nonEmpty {
				n.Updates = append(json.RawMessage(nil), wire.Updates...)
			}
		}
	case NotificationCharacterRemoved, NotificationCharacterDeleted:
		if n.CharacterID == "" {
			return Notification{}, fieldError("characterId", "characterId is required")
		}
	case NotificationMemberUpdated:
		n.UserID = strings.TrimSpace(wire.UserID)
		if n.UserID == "" {
			return Notification{}, fieldError("userId", "userId is required")
		}
		if wire.DisplayName == nil {
			return Notification{}, fieldError("displayName", "displayName is required")
		}
		n.DisplayName = *wire.DisplayName
	case "":
		return Notification{}, fieldError("type", "type is required")
	default:
		return Notification{}, apperrors.WithMetadata(apperrors.CodeUnknownType, "unknown notification type", map[string]string{"type": string(n.Type)})
	}
	return n, nil
}

func decodeSummary(raw json.RawMessage, characterID string) (CharacterSummary, error) {
	if !isJSONObject(raw) {
		return CharacterSummary{}, fieldError("summary", "summary must be an object")
	}
	var summary CharacterSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return CharacterSummary{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid character summary", err)
	}
	summary.ID = strings.TrimSpace(summary.ID)
	switch summary.ID {
	case "":
		summary.ID = characterID
	case characterID:
	default:
		return CharacterSummary{}, fieldError("summary.id", "summary id %q does not match characterId %q", summary.ID, characterID)
	}
	return summary.Clone(), nil
}

func isPresent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}
