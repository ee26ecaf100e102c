package domain

import (
	"strings"

	apperrors "github.com/louisbranch/campaign-livesync/internal/platform/errors"
)

// Role is the campaign role attached to a live connection.
type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

// ParseRole normalizes a role header value. An empty value means player.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RolePlayer:
		return RolePlayer, nil
	case RoleGM:
		return RoleGM, nil
	default:
		return "", apperrors.WithMetadata(apperrors.CodeInvalidArgument, "role must be gm or player", map[string]string{"role": raw})
	}
}
