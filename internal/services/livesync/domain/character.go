package domain

import (
	"bytes"
	"encoding/json"
	"slices"

	apperrors "github.com/louisbranch/campaign-livesync/internal/platform/errors"
)

// DamageThresholds are the HP damage bands of a character.
type DamageThresholds struct {
	Major  int `json:"major"`
	Severe int `json:"severe"`
}

// CharacterStats is the derived block of a character summary.
type CharacterStats struct {
	AncestryName string           `json:"ancestry_name"`
	ClassName    string           `json:"class_name"`
	SubclassName string           `json:"subclass_name"`
	MaxHP        int              `json:"max_hp"`
	MaxStress    int              `json:"max_stress"`
	MaxHope      int              `json:"max_hope"`
	MaxArmor     int              `json:"max_armor"`
	Evasion      int              `json:"evasion"`
	Thresholds   DamageThresholds `json:"thresholds"`
}

// CharacterSummary is the denormalized view of a character that live
// clients render on the table.
type CharacterSummary struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Image        string         `json:"image"`
	Level        int            `json:"level"`
	MarkedHP     int            `json:"marked_hp"`
	MarkedStress int            `json:"marked_stress"`
	MarkedHope   int            `json:"marked_hope"`
	MarkedArmor  int            `json:"marked_armor"`
	Conditions   []string       `json:"conditions"`
	OwnerUserID  string         `json:"owner_user_id"`
	Stats        CharacterStats `json:"stats"`
}

// PlaceholderSummary is announced when a character is added without a summary.
func PlaceholderSummary(characterID string) CharacterSummary {
	return CharacterSummary{
		ID:         characterID,
		Conditions: []string{},
	}
}

// Clone returns a copy that shares no slices with c.
func (c CharacterSummary) Clone() CharacterSummary {
	c.Conditions = slices.Clone(c.Conditions)
	if c.Conditions == nil {
		c.Conditions = []string{}
	}
	return c
}

// DamageThresholdsPatch is a partial thresholds update.
type DamageThresholdsPatch struct {
	Major  *int `json:"major,omitempty"`
	Severe *int `json:"severe,omitempty"`
}

// CharacterStatsPatch is a partial derived-stats update.
type CharacterStatsPatch struct {
	AncestryName *string                `json:"ancestry_name,omitempty"`
	ClassName    *string                `json:"class_name,omitempty"`
	SubclassName *string                `json:"subclass_name,omitempty"`
	MaxHP        *int                   `json:"max_hp,omitempty"`
	MaxStress    *int                   `json:"max_stress,omitempty"`
	MaxHope      *int                   `json:"max_hope,omitempty"`
	MaxArmor     *int                   `json:"max_armor,omitempty"`
	Evasion      *int                   `json:"evasion,omitempty"`
	Thresholds   *DamageThresholdsPatch `json:"thresholds,omitempty"`
}

// CharacterPatch is a partial character summary update. Object-valued
// fields merge recursively; lists and scalars replace. The id is immutable.
type CharacterPatch struct {
	Name         *string              `json:"name,omitempty"`
	Image        *string              `json:"image,omitempty"`
	Level        *int                 `json:"level,omitempty"`
	MarkedHP     *int                 `json:"marked_hp,omitempty"`
	MarkedStress *int                 `json:"marked_stress,omitempty"`
	MarkedHope   *int                 `json:"marked_hope,omitempty"`
	MarkedArmor  *int                 `json:"marked_armor,omitempty"`
	Conditions   *[]string            `json:"conditions,omitempty"`
	OwnerUserID  *string              `json:"owner_user_id,omitempty"`
	Stats        *CharacterStatsPatch `json:"stats,omitempty"`
}

// DecodeCharacterPatch parses a character updates object strictly.
//
// Updates are relayed verbatim to clients, which merge them on their side,
// so anything the cache would read differently (unknown or differently-cased
// keys, nulls, null list elements) is rejected here.
// The returned flag is false when the object has no keys.
func DecodeCharacterPatch(raw json.RawMessage) (CharacterPatch, bool, error) {
	if !isJSONObject(raw) {
		return CharacterPatch{}, false, fieldError("updates", "updates must be an object")
	}
	if err := checkMembers(raw, "updates", characterPatchMembers); err != nil {
		return CharacterPatch{}, false, err
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var patch CharacterPatch
	if err := decoder.Decode(&patch); err != nil {
		return CharacterPatch{}, false, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid character updates", err)
	}
	return patch, !patch.empty(), nil
}

func (p CharacterPatch) empty() bool {
	return p == CharacterPatch{}
}

// TouchesOwnership reports whether the patch reassigns the character.
func (p CharacterPatch) TouchesOwnership() bool {
	return p.OwnerUserID != nil
}

// Merge applies the patch to a copy of c.
func (c CharacterSummary) Merge(p CharacterPatch) CharacterSummary {
	next := c.Clone()
	setString(&next.Name, p.Name)
	setString(&next.Image, p.Image)
	setInt(&next.Level, p.Level)
	setInt(&next.MarkedHP, p.MarkedHP)
	setInt(&next.MarkedStress, p.MarkedStress)
	setInt(&next.MarkedHope, p.MarkedHope)
	setInt(&next.MarkedArmor, p.MarkedArmor)
	if p.Conditions != nil {
		next.Conditions = slices.Clone(*p.Conditions)
		if next.Conditions == nil {
			next.Conditions = []string{}
		}
	}
	setString(&next.OwnerUserID, p.OwnerUserID)
	if p.Stats != nil {
		next.Stats = next.Stats.merge(*p.Stats)
	}
	return next
}

func (s CharacterStats) merge(p CharacterStatsPatch) CharacterStats {
	setString(&s.AncestryName, p.AncestryName)
	setString(&s.ClassName, p.ClassName)
	setString(&s.SubclassName, p.SubclassName)
	setInt(&s.MaxHP, p.MaxHP)
	setInt(&s.MaxStress, p.MaxStress)
	setInt(&s.MaxHope, p.MaxHope)
	setInt(&s.MaxArmor, p.MaxArmor)
	setInt(&s.Evasion, p.Evasion)
	if p.Thresholds != nil {
		setInt(&s.Thresholds.Major, p.Thresholds.Major)
		setInt(&s.Thresholds.Severe, p.Thresholds.Severe)
	}
	return s
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
