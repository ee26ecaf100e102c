package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/campaign-livesync/internal/platform/errors"
)

// memberSet lists the exact JSON member names an updates object accepts.
// encoding/json folds case when decoding into a struct, so names are
// checked here before the struct decode.
type memberSet map[string]memberShape

type memberShape struct {
	object memberSet // object-valued member
	items  memberSet // array of objects
}

var (
	characterPatchMembers = membersOf(reflect.TypeFor[CharacterPatch]())
	statePatchMembers     = membersOf(reflect.TypeFor[StatePatch]())
)

func membersOf(t reflect.Type) memberSet {
	set := make(memberSet, t.NumField())
	for i := range t.NumField() {
		field := t.Field(i)
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		fieldType := field.Type
		for fieldType.Kind() == reflect.Pointer {
			fieldType = fieldType.Elem()
		}
		var shape memberShape
		switch fieldType.Kind() {
		case reflect.Struct:
			shape.object = membersOf(fieldType)
		case reflect.Slice:
			if fieldType.Elem().Kind() == reflect.Struct {
				shape.items = membersOf(fieldType.Elem())
			}
		}
		set[name] = shape
	}
	return set
}

// checkMembers rejects unknown or differently-cased names and null values,
// including null array elements, anywhere in raw.
func checkMembers(raw json.RawMessage, path string, allowed memberSet) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid "+path, err)
	}
	for key, value := range members {
		memberPath := path + "." + key
		shape, ok := allowed[key]
		if !ok {
			return fieldError(memberPath, "unknown field %s", memberPath)
		}
		if err := checkValue(bytes.TrimSpace(value), memberPath, shape); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(value []byte, path string, shape memberShape) error {
	switch {
	case bytes.Equal(value, []byte("null")):
		return fieldError(path, "%s must not be null", path)
	case shape.object != nil && isJSONObject(value):
		return checkMembers(value, path, shape.object)
	case len(value) > 0 && value[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err != nil {
			return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid "+path, err)
		}
		for i, item := range items {
			itemPath := path + "[" + strconv.Itoa(i) + "]"
			if err := checkValue(bytes.TrimSpace(item), itemPath, memberShape{object: shape.items}); err != nil {
				return err
			}
		}
	}
	return nil
}
