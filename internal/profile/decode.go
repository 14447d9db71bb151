package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrMalformed is returned when an intake payload cannot be decoded into a Profile.
var ErrMalformed = errors.New("malformed profile payload")

// Decode parses a single intake payload. Fields are optional; the result is
// normalized and carries no identifier or timestamp (those are assigned by storage).
func Decode(data []byte) (Profile, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Profile{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if data[0] != '{' {
		return Profile{}, fmt.Errorf("%w: payload must be a JSON object", ErrMalformed)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	p.ID = ""
	p.CreatedAt = time.Time{}
	p.Normalize()
	return p, nil
}

func (s Smoking) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case SmokingBoolean:
		return json.Marshal(s.Bool)
	case SmokingDescriptive:
		return json.Marshal(s.Text)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a boolean, a string, a number or a flat object.
// Objects are flattened to "key: value" pairs in key order.
func (s *Smoking) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = Smoking{}
		return nil
	}

	switch data[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*s = SmokingFlag(b)
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			*s = Smoking{}
			return nil
		}
		*s = SmokingText(text)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			v, ok, err := scalarText(obj[k])
			if err != nil {
				return fmt.Errorf("smoking.%s: %w", k, err)
			}
			if !ok {
				continue
			}
			parts = append(parts, k+": "+v)
		}
		if len(parts) == 0 {
			*s = Smoking{}
			return nil
		}
		*s = SmokingText(strings.Join(parts, ", "))
	case '[':
		return errors.New("smoking must be a boolean, string or object")
	default:
		v, _, err := scalarText(data)
		if err != nil {
			return err
		}
		*s = SmokingText(v)
	}
	return nil
}

// UnmarshalJSON accepts an array of scalars (coerced to text, nulls dropped),
// a single string, or null.
func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = StringList{}
		return nil
	}

	if data[0] != '[' {
		v, ok, err := scalarText(data)
		if err != nil {
			return err
		}
		if !ok {
			*l = StringList{}
			return nil
		}
		*l = StringList{v}
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(StringList, 0, len(raw))
	for i, item := range raw {
		v, ok, err := scalarText(item)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if ok {
			out = append(out, v)
		}
	}
	*l = out
	return nil
}

// scalarText renders a JSON scalar as plain text. ok is false for null.
func scalarText(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", false, err
		}
		if b {
			return "true", true, nil
		}
		return "false", true, nil
	case '{', '[':
		return "", false, errors.New("nested values are not supported")
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false, err
		}
		return n.String(), true, nil
	}
}
