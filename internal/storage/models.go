package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/vitastack/internal/profile"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// profileColumns lists the user_sessions columns in insert/select order.
const profileColumns = `id, created_at, name, age, sex, weight_kg, height_cm, diet_type, food_allergies,
	activity_level, sleep_hours, smoking, alcohol, goals, symptoms, current_stack, urgency`

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// smokingJSON encodes the smoking answer for a JSON column; unanswered is NULL.
func smokingJSON(s profile.Smoking) ([]byte, error) {
	if s.Kind == profile.SmokingUnknown {
		return nil, nil
	}
	return json.Marshal(s)
}

func decodeSmoking(raw []byte) (profile.Smoking, error) {
	var s profile.Smoking
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decoding smoking: %w", err)
	}
	return s, nil
}

func listOrEmpty(l profile.StringList) []string {
	if l == nil {
		return []string{}
	}
	return l
}
