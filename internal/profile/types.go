package profile

import (
	"strings"
	"time"
)

// Profile is one intake submission: the user's health and lifestyle answers
// plus the identifier and timestamp assigned when it is stored.
type Profile struct {
	ID        string    `json:"id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	Name          string   `json:"name"`
	Age           *int     `json:"age"`
	Sex           string   `json:"sex"`
	WeightKg      *float64 `json:"weight_kg"`
	HeightCm      *float64 `json:"height_cm"`
	DietType      string   `json:"diet_type"`
	ActivityLevel string   `json:"activity_level"`
	SleepHours    *float64 `json:"sleep_hours"`
	Smoking       Smoking  `json:"smoking"`
	Alcohol       string   `json:"alcohol"`
	Urgency       string   `json:"urgency"`

	FoodAllergies StringList `json:"food_allergies"`
	Goals         StringList `json:"goals"`
	Symptoms      StringList `json:"symptoms"`
	CurrentStack  StringList `json:"current_stack"`
}

// SmokingKind tags which form a Smoking value holds.
type SmokingKind int

const (
	SmokingUnknown SmokingKind = iota
	SmokingBoolean
	SmokingDescriptive
)

// Smoking is either a yes/no flag or a free-text description
// (e.g. "former, quit 2019"). The zero value means the question was not answered.
type Smoking struct {
	Kind SmokingKind
	Bool bool
	Text string
}

// SmokingFlag returns a Boolean smoking answer.
func SmokingFlag(v bool) Smoking {
	return Smoking{Kind: SmokingBoolean, Bool: v}
}

// SmokingText returns a Descriptive smoking answer.
func SmokingText(s string) Smoking {
	return Smoking{Kind: SmokingDescriptive, Text: s}
}

// StringList is an ordered list of free-text entries.
type StringList []string

// Normalize trims text fields and replaces nil lists with empty ones so the
// profile can be rendered and stored without nil checks.
func (p *Profile) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Sex = strings.TrimSpace(p.Sex)
	p.DietType = strings.TrimSpace(p.DietType)
	p.ActivityLevel = strings.TrimSpace(p.ActivityLevel)
	p.Alcohol = strings.TrimSpace(p.Alcohol)
	p.Urgency = strings.TrimSpace(p.Urgency)
	if p.Smoking.Kind == SmokingDescriptive {
		p.Smoking.Text = strings.TrimSpace(p.Smoking.Text)
	}

	p.FoodAllergies = p.FoodAllergies.normalize()
	p.Goals = p.Goals.normalize()
	p.Symptoms = p.Symptoms.normalize()
	p.CurrentStack = p.CurrentStack.normalize()
}

func (l StringList) normalize() StringList {
	out := make(StringList, 0, len(l))
	for _, s := range l {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
