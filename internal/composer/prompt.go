package composer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kalambet/vitastack/internal/profile"
	"github.com/kalambet/vitastack/internal/proxy"
)

// placeholder is rendered for scalar answers the user left blank.
const placeholder = "not specified"

const roleStatement = "You're a licensed functional medicine nutritionist. " +
	"Based on the user data below, create a personalized daily vitamin & supplement protocol."

var instructions = []string{
	"Use evidence-based suggestions.",
	"Mention timing (morning/night), dosage (mg/IU), and form (capsule/powder/etc).",
	"Note any important interactions or cautions.",
	"Keep it clean, professional, and useful.",
}

// Composer turns an intake profile into a chat request for the model service.
type Composer struct {
	Model string
}

// New creates a Composer that targets the given model.
func New(model string) *Composer {
	return &Composer{Model: model}
}

// Compose formats the profile and wraps the prompt as a single user message
// in a streaming ChatRequest.
func (c *Composer) Compose(p profile.Profile) (proxy.ChatRequest, error) {
	msgs := []rawMsg{makeMessage("user", FormatProtocolPrompt(p))}
	marshalled, err := json.Marshal(msgs)
	if err != nil {
		return proxy.ChatRequest{}, fmt.Errorf("marshalling messages: %w", err)
	}
	return proxy.ChatRequest{
		Model:    c.Model,
		Messages: marshalled,
		Stream:   true,
	}, nil
}

// FormatProtocolPrompt renders the fixed protocol prompt for p. It is pure and
// total: absent scalars render as a placeholder and empty lists as "".
func FormatProtocolPrompt(p profile.Profile) string {
	var sb strings.Builder

	sb.WriteString(roleStatement)
	sb.WriteString("\n\nUser Profile:\n")

	line := func(label, value string) {
		sb.WriteString("- ")
		sb.WriteString(label)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteString("\n")
	}

	line("Name", text(p.Name))
	line("Age", intValue(p.Age))
	line("Sex", text(p.Sex))
	line("Weight", measure(p.WeightKg, "kg"))
	line("Height", measure(p.HeightCm, "cm"))
	line("Diet Type", text(p.DietType))
	line("Allergies", join(p.FoodAllergies))
	line("Activity Level", text(p.ActivityLevel))
	line("Sleep Hours", floatValue(p.SleepHours))
	line("Smoking", smoking(p.Smoking))
	line("Alcohol Use", text(p.Alcohol))
	line("Health Goals", join(p.Goals))
	line("Symptoms", join(p.Symptoms))
	line("Current Supplements", join(p.CurrentStack))
	line("Desired Results Timeframe", text(p.Urgency))

	sb.WriteString("\nInstructions:\n")
	for _, ins := range instructions {
		sb.WriteString("- ")
		sb.WriteString(ins)
		sb.WriteString("\n")
	}

	return sb.String()
}

func text(s string) string {
	if s == "" {
		return placeholder
	}
	return s
}

func intValue(v *int) string {
	if v == nil {
		return placeholder
	}
	return strconv.Itoa(*v)
}

func floatValue(v *float64) string {
	if v == nil {
		return placeholder
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func measure(v *float64, unit string) string {
	if v == nil {
		return placeholder
	}
	return floatValue(v) + " " + unit
}

func join(l profile.StringList) string {
	return strings.Join(l, ", ")
}

func smoking(s profile.Smoking) string {
	switch s.Kind {
	case profile.SmokingBoolean:
		if s.Bool {
			return "Yes"
		}
		return "No"
	case profile.SmokingDescriptive:
		return text(s.Text)
	default:
		return placeholder
	}
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// rawMsg is a chat message keyed by JSON field name.
type rawMsg map[string]json.RawMessage

func makeMessage(role, content string) rawMsg {
	m := make(rawMsg)
	m["role"], _ = json.Marshal(role)
	m["content"], _ = json.Marshal(content)
	return m
}
