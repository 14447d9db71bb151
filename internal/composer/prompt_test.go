package composer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/kalambet/vitastack/internal/profile"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func alex() profile.Profile {
	return profile.Profile{
		Name:          "Alex",
		Age:           intPtr(30),
		Sex:           "F",
		WeightKg:      floatPtr(65),
		HeightCm:      floatPtr(170),
		DietType:      "vegan",
		FoodAllergies: profile.StringList{"peanuts"},
		ActivityLevel: "moderate",
		SleepHours:    floatPtr(7),
		Smoking:       profile.SmokingFlag(false),
		Alcohol:       "occasional",
		Goals:         profile.StringList{"energy", "immunity"},
		Symptoms:      profile.StringList{},
		CurrentStack:  profile.StringList{"vitamin D"},
		Urgency:       "1 month",
	}
}

func TestFormatProtocolPrompt_ProfileLines(t *testing.T) {
	got := FormatProtocolPrompt(alex())

	wantLines := []string{
		"- Name: Alex",
		"- Age: 30",
		"- Sex: F",
		"- Weight: 65 kg",
		"- Height: 170 cm",
		"- Diet Type: vegan",
		"- Allergies: peanuts",
		"- Activity Level: moderate",
		"- Sleep Hours: 7",
		"- Smoking: No",
		"- Alcohol Use: occasional",
		"- Health Goals: energy, immunity",
		"- Symptoms: ",
		"- Current Supplements: vitamin D",
		"- Desired Results Timeframe: 1 month",
	}
	lines := strings.Split(got, "\n")
	for _, want := range wantLines {
		found := false
		for _, l := range lines {
			if l == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("prompt missing line %q:\n%s", want, got)
		}
	}
}

func TestFormatProtocolPrompt_Sections(t *testing.T) {
	got := FormatProtocolPrompt(alex())

	if !strings.HasPrefix(got, "You're a licensed functional medicine nutritionist.") {
		t.Errorf("prompt does not start with role statement: %q", got[:60])
	}

	profileIdx := strings.Index(got, "User Profile:\n")
	instrIdx := strings.Index(got, "Instructions:\n")
	if profileIdx < 0 || instrIdx < 0 || instrIdx < profileIdx {
		t.Fatalf("sections out of order: profile=%d instructions=%d", profileIdx, instrIdx)
	}

	for _, want := range []string{"evidence-based", "timing", "dosage", "form", "interactions", "professional"} {
		if !strings.Contains(got[instrIdx:], want) {
			t.Errorf("instructions missing %q", want)
		}
	}
}

func TestFormatProtocolPrompt_Deterministic(t *testing.T) {
	p := alex()
	first := FormatProtocolPrompt(p)
	for i := 0; i < 10; i++ {
		if got := FormatProtocolPrompt(p); got != first {
			t.Fatalf("output changed on call %d", i)
		}
	}
}

func TestFormatProtocolPrompt_ContainsEveryValue(t *testing.T) {
	p := profile.Profile{
		Name:          "Jordan Lee",
		Age:           intPtr(52),
		Sex:           "M",
		WeightKg:      floatPtr(81.5),
		HeightCm:      floatPtr(183.2),
		DietType:      "mediterranean",
		FoodAllergies: profile.StringList{"shellfish", "lactose"},
		ActivityLevel: "high",
		SleepHours:    floatPtr(6.5),
		Smoking:       profile.SmokingText("quit in 2019"),
		Alcohol:       "none",
		Goals:         profile.StringList{"heart health"},
		Symptoms:      profile.StringList{"joint pain", "fatigue"},
		CurrentStack:  profile.StringList{"omega-3", "CoQ10"},
		Urgency:       "3 months",
	}
	got := FormatProtocolPrompt(p)

	for _, want := range []string{
		"Jordan Lee", "52", "M", "81.5", "183.2", "mediterranean", "high", "6.5",
		"quit in 2019", "none", "3 months",
		"shellfish, lactose", "heart health", "joint pain, fatigue", "omega-3, CoQ10",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestFormatProtocolPrompt_EmptyProfile(t *testing.T) {
	got := FormatProtocolPrompt(profile.Profile{})

	for _, want := range []string{
		"- Name: not specified",
		"- Weight: not specified",
		"- Smoking: not specified",
		"- Allergies: \n",
		"- Health Goals: \n",
		"- Symptoms: \n",
		"- Current Supplements: \n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestFormatProtocolPrompt_SmokingYes(t *testing.T) {
	p := alex()
	p.Smoking = profile.SmokingFlag(true)
	if got := FormatProtocolPrompt(p); !strings.Contains(got, "- Smoking: Yes\n") {
		t.Errorf("expected Smoking: Yes in %q", got)
	}
}

func TestCompose_SingleUserMessage(t *testing.T) {
	c := New("gpt-4o")
	req, err := c.Compose(alex())
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	if req.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", req.Model)
	}
	if !req.Stream {
		t.Error("Stream = false, want true")
	}

	var msgs []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(req.Messages, &msgs); err != nil {
		t.Fatalf("parsing messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Role != "user" {
		t.Errorf("role = %q, want user", msgs[0].Role)
	}
	if msgs[0].Content != FormatProtocolPrompt(alex()) {
		t.Error("message content does not match formatted prompt")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(\"\") = %d, want 0", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("EstimateTokens(abcde) = %d, want 2", got)
	}
}
