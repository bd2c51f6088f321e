package llm

import (
	"strings"
	"testing"
)

func TestParseInterviewConfigDefaults(t *testing.T) {
	cfg, err := ParseInterviewConfig([]byte(`{}`))
	if err != nil {
		t.Fatalf("ParseInterviewConfig: %v", err)
	}

	want := InterviewConfig{
		Title:           "Software Engineer",
		Recruiter:       "the hiring team",
		Position:        "Full-time",
		ExperienceYears: "3+",
		Place:           "Worldwide",
		WorkMode:        "Hybrid",
		Difficulty:      "medium",
		InterviewType:   "technical",
		Personality:     "professional",
	}
	if cfg.Title != want.Title || cfg.Recruiter != want.Recruiter ||
		cfg.Difficulty != want.Difficulty || cfg.InterviewType != want.InterviewType ||
		cfg.Personality != want.Personality || cfg.ExperienceYears != want.ExperienceYears {
		t.Errorf("defaults = %+v, want %+v", cfg, want)
	}
}

func TestParseInterviewConfigInvalidEnums(t *testing.T) {
	cfg, err := ParseInterviewConfig([]byte(`{
		"difficulty": "brutal",
		"interview_type": "trivia",
		"ai_personality": "sarcastic"
	}`))
	if err != nil {
		t.Fatalf("ParseInterviewConfig: %v", err)
	}
	if cfg.Difficulty != "medium" {
		t.Errorf("Difficulty = %q, want medium", cfg.Difficulty)
	}
	if cfg.InterviewType != "technical" {
		t.Errorf("InterviewType = %q, want technical", cfg.InterviewType)
	}
	if cfg.Personality != "professional" {
		t.Errorf("Personality = %q, want professional", cfg.Personality)
	}
}

func TestParseInterviewConfigCaseFolding(t *testing.T) {
	cfg, err := ParseInterviewConfig([]byte(`{"difficulty":"HARD","interview_type":"Behavioral"}`))
	if err != nil {
		t.Fatalf("ParseInterviewConfig: %v", err)
	}
	if cfg.Difficulty != "hard" || cfg.InterviewType != "behavioral" {
		t.Errorf("got %q/%q, want hard/behavioral", cfg.Difficulty, cfg.InterviewType)
	}
}

func TestParseInterviewConfigMalformed(t *testing.T) {
	cfg, err := ParseInterviewConfig([]byte(`not json`))
	if err == nil {
		t.Fatal("malformed config should return an error")
	}
	// Malformed input still yields a usable default config.
	if cfg.Difficulty != "medium" || cfg.Title != "Software Engineer" {
		t.Errorf("fallback config = %+v, want defaults", cfg)
	}
}

func TestExperienceYearsAcceptsNumbers(t *testing.T) {
	cfg, err := ParseInterviewConfig([]byte(`{"experience_years": 5}`))
	if err != nil {
		t.Fatalf("ParseInterviewConfig: %v", err)
	}
	if cfg.ExperienceYears != "5" {
		t.Errorf("ExperienceYears = %q, want 5", cfg.ExperienceYears)
	}
}

func TestBuildInterviewPrompt(t *testing.T) {
	cfg, err := ParseInterviewConfig([]byte(`{
		"title": "Backend Engineer",
		"recruiter": "Dana",
		"required_skills": ["Go", "Postgres"],
		"difficulty": "hard",
		"interview_type": "technical",
		"ai_personality": "direct"
	}`))
	if err != nil {
		t.Fatal(err)
	}

	prompt := BuildInterviewPrompt(cfg, "User: hi\nAssistant: hello", "I built the caching layer.")

	for _, want := range []string{
		"**Dana**",
		"HARD TECHNICAL",
		"Backend Engineer (Full-time)",
		"Go, Postgres",
		"system design, optimization, or edge-case",
		"concise, no fluff",
		"exactly ONE",
		"End with a question mark",
		"Candidate: I built the caching layer.",
		"User: hi",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildInterviewPromptEmptyContext(t *testing.T) {
	prompt := BuildInterviewPrompt(DefaultInterviewConfig(), "", "hello")
	if !strings.Contains(prompt, "No previous conversation.") {
		t.Error("empty context should render as 'No previous conversation.'")
	}
	if !strings.Contains(prompt, "not specified") {
		t.Error("missing skills/responsibilities should render as 'not specified'")
	}
}

func TestStyleGuideCoversAllPairs(t *testing.T) {
	for diff := range validDifficulties {
		for itype := range validTypes {
			if _, ok := styleGuide[[2]string{diff, itype}]; !ok {
				t.Errorf("styleGuide missing (%s, %s)", diff, itype)
			}
		}
	}
}
