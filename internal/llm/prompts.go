package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Fixed replies used by the orchestrator when the normal generation path is
// unavailable or the candidate ends the conversation.
const (
	FarewellReply = "Goodbye! It was nice talking with you."
	FallbackReply = "I'm sorry, I'm having trouble processing that right now. Could you rephrase your question?"
)

// InterviewConfig describes the session's interview setup. All fields are
// optional on the wire; unknown or missing enum values fall back to defaults.
// Once set on a session it is immutable.
type InterviewConfig struct {
	Title            string     `json:"title"`
	Recruiter        string     `json:"recruiter"`
	Description      string     `json:"description"`
	Position         string     `json:"position"`
	RequiredSkills   []string   `json:"required_skills"`
	Responsibilities []string   `json:"responsibilities"`
	ExperienceYears  flexString `json:"experience_years"`
	Place            string     `json:"place"`
	WorkMode         string     `json:"work_mode"`
	Difficulty       string     `json:"difficulty"`
	InterviewType    string     `json:"interview_type"`
	Personality      string     `json:"ai_personality"`
}

// flexString accepts both JSON strings and numbers; the frontend sent either
// for experience_years.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

var (
	validDifficulties  = map[string]bool{"easy": true, "medium": true, "hard": true}
	validTypes         = map[string]bool{"technical": true, "behavioral": true, "culture-fit": true, "case-study": true}
	validPersonalities = map[string]bool{"friendly": true, "professional": true, "direct": true, "empathetic": true}
)

// DefaultInterviewConfig returns the configuration used when no handshake
// message arrives in time.
func DefaultInterviewConfig() InterviewConfig {
	cfg := InterviewConfig{}
	cfg.Normalize()
	return cfg
}

// ParseInterviewConfig decodes a handshake payload and applies defaults.
func ParseInterviewConfig(data []byte) (InterviewConfig, error) {
	var cfg InterviewConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultInterviewConfig(), fmt.Errorf("invalid interview config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize fills defaults and folds enum fields to their valid sets.
func (c *InterviewConfig) Normalize() {
	if c.Title == "" {
		c.Title = "Software Engineer"
	}
	if c.Recruiter == "" {
		c.Recruiter = "the hiring team"
	}
	if c.Position == "" {
		c.Position = "Full-time"
	}
	if c.ExperienceYears == "" {
		c.ExperienceYears = "3+"
	}
	if c.Place == "" {
		c.Place = "Worldwide"
	}
	if c.WorkMode == "" {
		c.WorkMode = "Hybrid"
	}
	c.Difficulty = strings.ToLower(strings.TrimSpace(c.Difficulty))
	if !validDifficulties[c.Difficulty] {
		c.Difficulty = "medium"
	}
	c.InterviewType = strings.ToLower(strings.TrimSpace(c.InterviewType))
	if !validTypes[c.InterviewType] {
		c.InterviewType = "technical"
	}
	c.Personality = strings.ToLower(strings.TrimSpace(c.Personality))
	if !validPersonalities[c.Personality] {
		c.Personality = "professional"
	}
}

// toneMap translates the recruiter personality into a prompt tone.
var toneMap = map[string]string{
	"friendly":     "warm, encouraging, conversational",
	"professional": "clear, structured, corporate",
	"direct":       "concise, no fluff, straight to the point",
	"empathetic":   "supportive, understanding, emotionally aware",
}

// styleGuide selects one question-style instruction per (difficulty, type).
var styleGuide = map[[2]string]string{
	{"easy", "technical"}:   "Ask a basic concept question with example.",
	{"medium", "technical"}: "Ask a practical coding or architecture question.",
	{"hard", "technical"}:   "Ask a system design, optimization, or edge-case question.",

	{"easy", "behavioral"}:   "Ask a simple STAR situation question.",
	{"medium", "behavioral"}: "Ask about conflict, leadership, or failure.",
	{"hard", "behavioral"}:   "Ask about high-stakes decisions or ethical dilemmas.",

	{"easy", "culture-fit"}:   "Ask about work style or team preference.",
	{"medium", "culture-fit"}: "Ask about values or remote work habits.",
	{"hard", "culture-fit"}:   "Ask about handling ambiguity or company mission alignment.",

	{"easy", "case-study"}:   "Give a simple business scenario.",
	{"medium", "case-study"}: "Give a product prioritization or scaling case.",
	{"hard", "case-study"}:   "Give a complex trade-off or market entry case.",
}

func joinOrDefault(items []string) string {
	if len(items) == 0 {
		return "not specified"
	}
	return strings.Join(items, ", ")
}

// BuildInterviewPrompt assembles the full recruiter prompt for one candidate
// utterance: persona tone, job block, question-style instruction for the
// (difficulty, type) pair, recent conversation context and an explicit
// single-question constraint.
func BuildInterviewPrompt(cfg InterviewConfig, context, candidateInput string) string {
	tone, ok := toneMap[cfg.Personality]
	if !ok {
		tone = "professional"
	}

	styleInstruction, ok := styleGuide[[2]string{cfg.Difficulty, cfg.InterviewType}]
	if !ok {
		styleInstruction = "Ask a relevant follow-up question."
	}

	var jobBlock strings.Builder
	fmt.Fprintf(&jobBlock, "**Job:** %s (%s)\n", cfg.Title, cfg.Position)
	fmt.Fprintf(&jobBlock, "**Recruiter:** %s\n", cfg.Recruiter)
	fmt.Fprintf(&jobBlock, "**Location:** %s – %s\n", cfg.Place, cfg.WorkMode)
	fmt.Fprintf(&jobBlock, "**Experience:** %s years\n", cfg.ExperienceYears)
	fmt.Fprintf(&jobBlock, "**Skills:** %s\n", joinOrDefault(cfg.RequiredSkills))
	fmt.Fprintf(&jobBlock, "**Responsibilities:** %s", joinOrDefault(cfg.Responsibilities))
	if cfg.Description != "" {
		fmt.Fprintf(&jobBlock, "\n**Description:** %s", cfg.Description)
	}

	if context == "" {
		context = "No previous conversation."
	}

	return fmt.Sprintf(`You are **%s**, a %s recruiter conducting a **%s %s** interview.

Job Details:
%s

Interview Style:
%s
- Ask **exactly ONE** question.
- Match the **%s difficulty** and **%s type**.
- Use **%s** tone.
- **End with a question mark**.
- Do NOT give hints, answers, or feedback.

Conversation so far:
%s

Candidate: %s

Recruiter (you):`,
		cfg.Recruiter, tone, strings.ToUpper(cfg.Difficulty), strings.ToUpper(cfg.InterviewType),
		jobBlock.String(),
		styleInstruction,
		cfg.Difficulty, cfg.InterviewType,
		tone,
		context,
		candidateInput,
	)
}
