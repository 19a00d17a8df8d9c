package dialogue

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// Fixed caller-facing lines.
const (
	// ClarificationPrompt is spoken when a recording has no usable speech.
	ClarificationPrompt = "I couldn't hear you clearly. Could you please repeat?"

	// Apology replaces a reply the language model failed to produce.
	Apology = "I apologize, but I'm having trouble processing your request."
)

// Prompts maps each stage to its system instruction.
type Prompts map[Stage]string

// DefaultPrompts returns the instructions of the education sales script.
func DefaultPrompts() Prompts {
	return Prompts{
		StageIntroduction:      "You are a sales agent for our education company. Introduce yourself and the company briefly and professionally.",
		StageQualification:     "Based on the conversation so far, ask 2-3 relevant questions to understand the customer's needs and learning goals.",
		StagePitch:             "Based on the customer's responses, recommend the most suitable course and explain its benefits.",
		StageObjectionHandling: "Address any concerns the customer has raised about the course, such as price, time commitment, or relevance.",
		StageClosing:           "Try to schedule a follow-up call or get a commitment from the customer. Provide next steps.",
	}
}

// For returns the instruction for stage. Unknown stages fall back to the
// introduction.
func (p Prompts) For(stage Stage) string {
	if prompt, ok := p[stage]; ok {
		return prompt
	}
	return p[StageIntroduction]
}

// IntroData is the data available to the introduction template.
type IntroData struct {
	CustomerName string
	PhoneNumber  string
}

// RenderIntro reads the introduction template at path and executes it.
// The file is read on every call so edits apply to the next call.
func RenderIntro(path string, data IntroData) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read intro template: %w", err)
	}
	tmpl, err := template.New("intro").Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("parse intro template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render intro template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ShouldEnd reports whether a reply signals the end of the call: it
// mentions scheduling or a follow up. Advisory only.
func ShouldEnd(reply string) bool {
	lower := strings.ToLower(reply)
	return strings.Contains(lower, "schedule") || strings.Contains(lower, "follow up")
}

const thinkClose = "</think>"

// StripThinking drops a reasoning block ending in </think> and trims the
// remainder.
func StripThinking(text string) string {
	if i := strings.LastIndex(text, thinkClose); i >= 0 {
		text = text[i+len(thinkClose):]
	}
	return strings.TrimSpace(text)
}
