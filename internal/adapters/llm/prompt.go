package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/PabloGalante/threadchat/internal/domain"
)

const basePersonaPrompt = `
Your name is %[1]s. You are a smart, polite and helpful virtual assistant built on Google's Gemini models.

General style guidelines:
- Answer in %[2]s unless the user clearly writes in another language, then follow the user.
- Be natural and concise. Use Markdown for lists, tables and code.
- If you are not sure about something, say so instead of guessing.
- Always remember that your name is %[1]s.

Current date and time: %[3]s.
`

const searchInstructions = `
Search:
- Use Google Search to check recent facts such as dates, news and live events.
- Never insist on outdated information when newer information is available online.
`

const generalInstructions = `
Mode: general

Focus:
- Everyday questions, writing help, brainstorming and quick explanations.

Tone:
- Friendly and direct.
`

const tutorInstructions = `
Mode: tutor

Focus:
- Explain step by step, starting from what the user already knows.
- Check understanding with one short question at the end.
- Prefer examples over definitions.

Tone:
- Patient, encouraging, never condescending.
`

const coderInstructions = `
Mode: coder

Focus:
- Write correct, idiomatic code and explain the important decisions briefly.
- Point out bugs, edge cases and security problems in code the user shares.
- Always put code in fenced blocks with the language name.

Tone:
- Precise and pragmatic.
`

var localeNames = map[string]string{
	"en": "English",
	"vi": "Vietnamese",
}

// Profile is the generation setup for one interaction mode.
type Profile struct {
	Model       string
	Temperature float32
	TopP        float32
	TopK        float32
}

// Profiles resolves the model and sampling parameters per mode.
type Profiles struct {
	DefaultModel string
	ProModel     string
}

// For returns the profile of a mode; unknown modes get the general profile.
func (p Profiles) For(mode domain.InteractionMode) Profile {
	switch mode {
	case domain.ModeTutor:
		return Profile{Model: p.DefaultModel, Temperature: 0.5, TopP: 0.9, TopK: 40}
	case domain.ModeCoder:
		return Profile{Model: p.ProModel, Temperature: 0.2, TopP: 0.9, TopK: 20}
	default:
		return Profile{Model: p.DefaultModel, Temperature: 0.7, TopP: 0.95, TopK: 40}
	}
}

func modeInstructions(mode domain.InteractionMode) string {
	switch mode {
	case domain.ModeTutor:
		return tutorInstructions
	case domain.ModeCoder:
		return coderInstructions
	case domain.ModeGeneral:
		fallthrough
	default:
		return generalInstructions
	}
}

// BuildSystemPrompt builds the system instruction for a session.
func BuildSystemPrompt(persona string, cfg domain.SessionConfig, now time.Time) string {
	lang, ok := localeNames[cfg.Locale]
	if !ok {
		lang = localeNames["en"]
	}

	var b strings.Builder
	fmt.Fprintf(&b, basePersonaPrompt, persona, lang, now.Format("Monday, 02 January 2006 15:04 MST"))
	if cfg.SearchEnabled {
		b.WriteString(searchInstructions)
	}
	b.WriteString(modeInstructions(cfg.Mode))
	return b.String()
}
