package engine

import (
	"strings"

	"github.com/avatar-engine/avatar-engine/internal/events"
)

// ExtractBoldSubject splits a reasoning chunk around its first **…** span.
// The inner text becomes the subject; the surrounding text, joined and
// trimmed, becomes the description. No span means an empty subject.
func ExtractBoldSubject(text string) (subject, description string) {
	start := strings.Index(text, "**")
	if start < 0 {
		return "", strings.TrimSpace(text)
	}
	rest := text[start+2:]
	end := strings.Index(rest, "**")
	if end < 0 {
		return "", strings.TrimSpace(text)
	}

	subject = strings.TrimSpace(rest[:end])
	description = strings.TrimSpace(strings.TrimSpace(text[:start]) + " " + strings.TrimSpace(rest[end+2:]))
	return subject, description
}

// thinkingKeywords maps phases to their marker substrings, in match priority
// order.
var thinkingKeywords = []struct {
	phase    events.ThinkingPhase
	keywords []string
}{
	{events.PhaseAnalyzing, []string{"analy", "examin", "read"}},
	{events.PhasePlanning, []string{"plan", "approach", "steps"}},
	{events.PhaseCoding, []string{"implement", "writ"}},
	{events.PhaseReviewing, []string{"check", "verify", "test"}},
	{events.PhaseToolPlanning, []string{"tool", "execute", "invok"}},
}

// ClassifyThinking labels a reasoning chunk with a phase by keyword
// heuristic. Earlier phases win ties.
func ClassifyThinking(text string) events.ThinkingPhase {
	lower := strings.ToLower(text)
	for _, entry := range thinkingKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.phase
			}
		}
	}
	return events.PhaseGeneral
}

// thinkingCache classifies each reasoning block once. A block is a
// consecutive run of chunks sharing a BlockID; providers that assign no ids
// leave it empty, so an empty id is a valid run too, delimited by
// IsStart/IsComplete markers and turn boundaries. Within a run every chunk
// reuses the first chunk's subject and phase, so a growing thought is never
// re-parsed.
type thinkingCache struct {
	primed   bool
	blockID  string
	phase    events.ThinkingPhase
	subject  string
	classify func(string) events.ThinkingPhase
}

func newThinkingCache() *thinkingCache {
	return &thinkingCache{classify: ClassifyThinking}
}

// reset closes the current run; the next chunk classifies anew.
func (c *thinkingCache) reset() {
	c.primed = false
	c.blockID = ""
	c.phase = ""
	c.subject = ""
}

// annotate fills Phase and Subject on the event, classifying only on the
// first chunk of a run, an explicit IsStart, or a block id change.
func (c *thinkingCache) annotate(th *events.Thinking) {
	if th.IsStart || !c.primed || th.BlockID != c.blockID {
		c.primed = true
		c.blockID = th.BlockID
		c.phase = c.classify(th.Thought)
		c.subject, _ = ExtractBoldSubject(th.Thought)
	}
	th.Phase = c.phase
	if th.Subject == "" {
		th.Subject = c.subject
	}
}
