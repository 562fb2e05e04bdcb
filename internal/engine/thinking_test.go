package engine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatar-engine/avatar-engine/internal/events"
)

func TestExtractBoldSubject(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		subject     string
		description string
	}{
		{
			name:        "subject with surrounding text",
			text:        "Now **Reading the config** to find the port",
			subject:     "Reading the config",
			description: "Now to find the port",
		},
		{
			name:        "leading subject",
			text:        "**Planning** the next steps",
			subject:     "Planning",
			description: "the next steps",
		},
		{
			name:        "no bold span",
			text:        "just plain reasoning",
			subject:     "",
			description: "just plain reasoning",
		},
		{
			name:        "unterminated span",
			text:        "half **open marker",
			subject:     "",
			description: "half **open marker",
		},
		{
			name:        "only first span counts",
			text:        "**first** then **second**",
			subject:     "first",
			description: "then **second**",
		},
		{
			name:        "empty input",
			text:        "",
			subject:     "",
			description: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, description := ExtractBoldSubject(tt.text)
			assert.Equal(t, tt.subject, subject)
			assert.Equal(t, tt.description, description)
		})
	}
}

func TestClassifyThinking(t *testing.T) {
	tests := []struct {
		text  string
		phase events.ThinkingPhase
	}{
		{"analyzing the stack trace", events.PhaseAnalyzing},
		{"Examining the handler", events.PhaseAnalyzing},
		{"reading the source first", events.PhaseAnalyzing},
		{"planning the migration", events.PhasePlanning},
		{"a different approach here", events.PhasePlanning},
		{"breaking into steps", events.PhasePlanning},
		{"implementing the parser", events.PhaseCoding},
		{"writing the loop body", events.PhaseCoding},
		{"checking the invariant", events.PhaseReviewing},
		{"verify the output", events.PhaseReviewing},
		{"running the test suite", events.PhaseReviewing},
		{"which tool to use", events.PhaseToolPlanning},
		{"execute the command", events.PhaseToolPlanning},
		{"invoking the formatter", events.PhaseToolPlanning},
		{"hmm, interesting", events.PhaseGeneral},
		{"", events.PhaseGeneral},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.phase, ClassifyThinking(tt.text), "text=%q", tt.text)
	}
}

func TestClassifyThinkingPriority(t *testing.T) {
	// "read" beats "plan" beats "writ" beats "test" beats "tool".
	assert.Equal(t, events.PhaseAnalyzing, ClassifyThinking("read the plan"))
	assert.Equal(t, events.PhasePlanning, ClassifyThinking("plan what to write"))
	assert.Equal(t, events.PhaseCoding, ClassifyThinking("write the test"))
	assert.Equal(t, events.PhaseReviewing, ClassifyThinking("test the tool"))
}

func TestThinkingCacheClassifiesOncePerBlock(t *testing.T) {
	cache := newThinkingCache()

	var calls int
	cache.classify = func(text string) events.ThinkingPhase {
		calls++
		return ClassifyThinking(text)
	}

	// A growing 4 KiB thought split across 100 chunks of one block.
	base := strings.Repeat("analyzing the request in depth ", 5)
	for i := 0; i < 100; i++ {
		th := &events.Thinking{
			Thought: fmt.Sprintf("%s chunk %d", base, i),
			BlockID: "block-1",
		}
		cache.annotate(th)
		assert.Equal(t, events.PhaseAnalyzing, th.Phase)
	}
	assert.Equal(t, 1, calls, "one classification per block")

	cache.annotate(&events.Thinking{Thought: "planning now", BlockID: "block-2"})
	assert.Equal(t, 2, calls, "new block reclassifies")
}

func TestThinkingCacheEmptyBlockIDClassifiesOnce(t *testing.T) {
	cache := newThinkingCache()

	var calls int
	cache.classify = func(text string) events.ThinkingPhase {
		calls++
		return ClassifyThinking(text)
	}

	// Providers without block ids grow one thought across many chunks.
	var thought strings.Builder
	for i := 0; i < 100; i++ {
		thought.WriteString("analyzing the request in depth ")
		th := &events.Thinking{Thought: thought.String()}
		cache.annotate(th)
		assert.Equal(t, events.PhaseAnalyzing, th.Phase)
	}
	assert.Equal(t, 1, calls, "a run of id-less chunks is one block")

	// An explicit start marker opens a new run even with the same empty id.
	cache.annotate(&events.Thinking{Thought: "planning next steps", IsStart: true})
	assert.Equal(t, 2, calls)
}

func TestThinkingCacheResetStartsNewRun(t *testing.T) {
	cache := newThinkingCache()

	var calls int
	cache.classify = func(text string) events.ThinkingPhase {
		calls++
		return ClassifyThinking(text)
	}

	cache.annotate(&events.Thinking{Thought: "checking the tests"})
	cache.annotate(&events.Thinking{Thought: "checking the tests still"})
	require.Equal(t, 1, calls)

	cache.reset()
	cache.annotate(&events.Thinking{Thought: "checking the tests again"})
	assert.Equal(t, 2, calls, "reset closes the run")
}

func TestThinkingCacheKeepsSubject(t *testing.T) {
	cache := newThinkingCache()

	first := &events.Thinking{Thought: "**Reading config** for ports", BlockID: "b1"}
	cache.annotate(first)
	assert.Equal(t, "Reading config", first.Subject)

	later := &events.Thinking{Thought: "more of the same block", BlockID: "b1"}
	cache.annotate(later)
	assert.Equal(t, "Reading config", later.Subject, "subject reused within a block")
}
