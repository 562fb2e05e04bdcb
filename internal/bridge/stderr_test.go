package bridge

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatar-engine/avatar-engine/internal/events"
)

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "hello", StripANSI("\x1b[31mhello\x1b[0m"))
	assert.Equal(t, "progress 50%", StripANSI("\x1b[2K\x1b[1Gprogress 50%"))
}

func TestStripANSIInvolutive(t *testing.T) {
	clean := "already clean text with [brackets] and 100% symbols"
	assert.Equal(t, clean, StripANSI(clean))
	assert.Equal(t, StripANSI(clean), StripANSI(StripANSI(clean)))
}

func TestClassifyStderrLevel(t *testing.T) {
	tests := []struct {
		line string
		want events.DiagnosticLevel
	}{
		{"Error: connection refused", events.DiagError},
		{"FATAL: out of memory", events.DiagError},
		{"request failed with status 500", events.DiagError},
		{"unhandled exception in worker", events.DiagError},
		{"Warning: slow response", events.DiagWarning},
		{"this flag is deprecated", events.DiagWarning},
		{"token expires soon", events.DiagWarning},
		{"debug: frame received", events.DiagDebug},
		{"trace id abc123", events.DiagDebug},
		{"starting up", events.DiagInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStderrLevel(tt.line), "line: %s", tt.line)
	}
}

func TestMonitorStderrRingAndEvents(t *testing.T) {
	b := newTestBase(t, nil)

	var diags []*events.Diagnostic
	b.SetOnEvent(func(ev events.Event) {
		if d, ok := ev.(*events.Diagnostic); ok {
			diags = append(diags, d)
		}
	})

	var sb strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&sb, "\x1b[33mline %d\x1b[0m\n", i)
	}
	b.MonitorStderr(strings.NewReader(sb.String()))

	tail := b.StderrTail()
	require.Len(t, tail, stderrRingSize, "ring buffer capped at %d", stderrRingSize)
	assert.Equal(t, "line 10", tail[0], "oldest lines dropped")
	assert.Equal(t, "line 59", tail[len(tail)-1])

	require.Len(t, diags, 60, "every line emits a diagnostic")
	assert.Equal(t, "line 0", diags[0].Message)
	assert.Equal(t, "stderr", diags[0].Source)
}
