package bridge

import (
	"io"
	"regexp"
	"strings"

	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/pkg/jsonl"
)

// stderrRingSize is how many recent stderr lines are retained for health
// reports and spawn-failure messages.
const stderrRingSize = 50

// ansiRegexp matches CSI escape sequences agents use for terminal colors.
var ansiRegexp = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences from a line.
func StripANSI(s string) string {
	return ansiRegexp.ReplaceAllString(s, "")
}

// ClassifyStderrLevel maps a stderr line to a diagnostic level by keyword.
func ClassifyStderrLevel(line string) events.DiagnosticLevel {
	lower := strings.ToLower(line)
	switch {
	case containsAny(lower, "error", "fatal", "critical", "failed", "exception"):
		return events.DiagError
	case containsAny(lower, "warn", "deprecated", "expir"):
		return events.DiagWarning
	case containsAny(lower, "debug", "trace"):
		return events.DiagDebug
	default:
		return events.DiagInfo
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// MonitorStderr consumes the child's stderr until EOF: each line is stripped
// of ANSI sequences, appended to the ring buffer, emitted as a Diagnostic
// event, and handed to the stderr callback. Run as a goroutine per spawn.
func (b *Base) MonitorStderr(r io.Reader) {
	reader := jsonl.NewLineReader(r)
	for {
		line, err := reader.ReadLine()
		if len(line) > 0 {
			clean := strings.TrimSpace(StripANSI(string(line)))
			if clean != "" {
				b.recordStderr(clean)
				b.EmitEvent(&events.Diagnostic{
					Message: clean,
					Level:   ClassifyStderrLevel(clean),
					Source:  "stderr",
				})
				b.emitStderr(clean)
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Base) recordStderr(line string) {
	b.stderrMu.Lock()
	defer b.stderrMu.Unlock()
	b.stderrRing = append(b.stderrRing, line)
	if len(b.stderrRing) > stderrRingSize {
		b.stderrRing = b.stderrRing[len(b.stderrRing)-stderrRingSize:]
	}
}

// StderrTail returns a copy of the retained stderr lines, oldest first.
func (b *Base) StderrTail() []string {
	b.stderrMu.Lock()
	defer b.stderrMu.Unlock()
	return append([]string(nil), b.stderrRing...)
}
