// Package sessions reads the conversation files agents keep on disk. It is
// the fallback used when a live agent cannot list or load its own sessions:
// each provider stores sessions in a different layout, so the package ships
// one read-only store per layout.
package sessions

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// Store is the read-only view over one agent's stored sessions.
type Store interface {
	// ListSessions returns sessions recorded for workingDir, newest first
	// with unknown timestamps last.
	ListSessions(ctx context.Context, workingDir string) ([]types.SessionInfo, error)

	// LoadSessionMessages reconstructs the user/assistant turns of one
	// session. Tool traffic and synthetic context blocks are skipped.
	LoadSessionMessages(ctx context.Context, sessionID, workingDir string) ([]types.Message, error)
}

// ForProvider returns the store matching a provider's on-disk layout. home is
// the agent's state directory, "~" expanded lazily.
func ForProvider(p providers.Provider, home string) Store {
	switch p {
	case providers.StreamJSON:
		return NewProjectStore(home)
	case providers.ACPA:
		return NewChatStore(home)
	case providers.ACPB:
		return NewRolloutStore(home)
	}
	return nil
}

const maxTitleLen = 80

// sessionTitle normalizes a message into a single-line title capped at 80
// characters.
func sessionTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen])
	}
	return text
}

// sortNewestFirst orders by UpdatedAt descending, nil timestamps last. The
// sort is stable so equal timestamps keep directory order.
func sortNewestFirst(list []types.SessionInfo) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].UpdatedAt, list[j].UpdatedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}

// decodeTextContent extracts plain text from a message content field that is
// either a bare string or a list of typed blocks.
func decodeTextContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type != "" && blk.Type != "text" {
			continue
		}
		b.WriteString(blk.Text)
	}
	return b.String()
}
