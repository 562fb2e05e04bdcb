package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/types"
	"github.com/avatar-engine/avatar-engine/pkg/jsonl"
)

// RolloutStore reads the second ACP agent's session layout:
// <home>/sessions/YYYY/MM/DD/rollout-<ts>-<id>.jsonl. The first line of each
// file is a session_meta event carrying the id and working directory;
// response_item events carry the turns.
type RolloutStore struct {
	home string
}

// NewRolloutStore builds a store rooted at the agent home directory.
func NewRolloutStore(home string) *RolloutStore {
	return &RolloutStore{home: expandHome(home)}
}

func (s *RolloutStore) sessionsDir() string {
	return filepath.Join(s.home, "sessions")
}

type rolloutLine struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type rolloutMeta struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Cwd       string `json:"cwd"`
}

type rolloutItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ListSessions walks the dated directory tree and keeps rollouts whose
// recorded cwd matches workingDir.
func (s *RolloutStore) ListSessions(ctx context.Context, workingDir string) ([]types.SessionInfo, error) {
	root := s.sessionsDir()
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var infos []types.SessionInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isRolloutFile(d.Name()) {
			return nil
		}

		meta, title, ok := readRolloutHeader(path)
		if !ok || meta.Cwd != workingDir {
			return nil
		}

		info := types.SessionInfo{
			SessionID:  meta.ID,
			Provider:   providers.ACPB,
			WorkingDir: workingDir,
			Title:      title,
		}
		if fi, err := d.Info(); err == nil {
			mtime := fi.ModTime().UTC()
			info.UpdatedAt = &mtime
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk sessions dir: %w", err)
	}

	sortNewestFirst(infos)
	return infos, nil
}

func isRolloutFile(name string) bool {
	return strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, ".jsonl")
}

// readRolloutHeader parses the session_meta line and scans ahead for the
// first real user message to use as the title.
func readRolloutHeader(path string) (rolloutMeta, string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return rolloutMeta{}, "", false
	}
	defer f.Close()

	r := jsonl.NewLineReader(f)
	line, err := r.ReadLine()
	if len(line) == 0 {
		return rolloutMeta{}, "", false
	}

	var head rolloutLine
	if json.Unmarshal(line, &head) != nil || head.Type != "session_meta" {
		return rolloutMeta{}, "", false
	}
	var meta rolloutMeta
	if json.Unmarshal(head.Payload, &meta) != nil || meta.ID == "" {
		return rolloutMeta{}, "", false
	}

	title := ""
	for err == nil {
		line, err = r.ReadLine()
		if len(line) == 0 {
			continue
		}
		msg, ok := parseRolloutLine(line)
		if ok && msg.Role == types.RoleUser {
			title = sessionTitle(msg.Content)
			break
		}
	}
	return meta, title, true
}

// LoadSessionMessages finds the rollout whose filename carries the session id
// and replays its response items.
func (s *RolloutStore) LoadSessionMessages(ctx context.Context, sessionID, workingDir string) ([]types.Message, error) {
	root := s.sessionsDir()
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	var target string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isRolloutFile(d.Name()) {
			return nil
		}
		if strings.Contains(d.Name(), sessionID) {
			target = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk sessions dir: %w", err)
	}
	if target == "" {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("open rollout: %w", err)
	}
	defer f.Close()

	var messages []types.Message
	r := jsonl.NewLineReader(f)
	for {
		line, err := r.ReadLine()
		if len(line) > 0 {
			if msg, ok := parseRolloutLine(line); ok {
				messages = append(messages, msg)
			}
		}
		if err == io.EOF {
			return messages, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read rollout: %w", err)
		}
	}
}

func parseRolloutLine(line []byte) (types.Message, bool) {
	var ev rolloutLine
	if json.Unmarshal(line, &ev) != nil || ev.Type != "response_item" {
		return types.Message{}, false
	}

	var item rolloutItem
	if json.Unmarshal(ev.Payload, &item) != nil || item.Type != "message" {
		return types.Message{}, false
	}

	var role types.Role
	switch item.Role {
	case "user":
		role = types.RoleUser
	case "assistant":
		role = types.RoleAssistant
	default:
		return types.Message{}, false
	}

	var b strings.Builder
	for _, blk := range item.Content {
		if blk.Type != "input_text" && blk.Type != "output_text" {
			continue
		}
		b.WriteString(blk.Text)
	}
	text := b.String()
	if strings.TrimSpace(text) == "" || isSyntheticText(text) {
		return types.Message{}, false
	}

	return types.Message{
		Role:      role,
		Content:   text,
		Timestamp: parseTimestamp(ev.Timestamp),
	}, true
}

// isSyntheticText detects the instruction and environment blocks the agent
// injects into its own transcript; they are not conversation.
func isSyntheticText(text string) bool {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "# AGENTS.md") {
		return true
	}
	if !strings.HasPrefix(trimmed, "<") {
		return false
	}
	end := strings.IndexByte(trimmed, '>')
	if end < 0 {
		return false
	}
	tag := strings.ToLower(trimmed[:end+1])
	return strings.Contains(tag, "instructions") || strings.Contains(tag, "environment")
}
