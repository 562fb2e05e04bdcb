package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/types"
	"github.com/avatar-engine/avatar-engine/pkg/jsonl"
)

// ProjectStore reads the stream-JSON agent's session layout:
// <home>/projects/<encoded-cwd>/<uuid>.jsonl, where the encoded working
// directory replaces every path separator with "-". Each line is one typed
// event; user and assistant lines carry the conversation.
type ProjectStore struct {
	home string
}

// NewProjectStore builds a store rooted at the agent home directory.
func NewProjectStore(home string) *ProjectStore {
	return &ProjectStore{home: expandHome(home)}
}

// interruptedMarker prefixes the synthetic user lines the agent records when
// a turn is aborted; they never make useful titles.
const interruptedMarker = "[Request interrupted"

func (s *ProjectStore) projectDir(workingDir string) string {
	encoded := strings.ReplaceAll(workingDir, string(os.PathSeparator), "-")
	return filepath.Join(s.home, "projects", encoded)
}

// projectLine is the subset of a session event line the store reads.
type projectLine struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ListSessions scans every session file under the encoded project directory.
func (s *ProjectStore) ListSessions(ctx context.Context, workingDir string) ([]types.SessionInfo, error) {
	dir := s.projectDir(workingDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read project dir: %w", err)
	}

	var infos []types.SessionInfo
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		path := filepath.Join(dir, name)
		info := types.SessionInfo{
			SessionID:  strings.TrimSuffix(name, ".jsonl"),
			Provider:   providers.StreamJSON,
			WorkingDir: workingDir,
			Title:      firstUserTitle(path),
		}
		if fi, err := entry.Info(); err == nil {
			mtime := fi.ModTime().UTC()
			info.UpdatedAt = &mtime
		}
		infos = append(infos, info)
	}

	sortNewestFirst(infos)
	return infos, nil
}

// firstUserTitle returns the first real user message in the file, skipping
// interruption markers. Unreadable files yield an empty title rather than an
// error; listing should tolerate a corrupt session.
func firstUserTitle(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	r := jsonl.NewLineReader(f)
	for {
		line, err := r.ReadLine()
		if len(line) > 0 {
			var ev projectLine
			if json.Unmarshal(line, &ev) == nil && ev.Type == "user" {
				text := strings.TrimSpace(decodeTextContent(ev.Message.Content))
				if text != "" && !strings.HasPrefix(text, interruptedMarker) {
					return sessionTitle(text)
				}
			}
		}
		if err != nil {
			return ""
		}
	}
}

// LoadSessionMessages replays the user/assistant lines of one session file.
// Lines whose content reduces to empty text (pure tool traffic) are skipped.
func (s *ProjectStore) LoadSessionMessages(ctx context.Context, sessionID, workingDir string) ([]types.Message, error) {
	path := filepath.Join(s.projectDir(workingDir), sessionID+".jsonl")
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	var messages []types.Message
	r := jsonl.NewLineReader(f)
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line, err := r.ReadLine()
		if len(line) > 0 {
			if msg, ok := parseProjectLine(line); ok {
				messages = append(messages, msg)
			}
		}
		if err == io.EOF {
			return messages, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read session file: %w", err)
		}
	}
}

func parseProjectLine(line []byte) (types.Message, bool) {
	var ev projectLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return types.Message{}, false
	}

	var role types.Role
	switch ev.Type {
	case "user":
		role = types.RoleUser
	case "assistant":
		role = types.RoleAssistant
	default:
		return types.Message{}, false
	}

	text := decodeTextContent(ev.Message.Content)
	if strings.TrimSpace(text) == "" {
		return types.Message{}, false
	}

	return types.Message{
		Role:      role,
		Content:   text,
		Timestamp: parseTimestamp(ev.Timestamp),
	}, true
}
