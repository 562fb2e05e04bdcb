package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

// ChatStore reads the first ACP agent's session layout:
// <home>/tmp/<sha256(cwd)>/chats/session-*.json. Each file is a single JSON
// document holding the whole conversation.
type ChatStore struct {
	home string
}

// NewChatStore builds a store rooted at the agent home directory.
func NewChatStore(home string) *ChatStore {
	return &ChatStore{home: expandHome(home)}
}

func (s *ChatStore) chatsDir(workingDir string) string {
	sum := sha256.Sum256([]byte(workingDir))
	return filepath.Join(s.home, "tmp", hex.EncodeToString(sum[:]), "chats")
}

type chatFile struct {
	SessionID   string        `json:"sessionId"`
	StartTime   string        `json:"startTime"`
	LastUpdated string        `json:"lastUpdated"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
}

// ListSessions decodes every chat file under the hashed project directory.
func (s *ChatStore) ListSessions(ctx context.Context, workingDir string) ([]types.SessionInfo, error) {
	dir := s.chatsDir(workingDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chats dir: %w", err)
	}

	var infos []types.SessionInfo
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}

		doc, err := readChatFile(filepath.Join(dir, name))
		if err != nil || doc.SessionID == "" {
			continue
		}

		info := types.SessionInfo{
			SessionID:  doc.SessionID,
			Provider:   providers.ACPA,
			WorkingDir: workingDir,
			Title:      chatTitle(doc),
		}
		if ts := parseTimestamp(doc.LastUpdated); !ts.IsZero() {
			info.UpdatedAt = &ts
		} else if ts := parseTimestamp(doc.StartTime); !ts.IsZero() {
			info.UpdatedAt = &ts
		}
		infos = append(infos, info)
	}

	sortNewestFirst(infos)
	return infos, nil
}

// chatTitle prefers the first user message; sessions without one fall back to
// a short id tag so UIs still have something to show.
func chatTitle(doc chatFile) string {
	for _, msg := range doc.Messages {
		if msg.Type != "user" {
			continue
		}
		if text := strings.TrimSpace(decodeTextContent(msg.Content)); text != "" {
			return sessionTitle(text)
		}
	}
	if len(doc.SessionID) >= 8 {
		return "Session " + doc.SessionID[:8]
	}
	return "Session " + doc.SessionID
}

// LoadSessionMessages resolves the session by scanning for filenames carrying
// the first 8 hex characters of the id, then confirms the match against the
// document's own sessionId before trusting it.
func (s *ChatStore) LoadSessionMessages(ctx context.Context, sessionID, workingDir string) ([]types.Message, error) {
	dir := s.chatsDir(workingDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read chats dir: %w", err)
	}

	shortID := sessionID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || !strings.Contains(name, shortID) || !strings.HasSuffix(name, ".json") {
			continue
		}

		doc, err := readChatFile(filepath.Join(dir, name))
		if err != nil || doc.SessionID != sessionID {
			continue
		}
		return chatMessages(doc), nil
	}

	return nil, fmt.Errorf("session %s not found", sessionID)
}

func readChatFile(path string) (chatFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return chatFile{}, err
	}
	var doc chatFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return chatFile{}, err
	}
	return doc, nil
}

// chatMessages maps the file's turn types onto roles. Error entries are agent
// diagnostics, not conversation, and are dropped.
func chatMessages(doc chatFile) []types.Message {
	var messages []types.Message
	for _, msg := range doc.Messages {
		var role types.Role
		switch msg.Type {
		case "user":
			role = types.RoleUser
		case "gemini":
			role = types.RoleAssistant
		default:
			continue
		}

		text := decodeTextContent(msg.Content)
		if strings.TrimSpace(text) == "" {
			continue
		}

		messages = append(messages, types.Message{
			Role:      role,
			Content:   text,
			Timestamp: parseTimestamp(msg.Timestamp),
		})
	}
	return messages
}
