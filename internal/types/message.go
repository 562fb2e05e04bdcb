package types

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Role is a conversation participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a bridge's conversation history. Histories are
// append-only; the bridge mutates them under its history lock.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ToolCall records one tool invocation observed during a turn.
type ToolCall struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Attachment is a file handed to the agent alongside a prompt. Immutable once
// created; the transfer encoding (inline base64 vs resource link) is decided
// later by the bridge based on size.
type Attachment struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// AttachmentFromFile stats path and derives the mime type from its extension.
func AttachmentFromFile(path string) (Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return Attachment{}, fmt.Errorf("attachment %s is a directory", path)
	}

	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = "application/octet-stream"
	}
	// TypeByExtension may return parameters ("text/plain; charset=utf-8").
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	return Attachment{
		Path:     path,
		MimeType: mt,
		Filename: filepath.Base(path),
		Size:     info.Size(),
	}, nil
}

func (a Attachment) IsImage() bool { return strings.HasPrefix(a.MimeType, "image/") }
func (a Attachment) IsAudio() bool { return strings.HasPrefix(a.MimeType, "audio/") }
func (a Attachment) IsPDF() bool   { return a.MimeType == "application/pdf" }
