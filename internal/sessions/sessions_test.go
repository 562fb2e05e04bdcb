package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatar-engine/avatar-engine/internal/providers"
	"github.com/avatar-engine/avatar-engine/internal/types"
)

const workDir = "/work/app"

func writeFixture(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestForProvider(t *testing.T) {
	assert.IsType(t, &ProjectStore{}, ForProvider(providers.StreamJSON, "~/.agent"))
	assert.IsType(t, &ChatStore{}, ForProvider(providers.ACPA, "~/.agent"))
	assert.IsType(t, &RolloutStore{}, ForProvider(providers.ACPB, "~/.agent"))
	assert.Nil(t, ForProvider(providers.Provider("bogus"), "~/.agent"))
}

func TestSessionTitle(t *testing.T) {
	assert.Equal(t, "fix the bug", sessionTitle("  fix\nthe\tbug  "))

	long := strings.Repeat("abcdefghij", 10) // 100 chars
	assert.Len(t, sessionTitle(long), 80)
}

// --- stream-JSON project layout ---

const projectSession = `{"type":"summary","summary":"irrelevant"}
{"type":"user","message":{"role":"user","content":"[Request interrupted by user]"},"timestamp":"2026-01-10T10:00:00Z"}
{"type":"user","message":{"role":"user","content":"Fix the flaky websocket test"},"timestamp":"2026-01-10T10:00:05Z"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking at the test now."},{"type":"tool_use","id":"t1","name":"read_file","input":{}}]},"timestamp":"2026-01-10T10:00:09Z"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t2","name":"grep","input":{}}]},"timestamp":"2026-01-10T10:00:10Z"}
`

func projectDirFor(home string) string {
	encoded := strings.ReplaceAll(workDir, string(os.PathSeparator), "-")
	return filepath.Join(home, "projects", encoded)
}

func TestProjectStoreListSessions(t *testing.T) {
	home := t.TempDir()
	dir := projectDirFor(home)

	older := filepath.Join(dir, "11111111-aaaa-bbbb-cccc-000000000001.jsonl")
	newer := filepath.Join(dir, "22222222-aaaa-bbbb-cccc-000000000002.jsonl")
	writeFixture(t, older, projectSession)
	writeFixture(t, newer, `{"type":"user","message":{"role":"user","content":"Second session"},"timestamp":"2026-01-11T08:00:00Z"}`+"\n")

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(older, base, base))
	require.NoError(t, os.Chtimes(newer, base.Add(time.Hour), base.Add(time.Hour)))

	store := NewProjectStore(home)
	infos, err := store.ListSessions(context.Background(), workDir)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "22222222-aaaa-bbbb-cccc-000000000002", infos[0].SessionID, "newest first")
	assert.Equal(t, "Second session", infos[0].Title)
	assert.Equal(t, providers.StreamJSON, infos[0].Provider)
	require.NotNil(t, infos[0].UpdatedAt)

	assert.Equal(t, "Fix the flaky websocket test", infos[1].Title,
		"interrupted marker must not become the title")
}

func TestProjectStoreListMissingDir(t *testing.T) {
	store := NewProjectStore(t.TempDir())
	infos, err := store.ListSessions(context.Background(), workDir)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestProjectStoreLoadSessionMessages(t *testing.T) {
	home := t.TempDir()
	id := "11111111-aaaa-bbbb-cccc-000000000001"
	writeFixture(t, filepath.Join(projectDirFor(home), id+".jsonl"), projectSession)

	store := NewProjectStore(home)
	msgs, err := store.LoadSessionMessages(context.Background(), id, workDir)
	require.NoError(t, err)
	require.Len(t, msgs, 3, "tool-only assistant line must be dropped")

	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "[Request interrupted by user]", msgs[0].Content)
	assert.Equal(t, "Fix the flaky websocket test", msgs[1].Content)
	assert.Equal(t, types.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Looking at the test now.", msgs[2].Content)
	assert.Equal(t, time.Date(2026, 1, 10, 10, 0, 9, 0, time.UTC), msgs[2].Timestamp)
}

func TestProjectStoreLoadUnknownSession(t *testing.T) {
	store := NewProjectStore(t.TempDir())
	_, err := store.LoadSessionMessages(context.Background(), "deadbeef", workDir)
	assert.ErrorContains(t, err, "not found")
}

// --- first ACP agent chat layout ---

func chatsDirFor(home string) string {
	sum := sha256.Sum256([]byte(workDir))
	return filepath.Join(home, "tmp", hex.EncodeToString(sum[:]), "chats")
}

const chatSession = `{
  "sessionId": "aaaabbbb-1111-2222-3333-444455556666",
  "startTime": "2026-01-12T09:15:00Z",
  "lastUpdated": "2026-01-12T09:30:00Z",
  "messages": [
    {"type": "user", "content": "Summarize the repo", "timestamp": "2026-01-12T09:15:01Z"},
    {"type": "gemini", "content": "It is a Go service.", "timestamp": "2026-01-12T09:15:20Z"},
    {"type": "error", "content": "transient upstream error", "timestamp": "2026-01-12T09:16:00Z"}
  ]
}`

func TestChatStoreListSessions(t *testing.T) {
	home := t.TempDir()
	dir := chatsDirFor(home)

	writeFixture(t, filepath.Join(dir, "session-2026-01-12T09-15-aaaabbbb.json"), chatSession)
	writeFixture(t, filepath.Join(dir, "session-2026-01-13T10-00-ccccdddd.json"), `{
  "sessionId": "ccccdddd-9999-8888-7777-666655554444",
  "startTime": "2026-01-13T10:00:00Z",
  "messages": [{"type": "gemini", "content": "unsolicited greeting"}]
}`)
	writeFixture(t, filepath.Join(dir, "notes.txt"), "not a session")

	store := NewChatStore(home)
	infos, err := store.ListSessions(context.Background(), workDir)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	// lastUpdated missing on the second file, so startTime orders it first.
	assert.Equal(t, "ccccdddd-9999-8888-7777-666655554444", infos[0].SessionID)
	assert.Equal(t, "Session ccccdddd", infos[0].Title, "no user message falls back to id tag")
	assert.Equal(t, "Summarize the repo", infos[1].Title)
	assert.Equal(t, providers.ACPA, infos[1].Provider)
}

func TestChatStoreLoadSessionMessages(t *testing.T) {
	home := t.TempDir()
	dir := chatsDirFor(home)

	// Decoy shares the 8-char prefix in its filename but holds another id.
	writeFixture(t, filepath.Join(dir, "session-2026-01-11T08-00-aaaabbbb-old.json"),
		`{"sessionId": "aaaabbbb-0000-0000-0000-000000000000", "messages": []}`)
	writeFixture(t, filepath.Join(dir, "session-2026-01-12T09-15-aaaabbbb.json"), chatSession)

	store := NewChatStore(home)
	msgs, err := store.LoadSessionMessages(context.Background(), "aaaabbbb-1111-2222-3333-444455556666", workDir)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "error entries are not conversation")

	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "Summarize the repo", msgs[0].Content)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "It is a Go service.", msgs[1].Content)
}

func TestChatStoreLoadUnknownSession(t *testing.T) {
	home := t.TempDir()
	writeFixture(t, filepath.Join(chatsDirFor(home), "session-x-eeee0000.json"),
		`{"sessionId": "eeee0000-1111-2222-3333-444455556666", "messages": []}`)

	store := NewChatStore(home)
	_, err := store.LoadSessionMessages(context.Background(), "ffffffff-0000-0000-0000-000000000000", workDir)
	assert.ErrorContains(t, err, "not found")
}

// --- second ACP agent rollout layout ---

const rolloutID = "0199a213-81ac-7800-8000-111122223333"

const rolloutSession = `{"timestamp":"2026-01-15T10:00:00Z","type":"session_meta","payload":{"id":"` + rolloutID + `","timestamp":"2026-01-15T10:00:00Z","cwd":"/work/app"}}
{"timestamp":"2026-01-15T10:00:01Z","type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"<user_instructions>always be terse</user_instructions>"}]}}
{"timestamp":"2026-01-15T10:00:01Z","type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"<environment_context>cwd=/work/app</environment_context>"}]}}
{"timestamp":"2026-01-15T10:00:01Z","type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"# AGENTS.md instructions for the tree"}]}}
{"timestamp":"2026-01-15T10:00:02Z","type":"response_item","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"Rename the config package"}]}}
{"timestamp":"2026-01-15T10:00:05Z","type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Done. Renamed to settings."}]}}
{"timestamp":"2026-01-15T10:00:06Z","type":"response_item","payload":{"type":"reasoning","summary":[]}}
{"timestamp":"2026-01-15T10:00:07Z","type":"response_item","payload":{"type":"function_call","name":"shell","arguments":"{}"}}
`

func TestRolloutStoreListSessions(t *testing.T) {
	home := t.TempDir()

	mine := filepath.Join(home, "sessions", "2026", "01", "15", "rollout-2026-01-15T10-00-00-"+rolloutID+".jsonl")
	writeFixture(t, mine, rolloutSession)

	other := filepath.Join(home, "sessions", "2026", "01", "14",
		"rollout-2026-01-14T09-00-00-0199ffff-0000-7800-8000-999988887777.jsonl")
	writeFixture(t, other, `{"timestamp":"2026-01-14T09:00:00Z","type":"session_meta","payload":{"id":"0199ffff-0000-7800-8000-999988887777","timestamp":"2026-01-14T09:00:00Z","cwd":"/somewhere/else"}}`+"\n")

	store := NewRolloutStore(home)
	infos, err := store.ListSessions(context.Background(), workDir)
	require.NoError(t, err)
	require.Len(t, infos, 1, "rollouts for other working dirs are filtered out")

	assert.Equal(t, rolloutID, infos[0].SessionID)
	assert.Equal(t, "Rename the config package", infos[0].Title,
		"synthetic instruction blocks must not become the title")
	assert.Equal(t, providers.ACPB, infos[0].Provider)
	require.NotNil(t, infos[0].UpdatedAt)
}

func TestRolloutStoreLoadSessionMessages(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "sessions", "2026", "01", "15", "rollout-2026-01-15T10-00-00-"+rolloutID+".jsonl")
	writeFixture(t, path, rolloutSession)

	store := NewRolloutStore(home)
	msgs, err := store.LoadSessionMessages(context.Background(), rolloutID, workDir)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "synthetic blocks, reasoning, and tool calls are skipped")

	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "Rename the config package", msgs[0].Content)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Done. Renamed to settings.", msgs[1].Content)
}

func TestRolloutStoreLoadUnknownSession(t *testing.T) {
	store := NewRolloutStore(t.TempDir())
	_, err := store.LoadSessionMessages(context.Background(), "0199dead-beef-7800-8000-000000000000", workDir)
	assert.ErrorContains(t, err, "not found")
}

func TestIsSyntheticText(t *testing.T) {
	assert.True(t, isSyntheticText("<user_instructions>x</user_instructions>"))
	assert.True(t, isSyntheticText("<environment_context>cwd=/x</environment_context>"))
	assert.True(t, isSyntheticText("# AGENTS.md instructions"))
	assert.False(t, isSyntheticText("Use <strong>HTML</strong> here"))
	assert.False(t, isSyntheticText("plain question"))
}
