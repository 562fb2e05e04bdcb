package types

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolPolicyDenyWins(t *testing.T) {
	p := ToolPolicy{Allow: []string{"read_file", "write_file"}, Deny: []string{"write_file"}}
	assert.True(t, p.Allows("read_file"))
	assert.False(t, p.Allows("write_file"), "deny must win over allow")
	assert.False(t, p.Allows("run_shell"), "nonempty allow list excludes unlisted tools")
}

func TestToolPolicyEmptyAllowAdmitsAll(t *testing.T) {
	p := ToolPolicy{Deny: []string{"run_shell"}}
	assert.True(t, p.Allows("read_file"))
	assert.False(t, p.Allows("run_shell"))

	var empty ToolPolicy
	assert.True(t, empty.IsEmpty())
	assert.True(t, empty.Allows("anything"))
	assert.False(t, p.IsEmpty())
}

func TestAttachmentFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(path, []byte("not really a png"), 0o644))

	att, err := AttachmentFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, att.Path)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, "shot.png", att.Filename)
	assert.Equal(t, int64(len("not really a png")), att.Size)
	assert.True(t, att.IsImage())
	assert.False(t, att.IsPDF())
}

func TestAttachmentFromFileUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.xyzzy")
	require.NoError(t, os.WriteFile(path, []byte("?"), 0o644))

	att, err := AttachmentFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", att.MimeType)
}

func TestAttachmentFromFileRejectsDirectories(t *testing.T) {
	_, err := AttachmentFromFile(t.TempDir())
	assert.Error(t, err)
}

func TestAttachmentFromFileMissing(t *testing.T) {
	_, err := AttachmentFromFile(filepath.Join(t.TempDir(), "nope.png"))
	assert.Error(t, err)
}

func TestStatsObserve(t *testing.T) {
	var s Stats
	s.Observe(Response{Success: true, DurationMS: 1200, CostUSD: 0.03, Usage: &TokenUsage{InputTokens: 100, OutputTokens: 250}})
	s.Observe(Response{Success: false, DurationMS: 300})

	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.Successful)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(1500), s.TotalDurationMS)
	assert.InDelta(t, 0.03, s.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(100), s.InputTokens)
	assert.Equal(t, int64(250), s.OutputTokens)
}

func TestFailure(t *testing.T) {
	resp := Failure("agent exited with code %d", 7)
	assert.False(t, resp.Success)
	assert.Equal(t, "agent exited with code 7", resp.Error)
	assert.Empty(t, resp.SessionID)
}
