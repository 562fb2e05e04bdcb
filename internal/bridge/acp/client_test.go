package acp

import (
	"context"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatar-engine/avatar-engine/internal/common/config"
	"github.com/avatar-engine/avatar-engine/internal/events"
)

func permRequest(options ...acp.PermissionOption) acp.RequestPermissionRequest {
	return acp.RequestPermissionRequest{
		SessionId: acp.SessionId("s1"),
		Options:   options,
	}
}

func TestAutoApprovePicksFirstAllowOption(t *testing.T) {
	b := newTestBridge(t, func(cfg *config.EngineConfig) { cfg.AutoApprovePermissions = true })
	client := &acpClient{b: b}

	resp, err := client.RequestPermission(context.Background(), permRequest(
		acp.PermissionOption{OptionId: "rej", Name: "Reject", Kind: acp.PermissionOptionKind("reject_once")},
		acp.PermissionOption{OptionId: "ok", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
		acp.PermissionOption{OptionId: "always", Name: "Always", Kind: acp.PermissionOptionKindAllowAlways},
	))

	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("ok"), resp.Outcome.Selected.OptionId)
}

func TestAutoApproveFallsBackToFirstOption(t *testing.T) {
	b := newTestBridge(t, func(cfg *config.EngineConfig) { cfg.AutoApprovePermissions = true })
	client := &acpClient{b: b}

	resp, err := client.RequestPermission(context.Background(), permRequest(
		acp.PermissionOption{OptionId: "only", Name: "Proceed", Kind: acp.PermissionOptionKind("reject_once")},
	))

	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("only"), resp.Outcome.Selected.OptionId)
}

func TestPermissionWithoutOptionsIsCancelled(t *testing.T) {
	b := newTestBridge(t, nil)
	client := &acpClient{b: b}

	resp, err := client.RequestPermission(context.Background(), permRequest())

	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled)
	assert.Nil(t, resp.Outcome.Selected)
}

func TestForwardedPermissionAnswered(t *testing.T) {
	b := newTestBridge(t, nil)
	b.permTimeout = 2 * time.Second
	client := &acpClient{b: b}

	// The event callback fires before RequestPermission blocks, so the
	// answer is buffered and picked up immediately.
	var requestID string
	b.SetOnEvent(func(ev events.Event) {
		req, ok := ev.(*events.PermissionRequest)
		if !ok {
			return
		}
		requestID = req.RequestID
		require.Len(t, req.Options, 2)
		assert.Equal(t, "allow_once", req.Options[1].Kind)
		assert.True(t, b.RespondPermission(req.RequestID, "ok", true))
	})

	resp, err := client.RequestPermission(context.Background(), permRequest(
		acp.PermissionOption{OptionId: "rej", Name: "Reject", Kind: acp.PermissionOptionKind("reject_once")},
		acp.PermissionOption{OptionId: "ok", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
	))

	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("ok"), resp.Outcome.Selected.OptionId)
	assert.NotEmpty(t, requestID)
}

func TestForwardedPermissionDeniedBySubscriber(t *testing.T) {
	b := newTestBridge(t, nil)
	b.permTimeout = 2 * time.Second
	client := &acpClient{b: b}

	b.SetOnEvent(func(ev events.Event) {
		if req, ok := ev.(*events.PermissionRequest); ok {
			b.RespondPermission(req.RequestID, "", false)
		}
	})

	resp, err := client.RequestPermission(context.Background(), permRequest(
		acp.PermissionOption{OptionId: "ok", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
	))

	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled)
}

func TestForwardedPermissionTimesOutAsDenied(t *testing.T) {
	b := newTestBridge(t, nil)
	b.permTimeout = 20 * time.Millisecond
	client := &acpClient{b: b}

	resp, err := client.RequestPermission(context.Background(), permRequest(
		acp.PermissionOption{OptionId: "ok", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
	))

	require.NoError(t, err)
	assert.NotNil(t, resp.Outcome.Cancelled)
}

func TestRespondPermissionUnknownID(t *testing.T) {
	b := newTestBridge(t, nil)
	assert.False(t, b.RespondPermission("nope", "ok", true))
}

func TestReadTextFileSlicing(t *testing.T) {
	b := newTestBridge(t, nil)
	client := &acpClient{b: b}

	dir := t.TempDir()
	path := dir + "/lines.txt"
	writeTestFile(t, path, "one\ntwo\nthree\nfour")

	line := 2
	limit := 2
	resp, err := client.ReadTextFile(context.Background(), acp.ReadTextFileRequest{
		Path:  path,
		Line:  &line,
		Limit: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", resp.Content)

	_, err = client.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "relative.txt"})
	assert.Error(t, err)
}

func TestWriteTextFileCreatesDirectories(t *testing.T) {
	b := newTestBridge(t, nil)
	client := &acpClient{b: b}

	path := t.TempDir() + "/nested/deep/out.txt"
	_, err := client.WriteTextFile(context.Background(), acp.WriteTextFileRequest{
		Path:    path,
		Content: "written",
	})
	require.NoError(t, err)

	resp, err := client.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "written", resp.Content)
}
