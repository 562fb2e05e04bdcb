package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/avatar-engine/avatar-engine/internal/bridge"
	"github.com/avatar-engine/avatar-engine/internal/events"
	"github.com/avatar-engine/avatar-engine/internal/sysprompt"
	"github.com/avatar-engine/avatar-engine/internal/types"
	"github.com/avatar-engine/avatar-engine/pkg/jsonl"
)

// oneshotFrame is the subset of the agent's print-mode output the fallback
// consumes.
type oneshotFrame struct {
	Type         string  `json:"type"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Message      *struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// oneshotOutcome is what the stdout reader hands back when the process ends.
type oneshotOutcome struct {
	content string
	isError bool
	costUSD float64
}

// oneshotTurn serves one turn without a persistent agent: a fresh print-mode
// process per request, with the running conversation injected into the
// prompt since no session survives between turns.
func (b *Bridge) oneshotTurn(ctx context.Context, prompt string, attachments []types.Attachment) types.Response {
	for _, att := range attachments {
		b.EmitEvent(&events.Diagnostic{
			Message: fmt.Sprintf("attachment %s dropped: oneshot fallback is text-only", att.Filename),
			Level:   events.DiagWarning,
			Source:  "bridge",
		})
	}

	finalPrompt := prompt
	if b.Cfg.SystemPrompt != "" {
		finalPrompt = sysprompt.InjectSystemPrompt(b.Cfg.SystemPrompt, finalPrompt)
	}
	if contextBlock := sysprompt.BuildConversationContext(b.History(), 0, 0); contextBlock != "" {
		finalPrompt = sysprompt.InjectConversationContext(contextBlock, finalPrompt)
	}

	b.SetState(types.StateBusy, "oneshot")

	args := []string{"--output-format", "stream-json", "-p", finalPrompt}
	proc, err := bridge.StartProcess(b.Profile.Command, args, b.Cfg.WorkingDir, b.Cfg.Env, b.Log)
	if err != nil {
		b.SetState(types.StateReady, "oneshot fallback")
		return types.Failure("spawn oneshot agent: %v", err)
	}

	go b.MonitorStderr(proc.Stderr)

	done := make(chan oneshotOutcome, 1)
	go func() { done <- b.consumeOneshotOutput(proc.Stdout) }()

	timeout := b.TurnTimeout(attachments)
	var outcome oneshotOutcome
	select {
	case <-ctx.Done():
		proc.Kill()
		b.SetState(types.StateReady, "oneshot fallback")
		return types.Failure("%v", ctx.Err())

	case <-time.After(timeout):
		proc.Kill()
		b.Log.Warn("oneshot turn timed out", zap.Duration("timeout", timeout))
		b.SetState(types.StateReady, "oneshot fallback")
		return b.TimeoutResponse(timeout)

	case outcome = <-done:
		proc.Stop()
	}

	b.SetState(types.StateReady, "oneshot fallback")

	if outcome.isError {
		return types.Response{
			Success: false,
			Error:   nonEmpty(outcome.content, "agent reported an error result"),
			CostUSD: outcome.costUSD,
		}
	}

	b.AppendUser(prompt, nil)
	b.AppendAssistant(outcome.content, nil)
	return types.Response{
		Content: outcome.content,
		Success: true,
		CostUSD: outcome.costUSD,
	}
}

// consumeOneshotOutput reads print-mode frames until the result frame or
// stream end, streaming assistant text as it arrives.
func (b *Bridge) consumeOneshotOutput(stdout io.Reader) oneshotOutcome {
	var out oneshotOutcome
	var text strings.Builder

	reader := jsonl.NewLineReader(stdout)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			break
		}
		if len(line) == 0 {
			continue
		}

		var frame oneshotFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			b.Log.Debug("skipping unparseable oneshot line", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "assistant":
			if frame.Message == nil || frame.Message.Role != "assistant" {
				continue
			}
			for _, block := range frame.Message.Content {
				if block.Type != "text" || block.Text == "" {
					continue
				}
				text.WriteString(block.Text)
				b.EmitOutput(block.Text)
				b.EmitEvent(&events.Text{Text: block.Text})
			}

		case "result":
			out.isError = frame.IsError
			out.costUSD = frame.TotalCostUSD
			out.content = text.String()
			if out.content == "" {
				out.content = frame.Result
			}
			return out
		}
	}

	out.content = text.String()
	return out
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
