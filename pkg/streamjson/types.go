// Package streamjson implements the newline-delimited JSON protocol spoken by
// stream-JSON print-mode agents over stdin/stdout: one JSON frame per line,
// with control requests multiplexed for permissions and interrupts.
package streamjson

import "encoding/json"

// Frame types read from agent stdout.
const (
	// FrameTypeSystem is the initial system frame with session info.
	FrameTypeSystem = "system"
	// FrameTypeAssistant carries assistant content blocks.
	FrameTypeAssistant = "assistant"
	// FrameTypeMessage is an alternate assistant frame some versions emit.
	FrameTypeMessage = "message"
	// FrameTypeResult terminates a turn.
	FrameTypeResult = "result"
	// FrameTypeStreamEvent carries partial content deltas.
	FrameTypeStreamEvent = "stream_event"
	// FrameTypeControlRequest is a control request (permissions).
	FrameTypeControlRequest = "control_request"
	// FrameTypeControlResponse answers a control request we sent.
	FrameTypeControlResponse = "control_response"
	// FrameTypeUser is an outgoing prompt frame.
	FrameTypeUser = "user"
)

// Control request subtypes.
const (
	// SubtypeCanUseTool asks permission for a tool invocation.
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeInterrupt aborts the in-flight turn.
	SubtypeInterrupt = "interrupt"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Frame is one line of agent stdout. The type determines which fields are
// populated.
type Frame struct {
	Type string `json:"type"`

	// For control_request frames (agent asking us).
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response frames (agent answering us). The request id
	// lives inside the response object, not at the frame level.
	Response *ControlResult `json:"response,omitempty"`

	// For system and result frames.
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`
	Model     string `json:"model,omitempty"`

	// For assistant frames.
	Message *AssistantMessage `json:"message,omitempty"`

	// For stream_event frames.
	Event *StreamEvent `json:"event,omitempty"`

	// For result frames. Result is a string or an object depending on
	// whether the turn produced structured output.
	Result        json.RawMessage `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	TotalCostUSD  float64         `json:"total_cost_usd,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
	DurationAPIMS int64           `json:"duration_api_ms,omitempty"`
	NumTurns      int             `json:"num_turns,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`

	// Raw holds the undecoded line for callers that keep raw event logs.
	Raw json.RawMessage `json:"-"`
}

// ResultText returns the result field when it is a plain string.
func (f *Frame) ResultText() string {
	if len(f.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Result, &s); err != nil {
		return ""
	}
	return s
}

// AssistantMessage is the message body of an assistant frame.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block of an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks.
	Text string `json:"text,omitempty"`

	// thinking blocks.
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result blocks. Content may be a string or a block list.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ContentText extracts plain text from a tool_result content field.
func (b *ContentBlock) ContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	out := ""
	for _, blk := range blocks {
		if blk.Type == "text" {
			out += blk.Text
		}
	}
	return out
}

// Usage carries token accounting from assistant and result frames.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// StreamEvent is the nested event of a stream_event frame.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
}

// Delta carries a partial content update.
type Delta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// Delta type discriminators.
const (
	DeltaTypeText     = "text_delta"
	DeltaTypeThinking = "thinking_delta"
)

// UserMessage is the outgoing prompt frame.
type UserMessage struct {
	Type      string          `json:"type"`
	Message   UserMessageBody `json:"message"`
	SessionID string          `json:"session_id,omitempty"`
}

// UserMessageBody holds the role and content blocks of a prompt.
type UserMessageBody struct {
	Role    string       `json:"role"`
	Content []InputBlock `json:"content"`
}

// InputBlock is one content block of an outgoing prompt.
type InputBlock struct {
	Type   string      `json:"type"`
	Text   string      `json:"text,omitempty"`
	Source *BlobSource `json:"source,omitempty"`
	Title  string      `json:"title,omitempty"`
}

// BlobSource is the inline base64 payload of an image or document block.
type BlobSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextBlock builds a text input block.
func TextBlock(text string) InputBlock {
	return InputBlock{Type: "text", Text: text}
}

// ImageBlock builds an inline base64 image block.
func ImageBlock(mediaType, base64Data string) InputBlock {
	return InputBlock{
		Type:   "image",
		Source: &BlobSource{Type: "base64", MediaType: mediaType, Data: base64Data},
	}
}

// DocumentBlock builds an inline base64 document block, titled with the
// original filename.
func DocumentBlock(title, mediaType, base64Data string) InputBlock {
	return InputBlock{
		Type:   "document",
		Title:  title,
		Source: &BlobSource{Type: "base64", MediaType: mediaType, Data: base64Data},
	}
}

// ControlRequest is an inbound control request body.
type ControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResult is the body of an inbound control_response frame.
type ControlResult struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ControlResponseMessage answers an inbound control request.
type ControlResponseMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the outgoing response body.
type ControlResponse struct {
	Subtype string            `json:"subtype"`
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult resolves a can_use_tool request.
type PermissionResult struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// outgoingControlRequest is a control request we send (interrupt).
type outgoingControlRequest struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype string `json:"subtype"`
}
