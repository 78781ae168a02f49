// Package mcpserver registers MCP tools that expose the chat client to
// agents. It adapts the client package to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/chatcore/internal/call"
	"github.com/alexjbarnes/chatcore/internal/chat"
	"github.com/alexjbarnes/chatcore/internal/models"
	"github.com/alexjbarnes/chatcore/internal/relay"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultMessageLimit = 20

// Chat is the client surface the tools drive. *client.Client satisfies
// it.
type Chat interface {
	Status() relay.State
	Conversation() chat.Conversation
	PendingCount() int
	RateLimitedUntil() time.Time
	Messages(n int) []models.Message
	Send(ctx context.Context, req chat.SendRequest) (models.Message, error)
	Edit(ctx context.Context, messageID, content string) error
	Delete(ctx context.Context, messageID string) error
	SwitchConversation(ctx context.Context, conversationID, peerID string) error
	SendTyping(ctx context.Context, typing bool) error
	StartCall(ctx context.Context, kind call.Kind) error
	AcceptCall(ctx context.Context, kind call.Kind) error
	RejectCall(ctx context.Context, kind call.Kind) error
	EndCall(ctx context.Context, kind call.Kind) error
	CallStatus(kind call.Kind) (call.State, string)
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Chat) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Report the relay connection state, the active conversation, pending sends, rate limiting and call states.",
	}, statusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "List the newest messages of the active conversation, oldest first. Messages that could not be decrypted are flagged and carry no content.",
	}, messagesHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a message to the peer of the active conversation. The message is end-to-end encrypted when the peer's key is known. Returns the local id of the optimistic entry.",
	}, sendHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_edit",
		Description: "Replace the content of a message this user sent, by relay message id.",
	}, editHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_delete",
		Description: "Delete a message by relay message id.",
	}, deleteHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_switch",
		Description: "Open a conversation with a peer. Clears the timeline and loads recent history.",
	}, switchHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_typing",
		Description: "Tell the peer whether this user is typing.",
	}, typingHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "call_start",
		Description: "Call the peer of the active conversation. type is voice or video.",
	}, callHandler(c, "started", func(ctx context.Context, k call.Kind) error { return c.StartCall(ctx, k) }))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "call_accept",
		Description: "Answer the ringing call of the given type.",
	}, callHandler(c, "accepted", func(ctx context.Context, k call.Kind) error { return c.AcceptCall(ctx, k) }))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "call_reject",
		Description: "Decline the ringing call of the given type.",
	}, callHandler(c, "rejected", func(ctx context.Context, k call.Kind) error { return c.RejectCall(ctx, k) }))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "call_end",
		Description: "Hang up the call of the given type.",
	}, callHandler(c, "ended", func(ctx context.Context, k call.Kind) error { return c.EndCall(ctx, k) }))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of newest messages to return, defaults to 20"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Content string `json:"content" jsonschema:"required,message text"`
	Type    string `json:"type,omitempty" jsonschema:"message type, defaults to text"`
}

// EditInput holds parameters for chat_edit.
type EditInput struct {
	ID      string `json:"id" jsonschema:"required,relay message id"`
	Content string `json:"content" jsonschema:"required,replacement text"`
}

// DeleteInput holds parameters for chat_delete.
type DeleteInput struct {
	ID string `json:"id" jsonschema:"required,relay message id"`
}

// SwitchInput holds parameters for chat_switch.
type SwitchInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation to open"`
	PeerID         string `json:"peer_id" jsonschema:"required,user id of the other party"`
}

// TypingInput holds parameters for chat_typing.
type TypingInput struct {
	Typing bool `json:"typing" jsonschema:"true while composing, false when stopped"`
}

// CallInput holds parameters for the call tools.
type CallInput struct {
	Type string `json:"type" jsonschema:"required,voice or video"`
}

// --- Results ---

// StatusResult is returned by chat_status.
type StatusResult struct {
	Connection       string     `json:"connection"`
	ConversationID   string     `json:"conversation_id,omitempty"`
	PeerID           string     `json:"peer_id,omitempty"`
	PendingSends     int        `json:"pending_sends"`
	RateLimitedUntil *time.Time `json:"rate_limited_until,omitempty"`
	VoiceCall        CallState  `json:"voice_call"`
	VideoCall        CallState  `json:"video_call"`
}

// CallState is the state of one call channel.
type CallState struct {
	State  string `json:"state"`
	PeerID string `json:"peer_id,omitempty"`
}

// Message is one timeline entry as returned to agents.
type Message struct {
	ID            string    `json:"id,omitempty"`
	LocalID       string    `json:"local_id,omitempty"`
	SenderID      string    `json:"sender_id"`
	Type          string    `json:"type"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	Pending       bool      `json:"pending,omitempty"`
	Undecryptable bool      `json:"undecryptable,omitempty"`
	Edited        bool      `json:"edited,omitempty"`
}

// MessagesResult is returned by chat_messages.
type MessagesResult struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

// SendResult is returned by chat_send.
type SendResult struct {
	LocalID string `json:"local_id"`
	Pending bool   `json:"pending"`
}

// OKResult is returned by tools with nothing else to report.
type OKResult struct {
	OK bool `json:"ok"`
}

// CallResult is returned by the call tools.
type CallResult struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	State  string `json:"state"`
}

// --- Handlers ---

func statusHandler(c Chat) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		conv := c.Conversation()

		result := &StatusResult{
			Connection:     c.Status().String(),
			ConversationID: conv.ID,
			PeerID:         conv.PeerID,
			PendingSends:   c.PendingCount(),
			VoiceCall:      callState(c, call.Voice),
			VideoCall:      callState(c, call.Video),
		}

		if until := c.RateLimitedUntil(); !until.IsZero() {
			result.RateLimitedUntil = &until
		}

		return textResult(result), result, nil
	}
}

func callState(c Chat, kind call.Kind) CallState {
	st, peer := c.CallStatus(kind)
	return CallState{State: st.String(), PeerID: peer}
}

func messagesHandler(c Chat) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultMessageLimit
		}

		msgs := c.Messages(limit)

		result := &MessagesResult{
			ConversationID: c.Conversation().ID,
			Messages:       make([]Message, 0, len(msgs)),
		}

		for _, m := range msgs {
			result.Messages = append(result.Messages, Message{
				ID:            m.ID,
				LocalID:       m.LocalID,
				SenderID:      m.SenderID,
				Type:          m.Type,
				Content:       m.Content,
				Timestamp:     m.Timestamp,
				Pending:       m.Temporary,
				Undecryptable: m.Undecryptable,
				Edited:        m.EditedAt != nil,
			})
		}

		return textResult(result), result, nil
	}
}

func sendHandler(c Chat) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		if input.Content == "" {
			return nil, nil, fmt.Errorf("content is required")
		}

		msg, err := c.Send(ctx, chat.SendRequest{Type: input.Type, Content: input.Content})
		if err != nil {
			return nil, nil, err
		}

		result := &SendResult{LocalID: msg.Key(), Pending: msg.Temporary}

		return textResult(result), result, nil
	}
}

func editHandler(c Chat) mcp.ToolHandlerFor[EditInput, *OKResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EditInput) (*mcp.CallToolResult, *OKResult, error) {
		if err := c.Edit(ctx, input.ID, input.Content); err != nil {
			return nil, nil, err
		}

		return ok()
	}
}

func deleteHandler(c Chat) mcp.ToolHandlerFor[DeleteInput, *OKResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteInput) (*mcp.CallToolResult, *OKResult, error) {
		if err := c.Delete(ctx, input.ID); err != nil {
			return nil, nil, err
		}

		return ok()
	}
}

func switchHandler(c Chat) mcp.ToolHandlerFor[SwitchInput, *OKResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SwitchInput) (*mcp.CallToolResult, *OKResult, error) {
		if input.ConversationID == "" || input.PeerID == "" {
			return nil, nil, fmt.Errorf("conversation_id and peer_id are required")
		}

		if err := c.SwitchConversation(ctx, input.ConversationID, input.PeerID); err != nil {
			return nil, nil, err
		}

		return ok()
	}
}

func typingHandler(c Chat) mcp.ToolHandlerFor[TypingInput, *OKResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TypingInput) (*mcp.CallToolResult, *OKResult, error) {
		if err := c.SendTyping(ctx, input.Typing); err != nil {
			return nil, nil, err
		}

		return ok()
	}
}

func callHandler(c Chat, action string, do func(context.Context, call.Kind) error) mcp.ToolHandlerFor[CallInput, *CallResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CallInput) (*mcp.CallToolResult, *CallResult, error) {
		kind := call.Kind(input.Type)
		if kind != call.Voice && kind != call.Video {
			return nil, nil, fmt.Errorf("type must be voice or video, got %q", input.Type)
		}

		if err := do(ctx, kind); err != nil {
			return nil, nil, err
		}

		st, _ := c.CallStatus(kind)
		result := &CallResult{Type: input.Type, Action: action, State: st.String()}

		return textResult(result), result, nil
	}
}

func ok() (*mcp.CallToolResult, *OKResult, error) {
	result := &OKResult{OK: true}
	return textResult(result), result, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
