package models

import (
	"slices"
	"time"
)

// Chat is the persisted summary of a conversation as returned by the stores. It provides basic
// identification and labeling for the history sidebar.
type Chat struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// Conversation is the in-memory state of a single chat session. Messages is ordered and append-only
// during a turn, except for the last assistant message while ReplyInProgress is true.
type Conversation struct {
	// ID is the persisted identifier. It stays empty until the first message has been saved.
	ID    string
	Title string

	Messages []Message

	// ReplyInProgress reports whether the last message is an assistant reply that is still being
	// streamed into.
	ReplyInProgress bool
}

// Message represents an individual communication entry within a conversation. It contains the
// participant's role, the content, an optional image attached by the user and, for assistant messages,
// the chart illustrations requested by the model.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Image     string `json:",omitempty"`
	Timestamp time.Time

	// Charts is never persisted, it lives and dies with the in-memory message.
	Charts []ChartRequest `json:"-"`
}

// ChartRequest is a single chart illustration requested by the model through a chart marker.
type ChartRequest struct {
	// Prompt is the marker payload. It is the de-duplication key within a message.
	Prompt   string
	Status   ChartStatus
	ImageURL string
	Err      string
}

// StreamRequest is what a chat backend receives for every turn: the full message history and the
// selected strategy, if any.
type StreamRequest struct {
	Messages []Message
	Strategy string
}

// Role represents the role of a message participant.
type Role string

// ChartStatus represents the lifecycle state of a ChartRequest.
type ChartStatus string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"

	// ChartStatusPending means the image request is in flight.
	ChartStatusPending ChartStatus = "pending"
	// ChartStatusReady means ImageURL holds the generated chart.
	ChartStatusReady ChartStatus = "ready"
	// ChartStatusFailed means the image request failed, Err holds the reason.
	ChartStatusFailed ChartStatus = "failed"
)

const welcomeContent = `Welcome to **GO-DIGITS Forex AI** 📊

I'm your professional forex trading assistant. I can help you with:

- 📈 **Chart Analysis**: upload a chart screenshot and I'll provide signals
- 📐 **Strategy Guidance**: learn and apply proven trading strategies
- 📚 **Forex Education**: from basics to advanced concepts
- ⚖️ **Risk Management**: position sizing, stop-loss placement

**To get started:** ask me anything about forex, or upload a chart screenshot for analysis. Select a strategy above for targeted signals.`

// WelcomeMessageID is the fixed identifier of the welcome message.
const WelcomeMessageID = "welcome"

// WelcomeMessage returns the fixed assistant greeting every conversation starts with.
func WelcomeMessage() Message {
	return Message{
		ID:      WelcomeMessageID,
		Role:    RoleAssistant,
		Content: welcomeContent,
	}
}

// NewConversation returns a conversation holding only the welcome message.
func NewConversation() Conversation {
	return Conversation{
		Messages: []Message{WelcomeMessage()},
	}
}

// Chart returns the chart request for prompt, if the message has one.
func (m Message) Chart(prompt string) (ChartRequest, bool) {
	idx := slices.IndexFunc(m.Charts, func(c ChartRequest) bool { return c.Prompt == prompt })
	if idx == -1 {
		return ChartRequest{}, false
	}
	return m.Charts[idx], true
}

// HasChart reports whether a chart was already requested for prompt.
func (m Message) HasChart(prompt string) bool {
	_, ok := m.Chart(prompt)
	return ok
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.Charts = slices.Clone(m.Charts)
	return m
}

// Clone returns a deep copy of the conversation, safe to hand out while the original keeps mutating.
func (c Conversation) Clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = m.Clone()
	}
	c.Messages = msgs
	return c
}

// HasHistory reports whether the conversation holds anything besides the welcome message.
func (c Conversation) HasHistory() bool {
	return len(c.Messages) > 1
}
