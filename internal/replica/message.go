package replica

// Message is the transient, non-replicated projection of a single chat
// message: the replicated header combined with its content, payloads and
// done flag at read time.
type Message struct {
	ID            string       `json:"id"`
	ChatID        string       `json:"chatId"`
	ParentID      string       `json:"parentId,omitempty"`
	Timestamp     int64        `json:"timestamp"` // unix milliseconds
	Role          string       `json:"role"`
	Model         string       `json:"model,omitempty"`
	Done          bool         `json:"done,omitempty"`
	Content       string       `json:"content"`
	Images        []ImageRef   `json:"images,omitempty"`
	ToolCalls     []ToolCall   `json:"toolCalls,omitempty"`
	ToolMessages  []ToolResult `json:"toolMessages,omitempty"`
	CallableTools []ToolSpec   `json:"callableTools,omitempty"`
}
