package replica

import "encoding/json"

// Payload items (images, tool calls, tool results, callable tool specs) are
// stored inside the replicated document as JSON-serialized text items. Each
// carries an explicit version field so schema changes can be validated at the
// deserialization boundary; an item that fails to decode is treated as absent
// rather than aborting the read.

const payloadVersion = 1

// ImageRef references a generated or attached image.
type ImageRef struct {
	Version int    `json:"v"`
	URL     string `json:"url"`
	Prompt  string `json:"prompt,omitempty"`
}

// ToolCall is a model-initiated invocation of a callable tool.
type ToolCall struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of a tool call, fed back into the conversation.
type ToolResult struct {
	Version int    `json:"v"`
	CallID  string `json:"call_id"`
	Content string `json:"content"`
}

// ToolSpec describes a tool the model may call for this message.
type ToolSpec struct {
	Version     int             `json:"v"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func encodePayload(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// versioned is the minimal shape decoded first to validate the version tag.
type versioned struct {
	Version int `json:"v"`
}

func decodePayload[T any](raw string) (T, bool) {
	var zero T

	var ver versioned
	if err := json.Unmarshal([]byte(raw), &ver); err != nil {
		return zero, false
	}
	if ver.Version < 1 || ver.Version > payloadVersion {
		return zero, false
	}

	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, false
	}
	return out, true
}
