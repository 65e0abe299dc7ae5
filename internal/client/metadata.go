package client

import (
	"encoding/json"
	"strings"
)

// Metadata is the JSON part of a multipart reply. Servers vary in shape:
// the transcript is either an object with a text field or a bare string,
// and the assistant reply arrives as llm or reply.
type Metadata struct {
	Text       string          `json:"text,omitempty"`
	Transcript json.RawMessage `json:"transcript,omitempty"`
	LLM        string          `json:"llm,omitempty"`
	Reply      string          `json:"reply,omitempty"`
	Voice      string          `json:"voice,omitempty"`
}

// UserText returns what the server heard
func (m Metadata) UserText() string {
	if len(m.Transcript) > 0 {
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(m.Transcript, &obj); err == nil && obj.Text != "" {
			return strings.TrimSpace(obj.Text)
		}
		var s string
		if err := json.Unmarshal(m.Transcript, &s); err == nil && s != "" {
			return strings.TrimSpace(s)
		}
	}
	return strings.TrimSpace(m.Text)
}

// AssistantText returns the assistant's reply, if any
func (m Metadata) AssistantText() string {
	if m.LLM != "" {
		return strings.TrimSpace(m.LLM)
	}
	return strings.TrimSpace(m.Reply)
}
