package conversations

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
)

// Model families with a known history format.
const (
	FamilyAnthropic = "anthropic"
	FamilyOpenAI    = "openai"
	FamilyGemini    = "gemini"
)

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content []textBlock `json:"content"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiMessage struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

// TextMessage builds a plain text message in family's format. Unknown
// families get the OpenAI-style role/content shape.
func TextMessage(family string, role protocol.Role, text string) (Message, error) {
	var v any
	switch strings.ToLower(strings.TrimSpace(family)) {
	case FamilyAnthropic:
		v = anthropicMessage{Role: string(role), Content: []textBlock{{Type: "text", Text: text}}}
	case FamilyGemini:
		r := string(role)
		if role == protocol.RoleAssistant {
			r = "model"
		}
		v = geminiMessage{Role: r, Parts: []geminiPart{{Text: text}}}
	default:
		v = openAIMessage{Role: string(role), Content: text}
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s message: %w", family, err)
	}
	return Message{Role: role, Family: family, Payload: payload}, nil
}

// MessageText extracts the concatenated text of a stored message, whatever
// its family.
func MessageText(m Message) string {
	var shape struct {
		Content json.RawMessage `json:"content"`
		Parts   []geminiPart    `json:"parts"`
	}
	if err := json.Unmarshal(m.Payload, &shape); err != nil {
		return ""
	}
	if len(shape.Parts) > 0 {
		var b strings.Builder
		for _, p := range shape.Parts {
			b.WriteString(p.Text)
		}
		return b.String()
	}
	if len(shape.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(shape.Content, &s); err == nil {
		return s
	}
	var blocks []textBlock
	if err := json.Unmarshal(shape.Content, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
