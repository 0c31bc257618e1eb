package proxy

import (
	"encoding/json"
	"math"
	"strings"
)

// wordsPerToken is the accounting fallback used when the engine response
// carries no usage block. English text averages roughly 0.75 words per
// token.
const wordsPerToken = 0.75

func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) / wordsPerToken))
}

// usageBlock is the OpenAI-style accounting object engines attach to
// responses and final stream chunks.
type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatMessage is one turn of a chat request.
type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m chatMessage) text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	// Structured content parts; concatenate the text fields.
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// requestText extracts the prompt-side text of a request body for
// estimation. Handles chat messages, completion prompts and embedding
// inputs.
func requestText(body map[string]json.RawMessage) string {
	if raw, ok := body["messages"]; ok {
		var msgs []chatMessage
		if err := json.Unmarshal(raw, &msgs); err == nil {
			var b strings.Builder
			for _, m := range msgs {
				b.WriteString(m.text())
				b.WriteString(" ")
			}
			return b.String()
		}
	}
	for _, field := range []string{"prompt", "input"} {
		raw, ok := body[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			return strings.Join(list, " ")
		}
	}
	return ""
}

// responseText extracts the generated text of a buffered response body.
func responseText(data []byte) string {
	var body struct {
		Choices []struct {
			Text    string `json:"text"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	var b strings.Builder
	for _, c := range body.Choices {
		b.WriteString(c.Text)
		b.WriteString(c.Message.Content)
	}
	return b.String()
}

// responseUsage extracts the usage block of a buffered response, if any.
func responseUsage(data []byte) *usageBlock {
	var body struct {
		Usage *usageBlock `json:"usage"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Usage == nil {
		return nil
	}
	if body.Usage.PromptTokens == 0 && body.Usage.CompletionTokens == 0 {
		return nil
	}
	return body.Usage
}

// chatToCompletion rewrites a chat request into a plain completion request
// for engines that load weights without a chat template. Turns are joined
// as "role: content" lines and the assistant is cued to continue.
func chatToCompletion(body map[string]json.RawMessage) ([]byte, error) {
	var msgs []chatMessage
	if raw, ok := body["messages"]; ok {
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, err
		}
	}

	var lines []string
	for _, m := range msgs {
		lines = append(lines, m.Role+": "+m.text())
	}
	lines = append(lines, "assistant:")
	prompt := strings.Join(lines, "\n\n")

	out := make(map[string]json.RawMessage, len(body))
	for k, v := range body {
		if k == "messages" || k == "stream" {
			continue
		}
		out[k] = v
	}
	promptRaw, err := json.Marshal(prompt)
	if err != nil {
		return nil, err
	}
	out["prompt"] = promptRaw
	return json.Marshal(out)
}

// completionToChat wraps a completion response back into the chat envelope
// the client asked for.
func completionToChat(data []byte) ([]byte, bool) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}

	var choices []struct {
		Index        int         `json:"index"`
		Text         string      `json:"text"`
		FinishReason string      `json:"finish_reason"`
		Logprobs     interface{} `json:"logprobs"`
	}
	if raw, ok := resp["choices"]; ok {
		if err := json.Unmarshal(raw, &choices); err != nil {
			return nil, false
		}
	}

	type chatChoice struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	}
	out := make([]chatChoice, len(choices))
	for i, c := range choices {
		out[i].Index = c.Index
		out[i].Message.Role = "assistant"
		out[i].Message.Content = strings.TrimSpace(c.Text)
		out[i].FinishReason = c.FinishReason
	}
	choicesRaw, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	resp["choices"] = choicesRaw

	if objRaw, err := json.Marshal("chat.completion"); err == nil {
		resp["object"] = objRaw
	}
	wrapped, err := json.Marshal(resp)
	if err != nil {
		return nil, false
	}
	return wrapped, true
}

// missingChatTemplate recognizes the quantized engine's refusal of chat
// requests for weights shipped without a template.
func missingChatTemplate(status int, body []byte) bool {
	if status < 400 {
		return false
	}
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "chat template")
}
