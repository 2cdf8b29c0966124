package metering

import (
	"encoding/json"

	"github.com/tokenmeter-platform/tokenmeter/internal/classifier"
	"github.com/tokenmeter-platform/tokenmeter/internal/estimator"
)

// extractPayload pulls the estimator inputs out of the parsed request body
// and the captured response body, using the fields appropriate to the
// request type. Missing or malformed fields degrade to empty text or zero
// duration; extraction never fails.
func extractPayload(requestType string, reqBody map[string]any, respBody []byte) estimator.Payload {
	resp := parseJSONObject(respBody)

	switch requestType {
	case classifier.TypeChat, classifier.TypeVision, classifier.TypeEmbedding:
		prompt := firstString(reqBody, "prompt", "message")
		if prompt == "" {
			prompt = messagesText(reqBody)
		}
		return estimator.Payload{
			Prompt:     prompt,
			Completion: firstString(resp, "content", "response", "message"),
		}
	case classifier.TypeSearch:
		return estimator.Payload{
			Prompt:     firstString(reqBody, "query", "prompt"),
			Completion: firstString(resp, "result", "answer", "response"),
		}
	case classifier.TypeImage:
		return estimator.Payload{
			Prompt: firstString(reqBody, "prompt"),
		}
	case classifier.TypeTranscription:
		return estimator.Payload{
			DurationMinutes: firstNumber(reqBody, "duration", "duration_minutes"),
		}
	default:
		return estimator.Payload{
			Prompt:     firstString(reqBody, "input", "prompt"),
			Completion: firstString(resp, "output", "response"),
		}
	}
}

func parseJSONObject(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return f
		}
	}
	return 0
}

// messagesText concatenates the content fields of a chat-style messages
// array so multi-turn prompts are fully counted.
func messagesText(m map[string]any) string {
	msgs, ok := m["messages"].([]any)
	if !ok {
		return ""
	}
	var out string
	for _, raw := range msgs {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			out += content
		}
	}
	return out
}
