package dispatch

import (
	"encoding/json"

	"github.com/llmlb/llmlb/internal/tokenizer"
	"github.com/llmlb/llmlb/types"
)

// chatRequestBody is the minimal shape dispatch needs out of an OpenAI-style
// request body: which model is targeted, whether streaming was requested,
// and the text available for prompt-side token counting.
type chatRequestBody struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Input  json.RawMessage `json:"input"`
	Prompt json.RawMessage `json:"prompt"`
}

// promptTokens counts the request's prompt-side tokens with the model's real
// tokenizer when one is registered (falling back to the byte-ratio
// estimator otherwise), using chat messages when present and the raw
// input/prompt field otherwise.
func promptTokens(model string, body chatRequestBody) int {
	tok := tokenizer.GetTokenizerOrEstimator(model)
	if len(body.Messages) > 0 {
		msgs := make([]tokenizer.Message, len(body.Messages))
		for i, m := range body.Messages {
			msgs[i] = tokenizer.Message{Role: m.Role, Content: m.Content}
		}
		if n, err := tok.CountMessages(msgs); err == nil {
			return n
		}
	}
	var text string
	if len(body.Input) > 0 {
		_ = json.Unmarshal(body.Input, &text)
	} else if len(body.Prompt) > 0 {
		_ = json.Unmarshal(body.Prompt, &text)
	}
	n, _ := tok.CountTokens(text)
	return n
}

// streamedCompletionTokens approximates a streamed response's completion
// token count from the number of bytes relayed. Running the real tokenizer
// over the full response text would require buffering the entire stream
// before forwarding any of it to the client, which defeats the point of
// streaming it at all — so this applies a fixed 4 bytes-per-token ratio
// directly to the byte count observed in flight, close to the 4
// characters-per-token EstimatorTokenizer uses for non-CJK text.
func streamedCompletionTokens(byteCount int64) int {
	const bytesPerToken = 4
	if byteCount <= 0 {
		return 0
	}
	return int(byteCount) / bytesPerToken
}

// usageFromBody extracts a non-streaming response's verbatim "usage" object,
// per §4.4.6: exact accounting whenever the upstream reports it.
func usageFromBody(body []byte) (types.TokenUsage, bool) {
	var parsed struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return types.TokenUsage{}, false
	}
	if parsed.Usage.TotalTokens == 0 && parsed.Usage.PromptTokens == 0 && parsed.Usage.CompletionTokens == 0 {
		return types.TokenUsage{}, false
	}
	return types.TokenUsage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}, true
}
