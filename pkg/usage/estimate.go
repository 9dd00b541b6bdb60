package usage

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

//nolint:gochecknoglobals // codec construction loads BPE ranks; build once
var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		// Gemini and Claude tokenizers are not public; cl100k is close enough for cost estimates.
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// CountTokens estimates the token count of text. Falls back to 4 characters per token
// when the codec is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	c := getCodec()
	if c == nil {
		return len(text) / 4
	}
	n, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Estimate builds a Usage from prompt and completion text, for providers that report no counts.
func Estimate(prompts []string, completion string) Usage {
	return Usage{
		InputTokens:  CountTokens(strings.Join(prompts, "\n")),
		OutputTokens: CountTokens(completion),
	}
}
