package usecase

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with the cl100k_base encoding, falling back to
// the chars/4 heuristic when the encoding cannot be loaded.
func EstimateTokens(text string) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenizer = enc
		}
	})
	if tokenizer != nil {
		return len(tokenizer.Encode(text, nil, nil))
	}
	return (utf8.RuneCountInString(text) + 3) / 4
}
