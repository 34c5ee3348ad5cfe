package gotcbot

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// TokenCounter counts prompt tokens
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	tokenCounters   = map[string]*tiktokenCounter{}
	tokenCountersMu sync.Mutex
)

// newTokenCounter returns a shared counter for the named encoding
// (ex: cl100k_base). The BPE ranks are embedded, so this doesn't touch
// the network.
func newTokenCounter(encodingName string) (TokenCounter, error) {
	tokenCountersMu.Lock()
	defer tokenCountersMu.Unlock()

	if c, ok := tokenCounters[encodingName]; ok {
		return c, nil
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, &ConfigError{
			Field: "context.token_encoding",
			Err:   fmt.Errorf("loading encoding %q: %w", encodingName, err),
		}
	}
	c := &tiktokenCounter{encoding: enc}
	tokenCounters[encodingName] = c
	return c, nil
}

func (t *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// runeEstimateCounter approximates four characters per token. It's used
// when no encoding is configured.
type runeEstimateCounter struct{}

func (runeEstimateCounter) Count(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}
