// Package tokens counts tokens with the cl100k_base encoding. The same
// encoding is used for every model so charges are comparable across
// providers.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const Encoding = "cl100k_base"

var loaderOnce sync.Once

// Counter counts tokens in text.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New loads the encoding from the embedded offline BPE ranks, so no network
// access is needed at startup.
func New() (*Counter, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", Encoding, err)
	}
	return &Counter{enc: enc}, nil
}

// Count returns the number of tokens in text. A nil Counter falls back to
// whitespace-separated words.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.enc == nil {
		return len(strings.Fields(text))
	}
	return len(c.enc.Encode(text, nil, nil))
}
