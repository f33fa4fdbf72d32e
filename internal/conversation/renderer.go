package conversation

import (
	"context"
	"iter"
	"regexp"
	"strings"
	"time"
)

// DefaultRevealInterval is the delay between revealed tokens.
const DefaultRevealInterval = 25 * time.Millisecond

var tokenPattern = regexp.MustCompile(`\s+|\S+`)

// Tokenize splits reply into alternating whitespace and word runs. Joining
// the tokens gives back reply exactly.
func Tokenize(reply string) []string {
	return tokenPattern.FindAllString(reply, -1)
}

// Reveal yields growing prefixes of reply, one more token per interval. The
// last prefix equals reply. It stops early when ctx is done.
func Reveal(ctx context.Context, reply string, interval time.Duration) iter.Seq[string] {
	return func(yield func(string) bool) {
		tokens := Tokenize(reply)
		if len(tokens) == 0 {
			return
		}
		var tick <-chan time.Time
		if interval > 0 {
			t := time.NewTicker(interval)
			defer t.Stop()
			tick = t.C
		}
		var b strings.Builder
		b.Grow(len(reply))
		for _, tok := range tokens {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
			if ctx.Err() != nil {
				return
			}
			b.WriteString(tok)
			if !yield(b.String()) {
				return
			}
		}
	}
}
