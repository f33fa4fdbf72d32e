package rooms

import (
	"context"
	"regexp"
)

type piiRule struct {
	pattern *regexp.Regexp
	mask    string
}

// Card numbers are matched before phone numbers so a long digit run is not
// reported as a phone.
var piiRules = []piiRule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[card]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[phone]"},
}

// RedactPII masks e-mail addresses, card numbers and phone numbers.
func RedactPII(text string) (string, bool) {
	out := text
	for _, r := range piiRules {
		out = r.pattern.ReplaceAllString(out, r.mask)
	}
	return out, out != text
}

type redactingStore struct {
	Store
}

// WithRedaction masks PII in transcript content before it reaches s.
func WithRedaction(s Store) Store {
	return redactingStore{Store: s}
}

func (r redactingStore) SaveTranscript(ctx context.Context, record TranscriptRecord) error {
	record.Content, _ = RedactPII(record.Content)
	return r.Store.SaveTranscript(ctx, record)
}
