package git

import "strings"

// Masker replaces a secret token substring with a redacted form that keeps
// the first and last 4 characters visible for operator debugging.
type Masker struct {
	token string
}

// NewMasker builds a masker for one token. An empty token masks nothing.
func NewMasker(token string) *Masker {
	return &Masker{token: token}
}

const redacted = "****"

// Mask replaces every occurrence of the bound token in s with a masked
// form retaining its first and last 4 characters.
func (m *Masker) Mask(s string) string {
	if m.token == "" {
		return s
	}
	return strings.ReplaceAll(s, m.token, maskToken(m.token))
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return redacted
	}
	return token[:4] + redacted + token[len(token)-4:]
}
