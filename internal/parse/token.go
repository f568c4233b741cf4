package parse

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// ErrInvalidToken is returned for payloads that carry no usable token.
var ErrInvalidToken = errors.New("invalid check-in token")

const schemePrefix = "checkin:"

var tokenRe = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// TokenParser extracts request tokens from scanned QR payloads.
type TokenParser struct {
	MinLen int
	MaxLen int
}

// DefaultTokenParser accepts tokens of 8 to 64 characters.
var DefaultTokenParser = TokenParser{MinLen: 8, MaxLen: 64}

// ParseToken uses DefaultTokenParser.
func ParseToken(raw string) (string, error) {
	return DefaultTokenParser.Parse(raw)
}

// Parse accepts a bare token, "checkin:<token>", or a URL whose "token"
// query value or last path segment is the token.
func (p TokenParser) Parse(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidToken)
	}

	switch {
	case hasPrefixFold(s, schemePrefix):
		s = strings.TrimPrefix(s[len(schemePrefix):], "//")
	case strings.Contains(s, "://"):
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if t := u.Query().Get("token"); t != "" {
			s = t
		} else {
			s = path.Base(strings.TrimRight(u.Path, "/"))
		}
	}

	if !tokenRe.MatchString(s) {
		return "", fmt.Errorf("%w: %q is not alphanumeric", ErrInvalidToken, s)
	}
	if len(s) < p.MinLen || (p.MaxLen > 0 && len(s) > p.MaxLen) {
		return "", fmt.Errorf("%w: length %d outside %d..%d", ErrInvalidToken, len(s), p.MinLen, p.MaxLen)
	}
	return s, nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
