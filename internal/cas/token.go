package cas

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/html"
)

// ExecutionField is the name of the hidden login-form input carrying the one-time token.
const ExecutionField = "execution"

// TokenScraper pulls the anti-forgery token out of a login page.
type TokenScraper interface {
	Extract(page io.Reader) (string, error)
}

// HTMLTokenScraper finds the first <input> whose name equals Field.
type HTMLTokenScraper struct {
	Field string
}

var _ TokenScraper = (*HTMLTokenScraper)(nil)

// NewTokenScraper returns a scraper for the CAS execution field.
func NewTokenScraper() *HTMLTokenScraper {
	return &HTMLTokenScraper{Field: ExecutionField}
}

func (s *HTMLTokenScraper) Extract(page io.Reader) (string, error) {
	z := html.NewTokenizer(page)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("failed to parse login page: %w", err)
			}
			return "", ErrTokenNotFound
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "input" {
				continue
			}
			name, value, hasValue := inputAttrs(tok)
			if name != s.Field {
				continue
			}
			if !hasValue || value == "" {
				return "", fmt.Errorf("%w: %s input has no value", ErrProtocolDrift, s.Field)
			}
			return value, nil
		}
	}
}

func inputAttrs(tok html.Token) (name, value string, hasValue bool) {
	for _, attr := range tok.Attr {
		switch attr.Key {
		case "name":
			name = attr.Val
		case "value":
			value = attr.Val
			hasValue = true
		}
	}
	return name, value, hasValue
}
