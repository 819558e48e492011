// Package tokens generates the opaque strings handed out as access tokens,
// refresh tokens and authorization codes.
package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// DefaultByteLength yields 320 bits of entropy per token.
const DefaultByteLength = 40

var (
	// ErrInvalidLength is returned when a non-positive length is requested.
	ErrInvalidLength = errors.New("token length must be greater than zero")
	// ErrInvalidAlphabet is returned for alphabets that are empty, too large or contain duplicates.
	ErrInvalidAlphabet = errors.New("token alphabet must contain between 2 and 256 distinct bytes")
)

// Codec draws tokens from a random source. The zero value is not usable; use New.
type Codec struct {
	rand     io.Reader
	alphabet []byte
}

// Option configures a Codec.
type Option func(*Codec) error

// WithRand replaces crypto/rand as the entropy source. Tests use it to get
// deterministic tokens.
func WithRand(r io.Reader) Option {
	return func(c *Codec) error {
		if r == nil {
			return errors.New("random source is nil")
		}
		c.rand = r
		return nil
	}
}

// WithAlphabet makes Generate emit characters from alphabet instead of
// unpadded base64url.
func WithAlphabet(alphabet string) Option {
	return func(c *Codec) error {
		if len(alphabet) < 2 || len(alphabet) > 256 {
			return ErrInvalidAlphabet
		}
		seen := make(map[byte]struct{}, len(alphabet))
		for i := 0; i < len(alphabet); i++ {
			if _, dup := seen[alphabet[i]]; dup {
				return ErrInvalidAlphabet
			}
			seen[alphabet[i]] = struct{}{}
		}
		c.alphabet = []byte(alphabet)
		return nil
	}
}

// New builds a Codec backed by crypto/rand unless overridden.
func New(opts ...Option) (*Codec, error) {
	c := &Codec{rand: rand.Reader}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Generate returns an opaque URL-safe token built from byteLength random
// bytes. With a custom alphabet the result has byteLength characters.
func (c *Codec) Generate(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", ErrInvalidLength
	}
	if c.alphabet != nil {
		return c.generateAlphabet(byteLength)
	}

	b := make([]byte, byteLength)
	if _, err := io.ReadFull(c.rand, b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generateAlphabet uses rejection sampling so every character is equally likely.
func (c *Codec) generateAlphabet(n int) (string, error) {
	size := len(c.alphabet)
	limit := 256 - (256 % size)

	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(c.rand, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, c.alphabet[int(b)%size])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
