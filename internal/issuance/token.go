package issuance

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
)

// TokenBytes is the entropy of a public token: 160 bits.
const TokenBytes = 20

// TokenLen is the encoded length of a token.
var TokenLen = tokenEncoding.EncodedLen(TokenBytes)

// RFC 4648 base32 survives QR alphanumeric mode and avoids lower/upper confusion.
var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TokenSource produces public passport tokens.
type TokenSource interface {
	NewToken() (string, error)
}

// RandomTokens draws tokens from a cryptographically secure reader.
type RandomTokens struct {
	// Reader defaults to crypto/rand.Reader.
	Reader io.Reader
}

func (r RandomTokens) NewToken() (string, error) {
	src := r.Reader
	if src == nil {
		src = rand.Reader
	}
	var b [TokenBytes]byte
	if _, err := io.ReadFull(src, b[:]); err != nil {
		return "", fmt.Errorf("read token entropy: %w", err)
	}
	return tokenEncoding.EncodeToString(b[:]), nil
}
