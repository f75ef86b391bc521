// Package rand generates random secrets and tokens.
package rand

import (
	"crypto/rand"
	"encoding/base64"
)

// SecretBytes is the default number of bytes used for secrets.
const SecretBytes = 32

// Bytes returns n cryptographically random bytes.
func Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// String returns a base64 URL encoded string made of nBytes random bytes.
func String(nBytes int) (string, error) {
	b, err := Bytes(nBytes)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Secret returns a random string suitable as a signing secret or a pepper.
func Secret() (string, error) {
	return String(SecretBytes)
}
