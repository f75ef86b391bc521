package rand

import (
	"encoding/base64"
	"testing"
)

func TestSecret(t *testing.T) {
	a, err := Secret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Secret()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two secrets should differ")
	}
	raw, err := base64.URLEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != SecretBytes {
		t.Errorf("len: got %d, want %d", len(raw), SecretBytes)
	}
}
