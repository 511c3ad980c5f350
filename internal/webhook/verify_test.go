package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignatureRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"action":"opened"}`)

	header := Sign(secret, body)
	assert.True(t, VerifySignature(secret, body, header))
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := []byte("s3cret")
	header := Sign(secret, []byte(`{"action":"opened"}`))

	assert.False(t, VerifySignature(secret, []byte(`{"action":"closed"}`), header))
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	header := Sign([]byte("right"), body)

	assert.False(t, VerifySignature([]byte("wrong"), body, header))
}

func TestVerifySignatureRejectsMalformedHeader(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{}`)

	assert.False(t, VerifySignature(secret, body, ""))
	assert.False(t, VerifySignature(secret, body, "sha1=deadbeef"))
	assert.False(t, VerifySignature(secret, body, "sha256=not-hex"))
}

func TestVerifySignatureEmptySecretNeverVerifies(t *testing.T) {
	body := []byte(`{}`)
	assert.False(t, VerifySignature(nil, body, Sign(nil, body)))
}
