package hrms

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signSHA256Hex(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureWorkday(t *testing.T) {
	t.Parallel()
	body := []byte(`{"eventType":"worker.hire"}`)
	secret := "wd-secret"

	good := "sha256=" + signSHA256Hex(body, secret)
	assert.NoError(t, VerifySignature(body, good, secret, SourceWorkday))

	// Missing prefix.
	assert.Error(t, VerifySignature(body, signSHA256Hex(body, secret), secret, SourceWorkday))
	// Forged digest.
	assert.ErrorIs(t, VerifySignature(body, "sha256=deadbeef", secret, SourceWorkday), ErrBadSignature)
	// Wrong secret.
	assert.Error(t, VerifySignature(body, good, "other", SourceWorkday))
	// Tampered body.
	assert.Error(t, VerifySignature([]byte(`{}`), good, secret, SourceWorkday))
}

func TestVerifySignatureSuccessFactors(t *testing.T) {
	t.Parallel()
	body := []byte(`{"eventType":"employee.hired"}`)
	secret := "sf-secret"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	good := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.NoError(t, VerifySignature(body, good, secret, SourceSuccessFactors))
	assert.Error(t, VerifySignature(body, "bm90LXRoZS1zaWc=", secret, SourceSuccessFactors))
}

func TestVerifySignatureGenericAcceptsOptionalPrefix(t *testing.T) {
	t.Parallel()
	body := []byte(`{"event":"onboard"}`)
	secret := "gen-secret"
	sig := signSHA256Hex(body, secret)

	assert.NoError(t, VerifySignature(body, sig, secret, SourceGeneric))
	assert.NoError(t, VerifySignature(body, "sha256="+sig, secret, SourceGeneric))
}

func TestVerifySignatureMissingInputs(t *testing.T) {
	t.Parallel()
	body := []byte(`{}`)
	assert.ErrorIs(t, VerifySignature(body, "", "secret", SourceGeneric), ErrMissingSignature)
	assert.Error(t, VerifySignature(body, "sig", "", SourceGeneric))
}
