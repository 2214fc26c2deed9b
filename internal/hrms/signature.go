package hrms

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Signature header names the ingress accepts, in lookup order.
var SignatureHeaders = []string{"x-signature", "x-hub-signature", "x-webhook-signature"}

var (
	ErrMissingSignature = errors.New("signature required but not provided")
	ErrBadSignature     = errors.New("signature verification failed")
)

// VerifySignature checks a webhook signature. It is a pure function of
// (rawBody, signature, secret, source); the HMAC variant and encoding are
// selected per source:
//
//	workday         HMAC-SHA256, hex, "sha256=" prefix
//	successfactors  HMAC-SHA256, base64
//	bamboohr        HMAC-SHA1, hex (legacy scheme kept for compatibility)
//	generic         HMAC-SHA256, hex, optional "sha256=" prefix
//
// Comparison is constant-time.
func VerifySignature(rawBody []byte, signature, secret, source string) error {
	if secret == "" {
		return errors.New("no secret configured")
	}
	if signature == "" {
		return ErrMissingSignature
	}

	switch strings.ToLower(source) {
	case SourceWorkday:
		sig, ok := strings.CutPrefix(signature, "sha256=")
		if !ok {
			return fmt.Errorf("%w: expected sha256= prefix", ErrBadSignature)
		}
		return compareHex(hmacSHA256(rawBody, secret), sig)
	case SourceSuccessFactors:
		want := base64.StdEncoding.EncodeToString(hmacSHA256(rawBody, secret))
		return compareStrings(want, signature)
	case SourceBambooHR:
		mac := hmac.New(sha1.New, []byte(secret))
		mac.Write(rawBody)
		return compareHex(mac.Sum(nil), signature)
	default:
		sig := strings.TrimPrefix(signature, "sha256=")
		return compareHex(hmacSHA256(rawBody, secret), sig)
	}
}

func hmacSHA256(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func compareHex(want []byte, got string) error {
	decoded, err := hex.DecodeString(strings.TrimSpace(got))
	if err != nil {
		return fmt.Errorf("%w: malformed hex signature", ErrBadSignature)
	}
	if !hmac.Equal(want, decoded) {
		return ErrBadSignature
	}
	return nil
}

func compareStrings(want, got string) error {
	if !hmac.Equal([]byte(want), []byte(strings.TrimSpace(got))) {
		return ErrBadSignature
	}
	return nil
}
