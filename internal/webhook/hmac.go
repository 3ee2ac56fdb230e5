package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var errVerification = errors.New("webhook verification failed")

// GitLabTokenHeader carries a shared secret instead of a signature.
const GitLabTokenHeader = "X-Gitlab-Token"

// verifyHMACSignature checks an HMAC-SHA256 signature of body. Accepted
// formats are "sha256=<hex>" and bare hex. Every failure returns the same
// error.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errVerification
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), actual) != 1 {
		return errVerification
	}
	return nil
}

// verifySharedToken compares a plain token header with secret.
func verifySharedToken(token, secret string) error {
	if secret == "" || token == "" {
		return errVerification
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return errVerification
	}
	return nil
}

// verify dispatches on the configured header.
func verify(body []byte, header, value, secret string) error {
	if http.CanonicalHeaderKey(header) == GitLabTokenHeader {
		return verifySharedToken(value, secret)
	}
	return verifyHMACSignature(body, value, secret)
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
