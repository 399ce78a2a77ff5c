package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

// errVerification is the only error callers see, whatever went wrong.
var errVerification = errors.New("webhook verification failed")

// verifyHMACSignature checks signature against HMAC-SHA256(secret, body).
//
// Accepted formats are "sha256=<hex>" and bare "<hex>". The comparison is
// constant time.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	actualMAC, err := parseSignature(signature)
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(computeMAC(body, secret), actualMAC) != 1 {
		return errVerification
	}
	return nil
}

// parseSignature decodes "sha256=<hex>" or "<hex>" into raw bytes.
func parseSignature(signature string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix))
}

func computeMAC(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the signature header value for body, "sha256=<hex>".
func Sign(body []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(computeMAC(body, secret))
}
