package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// verifyHMAC reports whether signature is the hex HMAC-SHA256 of body under
// secret. A non-hex signature is rejected.
func verifyHMAC(body []byte, secret, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// verifyPrefixedHMAC handles the "sha256=<hex>" header form.
func verifyPrefixedHMAC(body []byte, secret, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return verifyHMAC(body, secret, sig)
}

// tokensEqual compares a pre-shared token in constant time.
func tokensEqual(want, got string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
