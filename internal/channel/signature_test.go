package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := signHMAC(body, "s3cret")

	assert.True(t, verifyHMAC(body, "s3cret", sig))
	assert.True(t, verifyHMAC(body, "s3cret", " "+sig+"\n"))
	assert.False(t, verifyHMAC(body, "other", sig))
	assert.False(t, verifyHMAC([]byte(`{"hello":"World"}`), "s3cret", sig))
	assert.False(t, verifyHMAC(body, "s3cret", ""))
	assert.False(t, verifyHMAC(body, "s3cret", "not-hex"))
	assert.False(t, verifyHMAC(body, "s3cret", sig[:32]))
}

func TestVerifyPrefixedHMAC(t *testing.T) {
	body := []byte("payload")
	sig := signHMAC(body, "k")

	assert.True(t, verifyPrefixedHMAC(body, "k", "sha256="+sig))
	assert.False(t, verifyPrefixedHMAC(body, "k", sig))
	assert.False(t, verifyPrefixedHMAC(body, "k", "sha1="+sig))
	assert.False(t, verifyPrefixedHMAC(body, "k", "sha256="))
}

func TestTokensEqual(t *testing.T) {
	assert.True(t, tokensEqual("abc", "abc"))
	assert.False(t, tokensEqual("abc", "abd"))
	assert.False(t, tokensEqual("abc", "ab"))
	assert.False(t, tokensEqual("", ""))
}
