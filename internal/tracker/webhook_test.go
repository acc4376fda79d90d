package tracker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureAcceptsValidSignature(t *testing.T) {
	body := []byte(`{"action":"update","type":"Issue","data":{}}`)
	sig := sign("s3cret", body)
	require.True(t, VerifySignature("s3cret", sig, body))
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"action":"update"}`)
	sig := sign("s3cret", body)
	require.False(t, VerifySignature("wrong", sig, body))
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"action":"update"}`)
	sig := sign("s3cret", body)
	require.False(t, VerifySignature("s3cret", sig, []byte(`{"action":"remove"}`)))
}

func TestVerifySignatureAcceptsBareHexDigest(t *testing.T) {
	body := []byte(`{"action":"create"}`)
	sig := sign("s3cret", body)
	require.True(t, VerifySignature("s3cret", sig[len("sha256="):], body))
}

func TestParseWebhookEventExtractsActionAndType(t *testing.T) {
	ev, err := ParseWebhookEvent([]byte(`{"action":"update","type":"Issue","data":{"id":"EMI-1"}}`))
	require.NoError(t, err)
	require.Equal(t, ActionUpdate, ev.Action)
	require.Equal(t, TypeIssue, ev.Type)
}

func TestParseWebhookEventRejectsMalformedJSON(t *testing.T) {
	_, err := ParseWebhookEvent([]byte(`not json`))
	require.Error(t, err)
}
