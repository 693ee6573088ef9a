package signing_test

import (
	"strings"
	"testing"

	"github.com/gautema/runlater/internal/signing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	body := []byte(`{"event":"deploy","ref":"main"}`)
	secret := []byte("whsec_test_1234")

	sig := signing.Sign(body, secret)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature %q missing sha256= prefix", sig)
	}
	if !signing.Verify(body, secret, sig) {
		t.Fatal("signature did not verify with the signing secret")
	}
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	body := []byte("payload")
	sig := signing.Sign(body, []byte("secret-a"))

	if signing.Verify(body, []byte("secret-b"), sig) {
		t.Fatal("signature verified under a different secret")
	}
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	secret := []byte("secret")
	sig := signing.Sign([]byte("original"), secret)

	if signing.Verify([]byte("original!"), secret, sig) {
		t.Fatal("signature verified for a modified body")
	}
}

func TestSign_Deterministic(t *testing.T) {
	body := []byte("same input")
	secret := []byte("same secret")

	if signing.Sign(body, secret) != signing.Sign(body, secret) {
		t.Fatal("signing the same input twice produced different signatures")
	}
}
