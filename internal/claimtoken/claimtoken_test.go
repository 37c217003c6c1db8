package claimtoken

import "testing"

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	signer := NewSigner(priv)
	verifier := NewVerifier(pub)

	want := Claim{FedID: "acme", NodeName: "node-a", IssuedAt: 1700000000}
	token := signer.Sign(want)

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	pub, priv, _ := GenerateKeypair()
	signer := NewSigner(priv)
	verifier := NewVerifier(pub)

	token := signer.Sign(Claim{FedID: "acme", NodeName: "node-a", IssuedAt: 1})
	tampered := token[:len(token)-1] + "x"
	if tampered == token {
		t.Skip("token already ends in 'x', so replacing it changes nothing")
	}
	if _, err := verifier.Verify(tampered); err == nil {
		t.Fatalf("expected tampered token to fail verification")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, _ := GenerateKeypair()
	otherPub, _, _ := GenerateKeypair()
	signer := NewSigner(priv)
	verifier := NewVerifier(otherPub)

	token := signer.Sign(Claim{FedID: "acme", NodeName: "node-a", IssuedAt: 1})
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected verification against the wrong public key to fail")
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	pub, _, _ := GenerateKeypair()
	verifier := NewVerifier(pub)
	if _, err := verifier.Verify("not-valid-base64!!"); err == nil {
		t.Fatalf("expected malformed token to fail")
	}
}
