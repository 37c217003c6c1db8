// Package claimtoken implements the opaque signed token a node presents
// to claim a federated identity (spec §1 treats claim-token issuance
// itself as out of scope; this package is the verification seam a future
// issuer plugs into). A token is an ed25519 signature over the federated
// id, the claiming node's name, and an issue time, so a node can prove it
// was handed a given fed_id by whatever authority minted the token
// without Cortex needing to know anything about that authority.
package claimtoken

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/cortexlabs/cortex/internal/cortexerr"
)

// Claim is the decoded, verified content of a claim token.
type Claim struct {
	FedID     string
	NodeName  string
	IssuedAt  int64 // unix seconds
}

// Signer mints tokens; only the federation's identity authority holds the
// private key.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner wraps an ed25519 private key as a Signer.
func NewSigner(priv ed25519.PrivateKey) *Signer { return &Signer{priv: priv} }

// Sign produces an opaque base64 token for the given claim.
func (s *Signer) Sign(c Claim) string {
	msg := encodeClaim(c)
	sig := ed25519.Sign(s.priv, msg)
	return base64.RawURLEncoding.EncodeToString(append(msg, sig...))
}

// Verifier checks tokens against a known public key.
type Verifier struct {
	pub ed25519.PublicKey
}

// NewVerifier wraps an ed25519 public key as a Verifier.
func NewVerifier(pub ed25519.PublicKey) *Verifier { return &Verifier{pub: pub} }

// Verify decodes and checks a token's signature, returning the claim it
// attests to.
func (v *Verifier) Verify(token string) (Claim, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claim{}, cortexerr.New(cortexerr.InvalidParams, "malformed claim token")
	}
	if len(raw) <= ed25519.SignatureSize {
		return Claim{}, cortexerr.New(cortexerr.InvalidParams, "claim token too short")
	}
	split := len(raw) - ed25519.SignatureSize
	msg, sig := raw[:split], raw[split:]
	if !ed25519.Verify(v.pub, msg, sig) {
		return Claim{}, cortexerr.New(cortexerr.Unauthorized, "claim token signature invalid")
	}
	return decodeClaim(msg)
}

func encodeClaim(c Claim) []byte {
	fedID := []byte(c.FedID)
	nodeName := []byte(c.NodeName)
	buf := make([]byte, 0, 4+len(fedID)+4+len(nodeName)+8)
	buf = appendLenPrefixed(buf, fedID)
	buf = appendLenPrefixed(buf, nodeName)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.IssuedAt))
	return append(buf, ts[:]...)
}

func decodeClaim(b []byte) (Claim, error) {
	fedID, rest, err := readLenPrefixed(b)
	if err != nil {
		return Claim{}, err
	}
	nodeName, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Claim{}, err
	}
	if len(rest) != 8 {
		return Claim{}, cortexerr.New(cortexerr.InvalidParams, "malformed claim token body")
	}
	issuedAt := int64(binary.BigEndian.Uint64(rest))
	return Claim{FedID: string(fedID), NodeName: string(nodeName), IssuedAt: issuedAt}, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	buf = append(buf, l[:]...)
	return append(buf, data...)
}

func readLenPrefixed(b []byte) (data, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, cortexerr.New(cortexerr.InvalidParams, "malformed claim token field")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, cortexerr.New(cortexerr.InvalidParams, "malformed claim token field")
	}
	return b[:n], b[n:], nil
}

// GenerateKeypair is a convenience wrapper for operators bootstrapping a
// new federation authority key. No cortex CLI command calls it.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}
