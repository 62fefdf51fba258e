package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Signer signs record fingerprints with an Ed25519 key derived from a seed.
type Signer struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
}

// NewSigner derives the ledger key for ledgerName from seed with HKDF-SHA256.
func NewSigner(seed []byte, ledgerName string) (*Signer, error) {
	if len(seed) < 16 {
		return nil, errors.New("ledger: signing seed must be at least 16 bytes")
	}
	hkdfReader := hkdf.New(sha256.New, seed, []byte("medsecure-ledger-kdf"), []byte(ledgerName))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdfReader, derived); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(derived)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &Signer{
		keyID: ledgerName + ":" + hex.EncodeToString(sum[:4]),
		priv:  priv,
		pub:   pub,
	}, nil
}

// Sign returns the hex signature of msg.
func (s *Signer) Sign(msg []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, msg))
}

// Verify checks a hex signature over msg.
func (s *Signer) Verify(msg []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, msg, sig)
}

func (s *Signer) KeyID() string { return s.keyID }

func (s *Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }
