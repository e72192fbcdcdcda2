package zkvm

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSeal is returned for any artifact whose seal does not verify.
var ErrInvalidSeal = errors.New("zkvm: invalid seal")

// SealSelector prefixes every attestation seal. Verifier contracts dispatch
// on it.
var SealSelector = func() [4]byte {
	var s [4]byte
	h := sha256.Sum256([]byte("zkclaim.AttestationSeal.v1"))
	copy(s[:], h[:4])
	return s
}()

// SealLength is the size of an attestation seal.
const SealLength = 4 + crypto.SignatureLength

// ProofArtifact is what the proving backend returns. The submitter forwards
// Journal, PostStateDigest and Seal to the verifier contract unchanged.
type ProofArtifact struct {
	ImageID         ImageID       `json:"imageId"`
	Journal         hexutil.Bytes `json:"journal"`
	PostStateDigest common.Hash   `json:"postStateDigest"`
	Seal            hexutil.Bytes `json:"seal"`
}

// ClaimDigest returns the digest the artifact's seal must sign.
func (a *ProofArtifact) ClaimDigest() common.Hash {
	return ClaimDigest(a.ImageID, a.PostStateDigest, a.Journal, ExitSuccess)
}

// Attestor seals sessions with a secp256k1 key.
type Attestor struct {
	key *ecdsa.PrivateKey
}

// NewAttestor wraps key.
func NewAttestor(key *ecdsa.PrivateKey) *Attestor {
	return &Attestor{key: key}
}

// HexToAttestor parses a hex private key.
func HexToAttestor(hexkey string) (*Attestor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexkey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("zkvm: attestor key: %w", err)
	}
	return NewAttestor(key), nil
}

// Address returns the signer address verifiers must expect.
func (a *Attestor) Address() common.Address {
	return crypto.PubkeyToAddress(a.key.PublicKey)
}

// Seal produces the artifact for sess.
func (a *Attestor) Seal(sess *Session) (*ProofArtifact, error) {
	art := &ProofArtifact{
		ImageID:         sess.Image,
		Journal:         append(hexutil.Bytes(nil), sess.Journal...),
		PostStateDigest: sess.PostStateDigest,
	}
	digest := ClaimDigest(sess.Image, sess.PostStateDigest, sess.Journal, sess.ExitCode)
	sig, err := crypto.Sign(digest[:], a.key)
	if err != nil {
		return nil, fmt.Errorf("zkvm: seal: %w", err)
	}
	art.Seal = append(SealSelector[:], sig...)
	return art, nil
}

// Verifier checks attestation seals against a known signer. It mirrors the
// check the on-chain verifier performs.
type Verifier struct {
	Signer common.Address
}

// Verify checks that art is sealed by v.Signer and, when want is non-zero,
// that it was produced by image want.
func (v *Verifier) Verify(art *ProofArtifact, want ImageID) error {
	if art == nil {
		return fmt.Errorf("%w: nil artifact", ErrInvalidSeal)
	}
	if want != (ImageID{}) && art.ImageID != want {
		return fmt.Errorf("%w: %w: have %s, want %s", ErrInvalidSeal, ErrImageMismatch, art.ImageID, want)
	}
	if len(art.Seal) != SealLength {
		return fmt.Errorf("%w: length %d, want %d", ErrInvalidSeal, len(art.Seal), SealLength)
	}
	if !bytes.Equal(art.Seal[:4], SealSelector[:]) {
		return fmt.Errorf("%w: unknown selector %x", ErrInvalidSeal, art.Seal[:4])
	}
	digest := art.ClaimDigest()
	pub, err := crypto.SigToPub(digest[:], art.Seal[4:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSeal, err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != v.Signer {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSeal, signer)
	}
	return nil
}
