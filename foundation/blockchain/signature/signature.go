// Package signature provides the narrow cryptographic surface the node
// depends on: hashing documents, signing them with a key pair and verifying
// signatures against a public key.
package signature

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ZeroHash represents a hash code of zeros.
const ZeroHash string = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrInvalidSignature is returned when a signature does not match the
// document and public key it is checked against.
var ErrInvalidSignature = errors.New("invalid signature")

// =============================================================================

// Hash returns the uppercase hex encoded sha256 of the document.
func Hash(document string) string {
	sum := sha256.Sum256([]byte(document))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// =============================================================================

// KeyPair is the serializable form of a signing key. It travels inside
// proof requests so a detached computation unit can sign candidate blocks.
type KeyPair struct {
	Pub string `json:"pub" validate:"required"`
	Sec string `json:"sec" validate:"required"`
}

// GenerateKeyPair constructs a brand new random key pair.
func GenerateKeyPair() (KeyPair, error) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating key: %w", err)
	}

	return fromPrivateKey(pk), nil
}

// KeyPairFromHex rebuilds a key pair from a hex encoded secret key, with or
// without the 0x prefix.
func KeyPairFromHex(sec string) (KeyPair, error) {
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(sec, "0x"))
	if err != nil {
		return KeyPair{}, fmt.Errorf("decoding secret key: %w", err)
	}

	return fromPrivateKey(pk), nil
}

// LoadKeyPair reads a key pair from a file holding the hex encoded secret
// key, the format written by SaveKeyPair.
func LoadKeyPair(path string) (KeyPair, error) {
	pk, err := crypto.LoadECDSA(path)
	if err != nil {
		return KeyPair{}, fmt.Errorf("loading key %s: %w", path, err)
	}

	return fromPrivateKey(pk), nil
}

// SaveKeyPair writes the secret key of the pair to a file readable only by
// the owner.
func SaveKeyPair(path string, kp KeyPair) error {
	data, err := hexutil.Decode(kp.Sec)
	if err != nil {
		return fmt.Errorf("decoding secret key: %w", err)
	}

	pk, err := crypto.ToECDSA(data)
	if err != nil {
		return fmt.Errorf("parsing secret key: %w", err)
	}

	if err := crypto.SaveECDSA(path, pk); err != nil {
		return fmt.Errorf("saving key %s: %w", path, err)
	}

	return nil
}

// Signer parses the secret key once so it can be used for many signatures.
func (kp KeyPair) Signer() (*Signer, error) {
	data, err := hexutil.Decode(kp.Sec)
	if err != nil {
		return nil, fmt.Errorf("decoding secret key: %w", err)
	}

	pk, err := crypto.ToECDSA(data)
	if err != nil {
		return nil, fmt.Errorf("parsing secret key: %w", err)
	}

	pub := hexutil.Encode(crypto.FromECDSAPub(&pk.PublicKey))
	if kp.Pub != "" && kp.Pub != pub {
		return nil, errors.New("public key does not match secret key")
	}

	return &Signer{pk: pk, pub: pub}, nil
}

// fromPrivateKey renders an ecdsa key into the serializable form.
func fromPrivateKey(pk *ecdsa.PrivateKey) KeyPair {
	return KeyPair{
		Pub: hexutil.Encode(crypto.FromECDSAPub(&pk.PublicKey)),
		Sec: hexutil.Encode(crypto.FromECDSA(pk)),
	}
}

// =============================================================================

// Signer signs documents with a parsed private key.
type Signer struct {
	pk  *ecdsa.PrivateKey
	pub string
}

// PublicKey returns the hex encoded public key of the signer.
func (s *Signer) PublicKey() string {
	return s.pub
}

// Sign produces the hex encoded signature of the document.
func (s *Signer) Sign(document string) (string, error) {
	sig, err := crypto.Sign(stamp(document), s.pk)
	if err != nil {
		return "", err
	}

	return hexutil.Encode(sig), nil
}

// Verify checks the signature was produced over the document by the owner
// of the public key.
func Verify(pub string, document string, sig string) error {
	pubBytes, err := hexutil.Decode(pub)
	if err != nil {
		return fmt.Errorf("decoding public key: %w", err)
	}

	sigBytes, err := hexutil.Decode(sig)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}

	if len(sigBytes) != crypto.SignatureLength {
		return ErrInvalidSignature
	}

	// The recovery id is not part of the check, only [R|S].
	if !crypto.VerifySignature(pubBytes, stamp(document), sigBytes[:crypto.RecoveryIDOffset]) {
		return ErrInvalidSignature
	}

	return nil
}

// stamp returns a 32 byte digest of the document with a domain stamp
// embedded so our signatures can't be replayed as raw message signatures.
func stamp(document string) []byte {
	docHash := crypto.Keccak256([]byte(document))
	return crypto.Keccak256([]byte("\x19Blockforge Signed Document:\n32"), docHash)
}
