package identity

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"
)

// ErrIdentity is returned when no signing identity can be produced
var ErrIdentity = errors.New("identity unavailable")

const (
	miniSecretRounds = 2048
	miniSecretSize   = 32
	passwordSep      = "///"
)

// Identity is the agent's long-lived signing keypair. It is immutable once
// derived and safe for concurrent use.
type Identity struct {
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	address    string
}

// Signature is a detached signature together with the signer's address
type Signature struct {
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// Derive builds an identity from a secret seed phrase.
//
// The phrase is either a BIP-39 mnemonic, optionally followed by
// "///password", or a 0x-prefixed 32-byte hex seed. Hierarchical derivation
// paths are not supported.
func Derive(seedPhrase string) (*Identity, error) {
	phrase := strings.TrimSpace(seedPhrase)
	if phrase == "" {
		return nil, fmt.Errorf("%w: seed phrase is empty", ErrIdentity)
	}

	seed, err := miniSecret(phrase)
	if err != nil {
		return nil, err
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	address, err := EncodeAddress(publicKey, DefaultNetworkPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentity, err)
	}

	return &Identity{
		publicKey:  publicKey,
		privateKey: privateKey,
		address:    address,
	}, nil
}

// miniSecret turns a seed phrase into the 32-byte ed25519 seed
func miniSecret(phrase string) ([]byte, error) {
	if strings.HasPrefix(phrase, "0x") {
		seed, err := hex.DecodeString(phrase[2:])
		if err != nil {
			return nil, fmt.Errorf("%w: malformed hex seed: %v", ErrIdentity, err)
		}
		if len(seed) != miniSecretSize {
			return nil, fmt.Errorf("%w: hex seed has %d bytes, want %d", ErrIdentity, len(seed), miniSecretSize)
		}
		return seed, nil
	}

	mnemonic, password := phrase, ""
	if idx := strings.Index(phrase, passwordSep); idx >= 0 {
		mnemonic, password = phrase[:idx], phrase[idx+len(passwordSep):]
	}
	if strings.Contains(mnemonic, "/") {
		return nil, fmt.Errorf("%w: derivation paths are not supported", ErrIdentity)
	}

	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mnemonic: %v", ErrIdentity, err)
	}

	key := pbkdf2.Key(entropy, []byte("mnemonic"+password), miniSecretRounds, 64, sha512.New)
	return key[:miniSecretSize], nil
}

// Address returns the SS58 address of the public key
func (i *Identity) Address() string {
	return i.address
}

// PublicKey returns the raw ed25519 public key
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.publicKey
}

// Sign signs message and returns a 0x-prefixed hex signature
func (i *Identity) Sign(message []byte) Signature {
	sig := ed25519.Sign(i.privateKey, message)
	return Signature{
		Signature: "0x" + hex.EncodeToString(sig),
		Address:   i.address,
	}
}

// Verify checks a hex signature over message against an SS58 address
func Verify(message []byte, signatureHex, address string) (bool, error) {
	publicKey, _, err := DecodeAddress(address)
	if err != nil {
		return false, err
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return false, fmt.Errorf("malformed signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("signature has %d bytes, want %d", len(sig), ed25519.SignatureSize)
	}

	return ed25519.Verify(publicKey, message, sig), nil
}
