package identity

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// DefaultNetworkPrefix is the generic Substrate SS58 prefix
const DefaultNetworkPrefix = 42

var ss58Prefix = []byte("SS58PRE")

const checksumSize = 2

// EncodeAddress renders a public key as an SS58 address. Only simple
// (single byte) network prefixes are supported.
func EncodeAddress(publicKey ed25519.PublicKey, prefix byte) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("public key has %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	if prefix >= 64 {
		return "", fmt.Errorf("network prefix %d requires the two-byte form", prefix)
	}

	payload := make([]byte, 0, 1+ed25519.PublicKeySize+checksumSize)
	payload = append(payload, prefix)
	payload = append(payload, publicKey...)
	payload = append(payload, addressChecksum(payload)...)

	return base58.Encode(payload), nil
}

// DecodeAddress parses an SS58 address and verifies its checksum
func DecodeAddress(address string) (ed25519.PublicKey, byte, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed address: %w", err)
	}
	if len(raw) != 1+ed25519.PublicKeySize+checksumSize {
		return nil, 0, fmt.Errorf("address has %d bytes, want %d", len(raw), 1+ed25519.PublicKeySize+checksumSize)
	}

	body := raw[:len(raw)-checksumSize]
	if !bytes.Equal(addressChecksum(body), raw[len(raw)-checksumSize:]) {
		return nil, 0, fmt.Errorf("address checksum mismatch")
	}
	if body[0] >= 64 {
		return nil, 0, fmt.Errorf("unsupported network prefix %d", body[0])
	}

	return ed25519.PublicKey(bytes.Clone(body[1:])), body[0], nil
}

func addressChecksum(payload []byte) []byte {
	sum := blake2b.Sum512(append(append([]byte{}, ss58Prefix...), payload...))
	return sum[:checksumSize]
}
