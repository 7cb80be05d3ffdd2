package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

// TestMnemonic is the well-known BIP-39 test vector used as a throwaway seed
const TestMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// NewTestLogger creates a logger suitable for testing that outputs to the test log
func NewTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// NewAuthorizedKey returns a freshly generated ed25519 public key in
// authorized_keys format, without trailing newline
func NewAuthorizedKey(t *testing.T) string {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("Failed to wrap key: %v", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
}

// HoldPorts binds every port in [start, start+count) and returns a release
// function. The test fails if any port cannot be bound.
func HoldPorts(t *testing.T, start, count int) func() {
	t.Helper()

	var listeners []net.Listener
	release := func() {
		for _, l := range listeners {
			l.Close()
		}
	}
	for port := start; port < start+count; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			release()
			t.Fatalf("Failed to hold port %d: %v", port, err)
		}
		listeners = append(listeners, l)
	}
	return release
}
