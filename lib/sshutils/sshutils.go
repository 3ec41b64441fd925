// Package sshutils holds small SSH key/certificate helpers shared by the
// authenticator and the SSH server, grounded on the teacher's
// api/utils/sshutils package (fingerprinting, key-equality, CA checks).
package sshutils

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// Fingerprint returns the SHA256 fingerprint of a public key in the
// "SHA256:base64" form used by OpenSSH.
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
}

// KeysEqual reports whether two public keys are byte-identical once
// marshaled to SSH wire format, ignoring any comment.
func KeysEqual(a, b ssh.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return string(a.Marshal()) == string(b.Marshal())
}

// ParseAuthorizedKey parses a single "ssh-ed25519 AAAA... comment"
// formatted line as found in a user's authorized_keys list.
func ParseAuthorizedKey(line string) (ssh.PublicKey, string, error) {
	key, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, "", trace.BadParameter("invalid authorized key: %v", err)
	}
	return key, comment, nil
}

// MakeIsUserAuthorityFunc builds an ssh.CertChecker.IsUserAuthority style
// predicate from a set of trusted CA fingerprints, matching the
// signature key of a presented certificate against the set.
func MakeIsUserAuthorityFunc(trustedCAFingerprints map[string]bool) func(auth ssh.PublicKey) bool {
	return func(auth ssh.PublicKey) bool {
		return trustedCAFingerprints[Fingerprint(auth)]
	}
}

// HostKeyString renders a host key for audit logging / diagnostics.
func HostKeyString(key ssh.PublicKey) string {
	return key.Type() + " " + Fingerprint(key)
}

// LoadHostKey reads an OpenSSH-format private key file (§6 "Host key
// file (OpenSSH format)") and returns it as an ssh.Signer.
func LoadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading host key %q", path)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, trace.BadParameter("parsing host key %q: %v", path, err)
	}
	return signer, nil
}

// GenerateEd25519HostKey creates a fresh Ed25519 host key (§6 "Ed25519
// preferred, RSA accepted") and writes it to path as a PKCS#8 PEM
// block, readable back by LoadHostKey, for first-run bootstrap when no
// host key file exists yet.
func GenerateEd25519HostKey(path string) (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, trace.Wrap(err, "writing host key %q", path)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signer, nil
}
