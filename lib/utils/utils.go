// Package utils holds small helpers shared across the s5 packages.
package utils

import (
	"crypto/subtle"
	"net"

	"github.com/gravitational/trace"
)

// SplitHostPort splits an "addr:port" string, returning a clearer error
// than net.SplitHostPort when the caller passed a bare host.
func SplitHostPort(hostport string) (host string, port string, err error) {
	host, port, err = net.SplitHostPort(hostport)
	if err != nil {
		return "", "", trace.BadParameter("invalid host:port %q: %v", hostport, err)
	}
	return host, port, nil
}

// Zeroize overwrites a byte slice with zeroes in place. Used to scrub
// plaintext password buffers after verification.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeEqual reports whether two byte slices are equal, using a
// comparison whose running time does not depend on where they first
// differ.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
