package socks5

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadGreetingOffers(t *testing.T) {
	raw := []byte{version5, 2, MethodNoAuth, MethodUserPass}
	g, err := ReadGreeting(bytes.NewReader(raw))
	require.NoError(t, err)
	require.True(t, g.Offers(MethodNoAuth))
	require.True(t, g.Offers(MethodUserPass))
	require.False(t, g.Offers(0x01))
}

func TestReadGreetingRejectsWrongVersion(t *testing.T) {
	raw := []byte{0x04, 1, MethodNoAuth}
	_, err := ReadGreeting(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestReadUserPassRoundTrip(t *testing.T) {
	raw := []byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 4, 'p', 'a', 's', 's'}
	creds, err := ReadUserPass(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "alice", creds.Username)
	require.Equal(t, []byte("pass"), creds.Password)
}

func TestReadRequestIPv4Connect(t *testing.T) {
	raw := []byte{version5, CmdConnect, 0x00, AddrIPv4, 93, 184, 216, 34, 0x01, 0xBB}
	req, err := ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, CmdConnect, req.Command)
	require.Equal(t, "93.184.216.34", req.Host)
	require.Equal(t, 443, req.Port)
}

func TestReadRequestDomain(t *testing.T) {
	host := "example.com"
	raw := append([]byte{version5, CmdConnect, 0x00, AddrDomain, byte(len(host))}, []byte(host)...)
	raw = append(raw, 0x01, 0xBB)
	req, err := ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, "example.com", req.Host)
	require.Equal(t, 443, req.Port)
}

func TestReadRequestRejectsBindCommandAtCallerLevel(t *testing.T) {
	raw := []byte{version5, CmdBind, 0x00, AddrIPv4, 1, 2, 3, 4, 0x00, 0x50}
	req, err := ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, CmdBind, req.Command) // parsing succeeds; caller rejects non-CONNECT
}

func TestWriteReplyIPv4(t *testing.T) {
	var buf bytes.Buffer
	err := WriteReply(&buf, ReplySuccess, net.ParseIP("10.0.0.1"), 1080)
	require.NoError(t, err)
	require.Equal(t, []byte{version5, ReplySuccess, 0x00, AddrIPv4, 10, 0, 0, 1, 0x04, 0x38}, buf.Bytes())
}

func TestHostPort(t *testing.T) {
	req := &Request{Host: "example.com", Port: 443}
	require.Equal(t, "example.com:443", req.HostPort())
}
