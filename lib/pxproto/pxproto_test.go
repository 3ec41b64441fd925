package pxproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadHeaderV1TCP4(t *testing.T) {
	raw := "PROXY TCP4 192.168.1.1 192.168.1.2 56324 443\r\nGET / HTTP/1.1\r\n"
	r := bufio.NewReader(bytes.NewBufferString(raw))

	h, err := ReadHeader(r)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, "192.168.1.1", h.SourceIP.String())
	require.Equal(t, 56324, h.SourcePort)
	require.Equal(t, 443, h.DestPort)

	rest, _ := r.ReadString('\n')
	require.Equal(t, "GET / HTTP/1.1\r\n", rest)
}

func TestReadHeaderV1Unknown(t *testing.T) {
	raw := "PROXY UNKNOWN\r\nfollowing\n"
	r := bufio.NewReader(bytes.NewBufferString(raw))

	h, err := ReadHeader(r)
	require.NoError(t, err)
	require.True(t, h.Local)
}

func TestReadHeaderV2TCP4(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(v2Signature[:])
	buf.WriteByte(0x21) // version 2, command PROXY
	buf.WriteByte(0x11) // family AF_INET, proto STREAM

	body := make([]byte, 12)
	copy(body[0:4], net.ParseIP("10.1.2.3").To4())
	copy(body[4:8], net.ParseIP("10.1.2.4").To4())
	binary.BigEndian.PutUint16(body[8:10], 1234)
	binary.BigEndian.PutUint16(body[10:12], 443)

	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(body)))
	buf.Write(lenBuf)
	buf.Write(body)
	buf.WriteString("payload")

	r := bufio.NewReader(&buf)
	h, err := ReadHeader(r)
	require.NoError(t, err)
	require.Equal(t, "10.1.2.3", h.SourceIP.String())
	require.Equal(t, 1234, h.SourcePort)
	require.Equal(t, 443, h.DestPort)

	rest, _ := r.ReadString('d')
	require.Equal(t, "payload", rest)
}

func TestReadHeaderReturnsNilForPlainTraffic(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("SSH-2.0-OpenSSH_9.0\r\n"))
	h, err := ReadHeader(r)
	require.NoError(t, err)
	require.Nil(t, h)
}

func TestIsTrustedPeer(t *testing.T) {
	_, cidr, _ := net.ParseCIDR("10.0.0.0/8")
	require.True(t, IsTrustedPeer(net.ParseIP("10.1.2.3"), []*net.IPNet{cidr}))
	require.False(t, IsTrustedPeer(net.ParseIP("8.8.8.8"), []*net.IPNet{cidr}))
}

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return a.s }

type fakeConn struct {
	net.Conn
	r      io.Reader
	remote net.Addr
	closed bool
}

func (c *fakeConn) Read(b []byte) (int, error) { return c.r.Read(b) }
func (c *fakeConn) RemoteAddr() net.Addr       { return c.remote }
func (c *fakeConn) Close() error               { c.closed = true; return nil }

type fakeListener struct {
	conns []*fakeConn
	i     int
}

func (l *fakeListener) Accept() (net.Conn, error) {
	if l.i >= len(l.conns) {
		return nil, io.EOF
	}
	c := l.conns[l.i]
	l.i++
	return c, nil
}
func (l *fakeListener) Close() error   { return nil }
func (l *fakeListener) Addr() net.Addr { return fakeAddr{"listener"} }

func TestListenerAcceptAppliesHeaderFromTrustedPeer(t *testing.T) {
	_, trustedCIDR, _ := net.ParseCIDR("10.0.0.0/8")
	raw := "PROXY TCP4 203.0.113.9 198.51.100.1 51234 22\r\nssh-payload"
	inner := &fakeListener{conns: []*fakeConn{{
		r:      bytes.NewBufferString(raw),
		remote: fakeAddr{"10.0.0.5:4000"},
	}}}

	l := NewListener(inner, []*net.IPNet{trustedCIDR})
	conn, err := l.Accept()
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9:51234", conn.RemoteAddr().String())

	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "ssh-payload", string(rest))
}

func TestListenerAcceptIgnoresHeaderFromUntrustedPeer(t *testing.T) {
	_, trustedCIDR, _ := net.ParseCIDR("10.0.0.0/8")
	raw := "PROXY TCP4 203.0.113.9 198.51.100.1 51234 22\r\nssh-payload"
	inner := &fakeListener{conns: []*fakeConn{{
		r:      bytes.NewBufferString(raw),
		remote: fakeAddr{"8.8.8.8:4000"},
	}}}

	l := NewListener(inner, []*net.IPNet{trustedCIDR})
	conn, err := l.Accept()
	require.NoError(t, err)
	require.Equal(t, "8.8.8.8:4000", conn.RemoteAddr().String())

	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, raw, string(rest))
}

func TestListenerAcceptPassesThroughPlainTrafficFromTrustedPeer(t *testing.T) {
	_, trustedCIDR, _ := net.ParseCIDR("10.0.0.0/8")
	inner := &fakeListener{conns: []*fakeConn{{
		r:      bytes.NewBufferString("SSH-2.0-OpenSSH_9.0\r\n"),
		remote: fakeAddr{"10.0.0.5:4000"},
	}}}

	l := NewListener(inner, []*net.IPNet{trustedCIDR})
	conn, err := l.Accept()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5:4000", conn.RemoteAddr().String())

	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "SSH-2.0-OpenSSH_9.0\r\n", string(rest))
}
