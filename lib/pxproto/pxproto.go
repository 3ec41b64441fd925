// Package pxproto implements a PROXY protocol v1 and v2 header reader
// (HAProxy's protocol, http://www.haproxy.org/download/1.8/doc/proxy-protocol.txt),
// used to recover the true client IP from a trusted upstream L4
// load-balancer (§6: "PROXY protocol v1 and v2 accepted on trusted
// upstream peers").
//
// The teacher's own multiplexer hand-rolls its connection-sniffing
// wire parsing rather than importing a third-party PROXY protocol
// library, so this package follows the same approach: a small
// bufio.Reader-based state machine, no external dependency.
package pxproto

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

var v2Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// Header carries the original client/destination addresses recovered
// from a PROXY protocol preamble.
type Header struct {
	SourceIP   net.IP
	SourcePort int
	DestIP     net.IP
	DestPort   int
	// Local is true for a v2 LOCAL command (health check, no real
	// proxied connection); callers should not trust SourceIP in this case.
	Local bool
}

// ReadHeader peeks at r and, if it begins with a PROXY protocol v1 or
// v2 preamble, consumes and parses it. If the stream does not begin
// with a recognized signature, ReadHeader returns (nil, nil) and r is
// left unconsumed beyond what peeking required (bufio.Reader buffers
// the bytes back for the caller's subsequent reads).
func ReadHeader(r *bufio.Reader) (*Header, error) {
	peek, err := r.Peek(12)
	if err != nil && len(peek) == 0 {
		return nil, trace.Wrap(err)
	}

	if len(peek) >= 12 && [12]byte(peek[:12]) == v2Signature {
		return readV2(r)
	}
	if len(peek) >= 5 && string(peek[:5]) == "PROXY" {
		return readV1(r)
	}
	return nil, nil
}

func readV1(r *bufio.Reader) (*Header, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, trace.Wrap(err, "reading PROXY v1 header")
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "PROXY" {
		return nil, trace.BadParameter("malformed PROXY v1 header: %q", line)
	}
	if fields[1] == "UNKNOWN" {
		return &Header{Local: true}, nil
	}
	if len(fields) != 6 {
		return nil, trace.BadParameter("malformed PROXY v1 header: %q", line)
	}
	srcIP := net.ParseIP(fields[2])
	dstIP := net.ParseIP(fields[3])
	if srcIP == nil || dstIP == nil {
		return nil, trace.BadParameter("malformed PROXY v1 addresses: %q", line)
	}
	srcPort, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil, trace.BadParameter("malformed PROXY v1 source port: %q", line)
	}
	dstPort, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, trace.BadParameter("malformed PROXY v1 dest port: %q", line)
	}
	return &Header{SourceIP: srcIP, SourcePort: srcPort, DestIP: dstIP, DestPort: dstPort}, nil
}

const (
	v2CmdLocal = 0x0
	v2CmdProxy = 0x1

	v2FamilyInet  = 0x1
	v2FamilyInet6 = 0x2
)

func readV2(r *bufio.Reader) (*Header, error) {
	fixed := make([]byte, 16)
	if _, err := readFull(r, fixed); err != nil {
		return nil, trace.Wrap(err, "reading PROXY v2 fixed header")
	}

	verCmd := fixed[12]
	version := verCmd >> 4
	if version != 2 {
		return nil, trace.BadParameter("unsupported PROXY protocol version %d", version)
	}
	cmd := verCmd & 0x0F

	family := fixed[13] >> 4
	proto := fixed[13] & 0x0F
	_ = proto

	length := binary.BigEndian.Uint16(fixed[14:16])
	body := make([]byte, length)
	if _, err := readFull(r, body); err != nil {
		return nil, trace.Wrap(err, "reading PROXY v2 body")
	}

	if cmd == v2CmdLocal {
		return &Header{Local: true}, nil
	}
	if cmd != v2CmdProxy {
		return nil, trace.BadParameter("unsupported PROXY v2 command %d", cmd)
	}

	switch family {
	case v2FamilyInet:
		if len(body) < 12 {
			return nil, trace.BadParameter("short PROXY v2 IPv4 body")
		}
		return &Header{
			SourceIP:   net.IP(body[0:4]),
			DestIP:     net.IP(body[4:8]),
			SourcePort: int(binary.BigEndian.Uint16(body[8:10])),
			DestPort:   int(binary.BigEndian.Uint16(body[10:12])),
		}, nil
	case v2FamilyInet6:
		if len(body) < 36 {
			return nil, trace.BadParameter("short PROXY v2 IPv6 body")
		}
		return &Header{
			SourceIP:   net.IP(body[0:16]),
			DestIP:     net.IP(body[16:32]),
			SourcePort: int(binary.BigEndian.Uint16(body[32:34])),
			DestPort:   int(binary.BigEndian.Uint16(body[34:36])),
		}, nil
	default:
		// AF_UNIX or unspecified: no usable address, treat as local.
		return &Header{Local: true}, nil
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}

// IsTrustedPeer reports whether remote (the directly-connected TCP
// peer) is in the configured trusted-proxy CIDR set. PROXY headers from
// an untrusted peer MUST be ignored per §9's documented resolution of
// the PROXY/whitelist interaction open question.
func IsTrustedPeer(remote net.IP, trusted []*net.IPNet) bool {
	for _, n := range trusted {
		if n.Contains(remote) {
			return true
		}
	}
	return false
}

// Conn wraps an accepted net.Conn so reads come from the bufio.Reader
// that already buffered back any bytes peeked while parsing a PROXY
// header, and so RemoteAddr reports the PROXY-supplied source address
// when one was recovered from a trusted peer.
type Conn struct {
	net.Conn
	br     *bufio.Reader
	remote net.Addr
}

func (c *Conn) Read(b []byte) (int, error) { return c.br.Read(b) }

// RemoteAddr returns the PROXY protocol source address when the direct
// peer was trusted and supplied one, otherwise the real TCP peer
// address.
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Listener wraps a net.Listener, stripping and applying a PROXY
// protocol v1/v2 preamble from connections whose direct peer is in
// Trusted (§6, §9). Connections from untrusted peers are passed through
// unexamined: a PROXY-looking preamble from an untrusted peer is left
// for the SSH/SOCKS5 layer above to reject as garbage, never trusted.
type Listener struct {
	net.Listener
	Trusted []*net.IPNet
}

// NewListener wraps inner, trusting PROXY protocol headers only from
// peers within trusted.
func NewListener(inner net.Listener, trusted []*net.IPNet) *Listener {
	return &Listener{Listener: inner, Trusted: trusted}
}

func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	wrapped := &Conn{Conn: conn, br: br, remote: conn.RemoteAddr()}

	host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
	peerIP := net.ParseIP(host)
	if splitErr != nil || peerIP == nil || !IsTrustedPeer(peerIP, l.Trusted) {
		return wrapped, nil
	}

	hdr, err := ReadHeader(br)
	if err != nil {
		conn.Close()
		return nil, trace.Wrap(err, "parsing PROXY protocol header from trusted peer %s", conn.RemoteAddr())
	}
	if hdr != nil && !hdr.Local && hdr.SourceIP != nil {
		wrapped.remote = &net.TCPAddr{IP: hdr.SourceIP, Port: hdr.SourcePort}
	}
	return wrapped, nil
}
