// Package socks5 implements the SOCKS5 request-parsing half of RFC
// 1928/1929 used both for the in-SSH-channel dynamic forwarding loop
// and the standalone listener (§4.7, §6): greeting, method
// negotiation, CONNECT-only address parsing, and standard reply codes.
// BIND and UDP ASSOCIATE are refused.
package socks5

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strconv"

	"github.com/gravitational/trace"
)

// Auth methods as advertised in the greeting, RFC 1928 §3.
const (
	MethodNoAuth       byte = 0x00
	MethodUserPass     byte = 0x02
	MethodNoneAcceptable byte = 0xFF
)

// Commands, RFC 1928 §4.
const (
	CmdConnect      byte = 0x01
	CmdBind         byte = 0x02
	CmdUDPAssociate byte = 0x03
)

// Address types, RFC 1928 §5.
const (
	AddrIPv4   byte = 0x01
	AddrDomain byte = 0x03
	AddrIPv6   byte = 0x04
)

// Reply codes, RFC 1928 §6, named per §6 of the specification.
const (
	ReplySuccess            byte = 0x00
	ReplyGeneralFailure     byte = 0x01
	ReplyRulesetDenied      byte = 0x02
	ReplyNetworkUnreachable byte = 0x03
	ReplyHostUnreachable    byte = 0x04
	ReplyConnectionRefused  byte = 0x05
	ReplyTTLExpired         byte = 0x06
	ReplyCommandUnsupported byte = 0x07
	ReplyAddressUnsupported byte = 0x08
)

const version5 = 0x05

// Greeting is the client's opening method-negotiation offer.
type Greeting struct {
	Methods []byte
}

// ReadGreeting reads the version/nmethods/methods preamble.
func ReadGreeting(r io.Reader) (*Greeting, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, trace.Wrap(err, "reading SOCKS5 greeting header")
	}
	if hdr[0] != version5 {
		return nil, trace.BadParameter("unsupported SOCKS version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return nil, trace.Wrap(err, "reading SOCKS5 methods")
	}
	return &Greeting{Methods: methods}, nil
}

// WriteMethodSelection replies to the greeting with the chosen method
// (or MethodNoneAcceptable to refuse the connection).
func WriteMethodSelection(w io.Writer, method byte) error {
	_, err := w.Write([]byte{version5, method})
	return trace.Wrap(err)
}

// Offers reports whether a greeting advertises method m.
func (g *Greeting) Offers(m byte) bool {
	for _, v := range g.Methods {
		if v == m {
			return true
		}
	}
	return false
}

// UserPassCredentials is the RFC 1929 username/password sub-negotiation.
type UserPassCredentials struct {
	Username string
	Password []byte
}

// ReadUserPass reads one RFC 1929 username/password negotiation frame.
func ReadUserPass(r io.Reader) (*UserPassCredentials, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, trace.Wrap(err, "reading SOCKS5 userpass version")
	}
	if hdr[0] != 0x01 {
		return nil, trace.BadParameter("unsupported userpass sub-negotiation version %d", hdr[0])
	}
	uname := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, uname); err != nil {
		return nil, trace.Wrap(err, "reading SOCKS5 username")
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(r, plen); err != nil {
		return nil, trace.Wrap(err, "reading SOCKS5 password length")
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(r, pass); err != nil {
		return nil, trace.Wrap(err, "reading SOCKS5 password")
	}
	return &UserPassCredentials{Username: string(uname), Password: pass}, nil
}

// WriteUserPassReply replies to a username/password negotiation.
func WriteUserPassReply(w io.Writer, ok bool) error {
	status := byte(0x01)
	if ok {
		status = 0x00
	}
	_, err := w.Write([]byte{0x01, status})
	return trace.Wrap(err)
}

// Request is a parsed SOCKS5 CONNECT/BIND/UDP-ASSOCIATE request.
type Request struct {
	Command byte
	// Host is a literal IP (v4/v6) or a domain name; Port is 1-65535.
	Host string
	Port int
}

// ReadRequest parses the post-negotiation request line.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, trace.Wrap(err, "reading SOCKS5 request header")
	}
	if hdr[0] != version5 {
		return nil, trace.BadParameter("unsupported SOCKS version %d", hdr[0])
	}

	req := &Request{Command: hdr[2]}
	switch hdr[3] {
	case AddrIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, trace.Wrap(err, "reading IPv4 address")
		}
		req.Host = net.IP(buf).String()
	case AddrIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, trace.Wrap(err, "reading IPv6 address")
		}
		req.Host = net.IP(buf).String()
	case AddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, trace.Wrap(err, "reading domain length")
		}
		buf := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, trace.Wrap(err, "reading domain name")
		}
		req.Host = string(buf)
	default:
		return nil, trace.BadParameter("unsupported SOCKS5 address type %d", hdr[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, portBuf); err != nil {
		return nil, trace.Wrap(err, "reading SOCKS5 port")
	}
	req.Port = int(binary.BigEndian.Uint16(portBuf))
	return req, nil
}

// WriteReply writes a CONNECT reply. bindAddr/bindPort are the local
// address the proxy bound for the outbound connection, or the zero
// value on failure (RFC 1928 permits any address in that case).
func WriteReply(w io.Writer, code byte, bindAddr net.IP, bindPort int) error {
	buf := []byte{version5, code, 0x00}
	if bindAddr == nil || bindAddr.To4() != nil {
		buf = append(buf, AddrIPv4)
		v4 := bindAddr.To4()
		if v4 == nil {
			v4 = net.IPv4zero.To4()
		}
		buf = append(buf, v4...)
	} else {
		buf = append(buf, AddrIPv6)
		buf = append(buf, bindAddr.To16()...)
	}
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(bindPort))
	buf = append(buf, portBuf...)
	_, err := w.Write(buf)
	return trace.Wrap(err)
}

// HostPort renders req's destination as "host:port".
func (r *Request) HostPort() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}
