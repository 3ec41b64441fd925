package srv

import (
	"bufio"
	"context"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/galti3r/s5/lib/authn"
	"github.com/galti3r/s5/lib/dnscache"
	"github.com/galti3r/s5/lib/egress"
	"github.com/galti3r/s5/lib/policy"
	"github.com/galti3r/s5/lib/pool"
	"github.com/galti3r/s5/lib/proxyengine"
	"github.com/galti3r/s5/lib/registry"
	"github.com/galti3r/s5/lib/socks5"
)

func standaloneUserConfig(username, passwordHash string) policy.RawConfig {
	return policy.RawConfig{
		Global: policy.RawGlobal{ACL: &policy.ACLSet{Default: policy.ACLAllow}},
		Users: map[string]policy.RawUser{
			username: {
				Username:     username,
				PasswordHash: passwordHash,
				AuthChain:    []policy.AuthMethod{policy.AuthPassword},
				Forwarding:   policy.Forwarding{AllowStandalone: true},
				AllowPrivate: true,
			},
		},
	}
}

func newTestStandaloneServer(t *testing.T, cfg policy.RawConfig) *StandaloneServer {
	t.Helper()

	store, err := policy.NewStore(cfg)
	require.NoError(t, err)

	authenticator, err := authn.New(authn.Config{Store: store})
	require.NoError(t, err)

	dns, err := dnscache.New(dnscache.Config{})
	require.NoError(t, err)
	eg, err := egress.New(egress.Config{DNS: dns})
	require.NoError(t, err)

	engine, err := proxyengine.New(proxyengine.Config{Pool: pool.New(pool.Config{Clock: clockwork.NewFakeClock()})})
	require.NoError(t, err)

	s, err := NewStandalone(StandaloneConfig{
		Store:    store,
		Authn:    authenticator,
		Egress:   eg,
		Engine:   engine,
		Registry: registry.New(nil),
		Clock:    clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return s
}

// echoListener accepts one connection and echoes whatever it reads
// back to the caller, standing in for an upstream destination.
func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return ln
}

func TestStandaloneSocks5AuthSuccessProxiesConnect(t *testing.T) {
	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	require.NoError(t, err)
	hash := encodeArgon2id("hunter2", salt, 64*1024, 1, 1)

	s := newTestStandaloneServer(t, standaloneUserConfig("alice", hash))
	dst := echoListener(t)
	defer dst.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x05, 0x01, socks5.MethodUserPass})
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	selection := make([]byte, 2)
	_, err = io.ReadFull(br, selection)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), selection[0])
	require.Equal(t, socks5.MethodUserPass, selection[1])

	userpass := []byte{0x01, byte(len("alice"))}
	userpass = append(userpass, []byte("alice")...)
	userpass = append(userpass, byte(len("hunter2")))
	userpass = append(userpass, []byte("hunter2")...)
	_, err = conn.Write(userpass)
	require.NoError(t, err)

	authReply := make([]byte, 2)
	_, err = io.ReadFull(br, authReply)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), authReply[0])
	require.Equal(t, byte(0x00), authReply[1])

	_, dstPortStr, err := net.SplitHostPort(dst.Addr().String())
	require.NoError(t, err)
	dstPort, err := strconv.Atoi(dstPortStr)
	require.NoError(t, err)

	req := []byte{0x05, socks5.CmdConnect, 0x00, socks5.AddrIPv4}
	req = append(req, net.ParseIP("127.0.0.1").To4()...)
	req = append(req, byte(dstPort>>8), byte(dstPort))
	_, err = conn.Write(req)
	require.NoError(t, err)

	connReply := make([]byte, 10)
	_, err = io.ReadFull(br, connReply)
	require.NoError(t, err)
	require.Equal(t, byte(0x05), connReply[0])
	require.Equal(t, socks5.ReplySuccess, connReply[1])

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	echoBuf := make([]byte, 4)
	_, err = io.ReadFull(br, echoBuf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(echoBuf))
}

func TestStandaloneSocks5AuthWrongPasswordRejected(t *testing.T) {
	salt := make([]byte, 16)
	_, err := rand.Read(salt)
	require.NoError(t, err)
	hash := encodeArgon2id("hunter2", salt, 64*1024, 1, 1)

	s := newTestStandaloneServer(t, standaloneUserConfig("alice", hash))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x05, 0x01, socks5.MethodUserPass})
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	selection := make([]byte, 2)
	_, err = io.ReadFull(br, selection)
	require.NoError(t, err)

	userpass := []byte{0x01, byte(len("alice"))}
	userpass = append(userpass, []byte("alice")...)
	userpass = append(userpass, byte(len("wrong")))
	userpass = append(userpass, []byte("wrong")...)
	_, err = conn.Write(userpass)
	require.NoError(t, err)

	authReply := make([]byte, 2)
	_, err = io.ReadFull(br, authReply)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), authReply[1])
}
