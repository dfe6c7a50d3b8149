package utils

import (
	"crypto/ed25519"
	"crypto/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type testSSHServer struct {
	address      string
	hostKey      ssh.PublicKey
	passwordSeen atomic.Bool
}

// startSSHServer accepts password logins with any password and serves nothing else.
func startSSHServer(t *testing.T) *testSSHServer {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(private)
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	server := &testSSHServer{address: listener.Addr().String(), hostKey: signer.PublicKey()}
	config := &ssh.ServerConfig{
		PasswordCallback: func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
			server.passwordSeen.Store(true)
			return nil, nil
		},
	}
	config.AddHostKey(signer)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
				if err != nil {
					return
				}
				defer sshConn.Close()
				go ssh.DiscardRequests(reqs)
				for ch := range chans {
					ch.Reject(ssh.Prohibited, "nothing here")
				}
			}(conn)
		}
	}()
	return server
}

func (s *testSSHServer) target(callback ssh.HostKeyCallback) InstallTarget {
	host, port, _ := net.SplitHostPort(s.address)
	portNumber, _ := strconv.Atoi(port)
	return InstallTarget{Host: host, Port: portNumber, Username: "ops", Password: "secret", HostKeyCallback: callback}
}

func dialWith(server *testSSHServer, callback ssh.HostKeyCallback) error {
	client, err := ssh.Dial("tcp", server.address, &ssh.ClientConfig{
		User:            "ops",
		Auth:            []ssh.AuthMethod{ssh.Password("secret")},
		HostKeyCallback: callback,
		Timeout:         5 * time.Second,
	})
	if err != nil {
		return err
	}
	return client.Close()
}

func TestKnownHostsCallback_AcceptNewRecordsHost(t *testing.T) {
	server := startSSHServer(t)
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")

	callback, err := KnownHostsCallback(path, "accept-new")
	require.NoError(t, err)
	require.NoError(t, dialWith(server, callback))

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(buf), knownhosts.Normalize(server.address))
	assert.Contains(t, string(buf), strings.TrimSpace(string(ssh.MarshalAuthorizedKey(server.hostKey))))

	// A fresh callback now knows the host.
	callback, err = KnownHostsCallback(path, "yes")
	require.NoError(t, err)
	require.NoError(t, dialWith(server, callback))
}

func TestKnownHostsCallback_RejectsChangedKey(t *testing.T) {
	server := startSSHServer(t)
	path := filepath.Join(t.TempDir(), "known_hosts")
	otherKey, _ := newAuthorizedKey(t, "")
	line := knownhosts.Line([]string{knownhosts.Normalize(server.address)}, otherKey) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0600))

	callback, err := KnownHostsCallback(path, "accept-new")
	require.NoError(t, err)
	_, publicKey := newAuthorizedKey(t, "ops@host")
	err = InstallPublicKey(server.target(callback), publicKey)
	assert.ErrorIs(t, err, ErrHostKeyMismatch)
	assert.False(t, server.passwordSeen.Load(), "password sent to an unverified host")

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, line, string(buf))
}

func TestKnownHostsCallback_StrictRejectsUnknown(t *testing.T) {
	server := startSSHServer(t)
	path := filepath.Join(t.TempDir(), "known_hosts")

	callback, err := KnownHostsCallback(path, "yes")
	require.NoError(t, err)
	assert.ErrorIs(t, dialWith(server, callback), ErrHostKeyUnknown)
	assert.False(t, server.passwordSeen.Load())

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, buf)
}

func TestInstallPublicKey_NeedsHostKeyCallback(t *testing.T) {
	server := startSSHServer(t)
	_, publicKey := newAuthorizedKey(t, "ops@host")

	err := InstallPublicKey(server.target(nil), publicKey)
	assert.Error(t, err)
	assert.False(t, server.passwordSeen.Load())
}
