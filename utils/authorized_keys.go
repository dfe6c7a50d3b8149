package utils

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"io"
	"io/fs"
	"net"
	"strings"
	"time"
)

type InstallTarget struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
	// HostKeyCallback is required; see KnownHostsCallback.
	HostKeyCallback ssh.HostKeyCallback
}

// InstallPublicKey appends publicKey to ~/.ssh/authorized_keys of the target account over
// SFTP, authenticating with a password. Nothing is written when the key is already present.
func InstallPublicKey(target InstallTarget, publicKey string) error {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	if target.HostKeyCallback == nil {
		return errors.New("no host key callback given")
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
		HostKeyCallback: target.HostKeyCallback,
		Timeout:         timeout,
	}
	address := net.JoinHostPort(target.Host, fmt.Sprint(target.Port))
	sshClient, err := ssh.Dial("tcp", address, config)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("starting sftp on %s: %w", address, err)
	}
	defer client.Close()

	if err := client.MkdirAll(".ssh"); err != nil {
		return err
	}
	if err := client.Chmod(".ssh", 0700); err != nil {
		return err
	}

	existing := []byte{}
	if f, err := client.Open(".ssh/authorized_keys"); err == nil {
		existing, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	updated, changed := MergeAuthorizedKey(existing, parsed, publicKey)
	if !changed {
		log.Infof("Key %s already authorized for %s@%s", ssh.FingerprintSHA256(parsed), target.Username, target.Host)
		return nil
	}

	f, err := client.Create(".ssh/authorized_keys.tmp")
	if err != nil {
		return err
	}
	if _, err := f.Write(updated); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := client.Chmod(".ssh/authorized_keys.tmp", 0600); err != nil {
		return err
	}
	if err := client.PosixRename(".ssh/authorized_keys.tmp", ".ssh/authorized_keys"); err != nil {
		return err
	}
	log.Infof("Installed key %s for %s@%s", ssh.FingerprintSHA256(parsed), target.Username, target.Host)
	return nil
}

// MergeAuthorizedKey returns existing with line appended unless a key with the same
// fingerprint is already listed.
func MergeAuthorizedKey(existing []byte, key ssh.PublicKey, line string) ([]byte, bool) {
	rest := existing
	for len(rest) > 0 {
		current, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			break
		}
		if bytes.Equal(current.Marshal(), key.Marshal()) {
			return existing, false
		}
		rest = next
	}
	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteString(strings.TrimSpace(line))
	buf.WriteByte('\n')
	return buf.Bytes(), true
}
