package utils

import (
	"errors"
	"fmt"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrHostKeyMismatch = errors.New("host key does not match known_hosts")
	ErrHostKeyUnknown  = errors.New("host key is not in known_hosts")
)

// KnownHostsCallback checks server keys against the known_hosts file at path, the same file
// the tunnel processes use. mode follows ssh's StrictHostKeyChecking: "yes" and "ask" reject
// unknown hosts, anything else records them. A changed key is always rejected.
func KnownHostsCallback(path string, mode string) (ssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	f.Close()
	checker, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	strict := false
	switch strings.ToLower(mode) {
	case "yes", "ask":
		strict = true
	}

	var mu sync.Mutex
	accepted := map[string]string{}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := checker(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%w: %s presented %s", ErrHostKeyMismatch, hostname, ssh.FingerprintSHA256(key))
		}
		if strict {
			return fmt.Errorf("%w: %s (%s)", ErrHostKeyUnknown, hostname, ssh.FingerprintSHA256(key))
		}

		address := knownhosts.Normalize(hostname)
		mu.Lock()
		defer mu.Unlock()
		if previous, ok := accepted[address]; ok {
			if previous != string(key.Marshal()) {
				return fmt.Errorf("%w: %s presented %s", ErrHostKeyMismatch, hostname, ssh.FingerprintSHA256(key))
			}
			return nil
		}
		out, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		defer out.Close()
		if _, err := fmt.Fprintln(out, knownhosts.Line([]string{address}, key)); err != nil {
			return err
		}
		accepted[address] = string(key.Marshal())
		log.Infof("Added %s (%s) to %s", address, ssh.FingerprintSHA256(key), path)
		return nil
	}, nil
}
