package utils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	KEY_TYPE_RSA     = "rsa"
	KEY_TYPE_ECDSA   = "ecdsa"
	KEY_TYPE_ED25519 = "ed25519"

	DEFAULT_RSA_BITS = 4096
	MIN_RSA_BITS     = 2048

	PRIVATE_KEY_MODE fs.FileMode = 0600
	PUBLIC_KEY_MODE  fs.FileMode = 0644
)

var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrKeyInUse       = errors.New("key is used by an active tunnel")
	ErrInvalidKeyName = errors.New("invalid key name")
	ErrInvalidKeySpec = errors.New("invalid key type or size")
)

var keyNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// KeyGuard tells the key manager whether a key is referenced by a tunnel that is currently
// active. Replacing or removing such a key would pull the identity file from under a
// running ssh session.
type KeyGuard interface {
	KeyInUse(name string) (bool, error)
}

type KeyInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	Comment     string `json:"comment"`
}

type KeyManager struct {
	Dir   string
	Guard KeyGuard
}

func NewKeyManager(dir string, guard KeyGuard) *KeyManager {
	return &KeyManager{Dir: dir, Guard: guard}
}

func ValidateKeyName(name string) error {
	if !keyNamePattern.MatchString(name) || strings.HasSuffix(name, ".pub") || strings.HasSuffix(name, ".tmp") {
		return fmt.Errorf("%w: %q", ErrInvalidKeyName, name)
	}
	return nil
}

func (km *KeyManager) PrivateKeyPath(name string) string {
	return filepath.Join(km.Dir, name)
}

func (km *KeyManager) PublicKeyPath(name string) string {
	return filepath.Join(km.Dir, name+".pub")
}

func (km *KeyManager) checkNotInUse(name string) error {
	if km.Guard == nil {
		return nil
	}
	inUse, err := km.Guard.KeyInUse(name)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: %s (stop the tunnel first)", ErrKeyInUse, name)
	}
	return nil
}

// Generate creates a new key pair named name, replacing an existing one. bits is only used for
// rsa and ecdsa keys; zero selects the default size.
func (km *KeyManager) Generate(name string, keyType string, bits int) error {
	if err := ValidateKeyName(name); err != nil {
		return err
	}
	if err := km.checkNotInUse(name); err != nil {
		return err
	}
	privateKey, err := newPrivateKey(keyType, bits)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(km.Dir, 0700); err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	comment := fmt.Sprintf("%s@%s", name, hostname)

	privateKeyPEM, err := ssh.MarshalPrivateKey(privateKey, comment)
	if err != nil {
		return err
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return err
	}
	authorizedKey := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))

	if err := writeFileAtomic(km.PrivateKeyPath(name), pem.EncodeToMemory(privateKeyPEM), PRIVATE_KEY_MODE); err != nil {
		return err
	}
	if err := EnsurePrivateKeyPermissions(km.PrivateKeyPath(name)); err != nil {
		return err
	}
	if err := writeFileAtomic(km.PublicKeyPath(name), []byte(authorizedKey+" "+comment+"\n"), PUBLIC_KEY_MODE); err != nil {
		return err
	}
	log.WithFields(log.Fields{"key": name, "type": signer.PublicKey().Type()}).Infof("Generated key %s", ssh.FingerprintSHA256(signer.PublicKey()))
	return nil
}

func newPrivateKey(keyType string, bits int) (crypto.Signer, error) {
	switch strings.ToLower(keyType) {
	case KEY_TYPE_ED25519, "":
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, err
	case KEY_TYPE_RSA:
		if bits == 0 {
			bits = DEFAULT_RSA_BITS
		}
		if bits < MIN_RSA_BITS {
			return nil, fmt.Errorf("%w: rsa keys need at least %d bits, got %d", ErrInvalidKeySpec, MIN_RSA_BITS, bits)
		}
		return rsa.GenerateKey(rand.Reader, bits)
	case KEY_TYPE_ECDSA:
		var curve elliptic.Curve
		switch bits {
		case 0, 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("%w: ecdsa keys are 256, 384 or 521 bits, got %d", ErrInvalidKeySpec, bits)
		}
		return ecdsa.GenerateKey(curve, rand.Reader)
	default:
		return nil, fmt.Errorf("%w: unknown key type %q", ErrInvalidKeySpec, keyType)
	}
}

// GetPublicKey returns the authorized_keys line of the named key.
func (km *KeyManager) GetPublicKey(name string) (string, error) {
	if err := ValidateKeyName(name); err != nil {
		return "", err
	}
	buf, err := os.ReadFile(km.PublicKeyPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// ResolvePrivateKey returns the path of a usable identity file for the named key,
// fixing its permissions on the way. A permission fix-up failure is returned as an error.
func (km *KeyManager) ResolvePrivateKey(name string) (string, error) {
	if err := ValidateKeyName(name); err != nil {
		return "", err
	}
	path := km.PrivateKeyPath(name)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	} else if err != nil {
		return "", err
	}
	if err := EnsurePrivateKeyPermissions(path); err != nil {
		return "", err
	}
	return path, nil
}

func (km *KeyManager) Remove(name string) error {
	if err := ValidateKeyName(name); err != nil {
		return err
	}
	if !FileExists(km.PrivateKeyPath(name)) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if err := km.checkNotInUse(name); err != nil {
		return err
	}
	if err := os.Remove(km.PrivateKeyPath(name)); err != nil {
		return err
	}
	if err := os.Remove(km.PublicKeyPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	log.Infof("Removed key %s", name)
	return nil
}

func (km *KeyManager) List() ([]KeyInfo, error) {
	entries, err := os.ReadDir(km.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []KeyInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	keys := []KeyInfo{}
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".pub")
		if entry.IsDir() || name == entry.Name() || !FileExists(km.PrivateKeyPath(name)) {
			continue
		}
		info := KeyInfo{Name: name}
		content, err := km.GetPublicKey(name)
		if err != nil {
			log.Warnf("Could not read public key %s: %s", name, err)
			continue
		}
		publicKey, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(content))
		if err != nil {
			log.Warnf("Could not parse public key %s: %s", name, err)
			continue
		}
		info.Type = publicKey.Type()
		info.Fingerprint = ssh.FingerprintSHA256(publicKey)
		info.Comment = comment
		keys = append(keys, info)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys, nil
}

// EnsurePrivateKeyPermissions makes path owner-read-write-only and owned by the current
// user. ssh refuses identity files that are readable by others.
func EnsurePrivateKeyPermissions(path string) error {
	if err := os.Chmod(path, PRIVATE_KEY_MODE); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	if err := os.Chown(path, os.Getuid(), os.Getgid()); err != nil {
		return fmt.Errorf("setting ownership on %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != PRIVATE_KEY_MODE {
		return fmt.Errorf("private key %s has mode %s after fix-up", path, info.Mode().Perm())
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	if err := os.Chmod(temporaryPath, mode); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return err
	}
	return nil
}
