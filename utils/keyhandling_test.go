package utils

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"os"
	"testing"
)

type fakeGuard struct {
	inUse map[string]bool
	err   error
}

func (g *fakeGuard) KeyInUse(name string) (bool, error) {
	return g.inUse[name], g.err
}

func TestKeyManager_GenerateEd25519(t *testing.T) {
	km := NewKeyManager(t.TempDir(), &fakeGuard{})
	require.NoError(t, km.Generate("id_ops", KEY_TYPE_ED25519, 0))

	info, err := os.Stat(km.PrivateKeyPath("id_ops"))
	require.NoError(t, err)
	assert.Equal(t, PRIVATE_KEY_MODE, info.Mode().Perm())

	buf, err := os.ReadFile(km.PrivateKeyPath("id_ops"))
	require.NoError(t, err)
	signer, err := ssh.ParsePrivateKey(buf)
	require.NoError(t, err)

	publicKey, err := km.GetPublicKey("id_ops")
	require.NoError(t, err)
	parsed, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	require.NoError(t, err)
	assert.Equal(t, ssh.KeyAlgoED25519, parsed.Type())
	assert.Equal(t, signer.PublicKey().Marshal(), parsed.Marshal())
	assert.Contains(t, comment, "id_ops@")
}

func TestKeyManager_GenerateRSAAndECDSA(t *testing.T) {
	km := NewKeyManager(t.TempDir(), nil)
	require.NoError(t, km.Generate("id_rsa", KEY_TYPE_RSA, 2048))
	require.NoError(t, km.Generate("id_ecdsa", KEY_TYPE_ECDSA, 384))

	keys, err := km.List()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "id_ecdsa", keys[0].Name)
	assert.Equal(t, "ecdsa-sha2-nistp384", keys[0].Type)
	assert.Equal(t, "id_rsa", keys[1].Name)
	assert.Equal(t, ssh.KeyAlgoRSA, keys[1].Type)
}

func TestKeyManager_GenerateInvalid(t *testing.T) {
	km := NewKeyManager(t.TempDir(), nil)
	assert.ErrorIs(t, km.Generate("id_rsa", KEY_TYPE_RSA, 1024), ErrInvalidKeySpec)
	assert.ErrorIs(t, km.Generate("id_ecdsa", KEY_TYPE_ECDSA, 128), ErrInvalidKeySpec)
	assert.ErrorIs(t, km.Generate("id_dsa", "dsa", 0), ErrInvalidKeySpec)
	assert.ErrorIs(t, km.Generate("../escape", KEY_TYPE_ED25519, 0), ErrInvalidKeyName)
	assert.ErrorIs(t, km.Generate("id.pub", KEY_TYPE_ED25519, 0), ErrInvalidKeyName)
}

func TestKeyManager_RefusesWhileInUse(t *testing.T) {
	dir := t.TempDir()
	guard := &fakeGuard{inUse: map[string]bool{}}
	km := NewKeyManager(dir, guard)
	require.NoError(t, km.Generate("id_ops", KEY_TYPE_ED25519, 0))
	before, err := km.GetPublicKey("id_ops")
	require.NoError(t, err)

	guard.inUse["id_ops"] = true
	assert.ErrorIs(t, km.Generate("id_ops", KEY_TYPE_ED25519, 0), ErrKeyInUse)
	assert.ErrorIs(t, km.Remove("id_ops"), ErrKeyInUse)

	after, err := km.GetPublicKey("id_ops")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	guard.err = errors.New("registry unavailable")
	guard.inUse["id_ops"] = false
	assert.Error(t, km.Generate("id_ops", KEY_TYPE_ED25519, 0))
}

func TestKeyManager_ResolveAndRemove(t *testing.T) {
	km := NewKeyManager(t.TempDir(), nil)
	_, err := km.ResolvePrivateKey("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = km.GetPublicKey("missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, km.Generate("id_ops", KEY_TYPE_ED25519, 0))
	require.NoError(t, os.Chmod(km.PrivateKeyPath("id_ops"), 0644))

	path, err := km.ResolvePrivateKey("id_ops")
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, PRIVATE_KEY_MODE, info.Mode().Perm())

	require.NoError(t, km.Remove("id_ops"))
	assert.False(t, FileExists(km.PrivateKeyPath("id_ops")))
	assert.False(t, FileExists(km.PublicKeyPath("id_ops")))
	assert.ErrorIs(t, km.Remove("id_ops"), ErrKeyNotFound)
}

func TestKeyManager_ListMissingDir(t *testing.T) {
	km := NewKeyManager(t.TempDir()+"/nope", nil)
	keys, err := km.List()
	require.NoError(t, err)
	assert.Empty(t, keys)
}
