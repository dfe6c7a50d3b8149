package utils

import (
	"crypto/ed25519"
	"crypto/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"strings"
	"testing"
)

func newAuthorizedKey(t *testing.T, comment string) (ssh.PublicKey, string) {
	public, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(public)
	require.NoError(t, err)
	return key, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))) + " " + comment
}

func TestMergeAuthorizedKey_Appends(t *testing.T) {
	_, other := newAuthorizedKey(t, "other@host")
	key, line := newAuthorizedKey(t, "ops@host")

	merged, changed := MergeAuthorizedKey([]byte(other), key, line)
	assert.True(t, changed)
	assert.Equal(t, other+"\n"+line+"\n", string(merged))
}

func TestMergeAuthorizedKey_AlreadyPresent(t *testing.T) {
	key, line := newAuthorizedKey(t, "ops@host")
	existing := []byte("# managed\n" + line + "\n")

	merged, changed := MergeAuthorizedKey(existing, key, strings.Replace(line, "ops@host", "renamed", 1))
	assert.False(t, changed)
	assert.Equal(t, existing, merged)
}

func TestMergeAuthorizedKey_Empty(t *testing.T) {
	key, line := newAuthorizedKey(t, "ops@host")
	merged, changed := MergeAuthorizedKey(nil, key, line)
	assert.True(t, changed)
	assert.Equal(t, line+"\n", string(merged))
}

func TestInstallPublicKey_RejectsGarbage(t *testing.T) {
	err := InstallPublicKey(InstallTarget{Host: "127.0.0.1", Port: 22}, "not a key")
	assert.Error(t, err)
}
