package sshtrust

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newAuthorizedKey(t *testing.T, comment string) []byte {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	return []byte(line + " " + comment + "\n")
}

func TestParse(t *testing.T) {
	_, err := Parse([]byte("  \n"))
	require.ErrorIs(t, err, ErrEmptyPayload)

	_, err = Parse([]byte("not a key\n"))
	require.ErrorIs(t, err, ErrNoKeys)

	payload := append(newAuthorizedKey(t, "engine"), newAuthorizedKey(t, "engine2")...)
	keys, err := Parse(payload)
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestInstallCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".ssh", "authorized_keys")
	payload := newAuthorizedKey(t, "ovirt-engine")

	added, err := Install(path, payload)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	n, err := Count(path)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestInstallIsIdempotentAndKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_keys")
	admin := newAuthorizedKey(t, "admin")
	require.NoError(t, os.WriteFile(path, admin[:len(admin)-1], 0o600))

	engine := newAuthorizedKey(t, "engine")
	added, err := Install(path, engine)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	added, err = Install(path, engine)
	require.NoError(t, err)
	require.Zero(t, added)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "admin")
	require.Contains(t, lines[1], "engine")

	n, err := Count(path)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestCountSkipsInvalidLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_keys")
	n, err := Count(path)
	require.NoError(t, err)
	require.Zero(t, n)

	content := append([]byte("# managed by vdsm-reg\nnot a key\n"), newAuthorizedKey(t, "engine")...)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	n, err = Count(path)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestInstallRejectsEmptyPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_keys")
	_, err := Install(path, nil)
	require.ErrorIs(t, err, ErrEmptyPayload)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
