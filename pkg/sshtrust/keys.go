// Package sshtrust installs the management engine's public key so the engine
// can reach the node over SSH.
package sshtrust

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

var (
	ErrEmptyPayload = errors.New("authorized keys payload is empty")
	ErrNoKeys       = errors.New("authorized keys payload holds no valid key")
)

// Parse returns every key in an authorized_keys formatted payload.
func Parse(payload []byte) ([]ssh.PublicKey, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrEmptyPayload
	}
	var keys []ssh.PublicKey
	rest := payload
	for len(bytes.TrimSpace(rest)) > 0 {
		key, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			break
		}
		keys = append(keys, key)
		rest = next
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}

// Install merges the keys from payload into the authorized_keys file at path,
// creating the directory with 0700 when it is missing. It returns how many
// keys were appended.
func Install(path string, payload []byte) (int, error) {
	if _, err := Parse(payload); err != nil {
		return 0, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, err
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	present := make(map[string]struct{})
	for _, key := range fingerprints(existing) {
		present[key] = struct{}{}
	}

	var out bytes.Buffer
	out.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		out.WriteByte('\n')
	}

	added := 0
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			continue
		}
		fp := ssh.FingerprintSHA256(key)
		if _, ok := present[fp]; ok {
			continue
		}
		present[fp] = struct{}{}
		out.WriteString(line)
		out.WriteByte('\n')
		added++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if added == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(dir, ".authorized_keys-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("install %s: %w", path, err)
	}
	return added, nil
}

// Count reports how many valid keys the authorized_keys file at path holds.
// Lines that do not parse are skipped, as sshd does. A missing file holds none.
func Count(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(fingerprints(data)), nil
}

func fingerprints(data []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, _, _, _, err := ssh.ParseAuthorizedKey(scanner.Bytes())
		if err != nil {
			continue
		}
		out = append(out, ssh.FingerprintSHA256(key))
	}
	return out
}
