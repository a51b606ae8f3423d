// Package trust keeps the management engine's certificate that the node pins
// for registration traffic.
package trust

import (
	"bytes"
	"context"
	"crypto/md5"  //nolint:gosec // selectable digest for legacy engines
	"crypto/sha1" //nolint:gosec // default digest of engine fingerprints
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNoCertificate     = errors.New("no certificate in trust store")
	ErrNoPeerCertificate = errors.New("peer presented no certificate")
)

// Store is a single PEM certificate file plus the digest used to fingerprint it.
type Store struct {
	Path   string
	Digest string
}

func NewStore(path, digest string) *Store {
	if digest == "" {
		digest = "sha1"
	}
	return &Store{Path: path, Digest: strings.ToLower(digest)}
}

func (s *Store) Exists() bool {
	info, err := os.Stat(s.Path)
	return err == nil && info.Mode().IsRegular()
}

// Load returns the first certificate in the store.
func (s *Store) Load() (*x509.Certificate, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCertificate
		}
		return nil, err
	}
	return decodePEM(data)
}

func (s *Store) Remove() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) Fingerprint(cert *x509.Certificate) string {
	return Fingerprint(cert, s.Digest)
}

// WriteTemp writes cert next to the store so Commit can rename it into place.
func (s *Store) WriteTemp(cert *x509.Certificate) (string, error) {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+"-*")
	if err != nil {
		return "", err
	}
	if err := pem.Encode(tmp, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// LoadFile decodes a certificate written by WriteTemp.
func LoadFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodePEM(data)
}

// Commit atomically moves tmp over the store and syncs the directory entry.
func (s *Store) Commit(tmp string) error {
	if err := os.Rename(tmp, s.Path); err != nil {
		return err
	}
	dir, err := os.Open(filepath.Dir(s.Path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// TLSConfig returns a client config that accepts the peer only if it presents
// the stored certificate. pinned is false when the store is empty, in which
// case the config does not verify the peer at all.
func (s *Store) TLSConfig(serverName string) (cfg *tls.Config, pinned bool, err error) {
	cert, err := s.Load()
	if errors.Is(err, ErrNoCertificate) {
		return &tls.Config{ServerName: serverName, InsecureSkipVerify: true}, false, nil //nolint:gosec
	}
	if err != nil {
		return nil, false, err
	}
	return PinnedConfig(serverName, cert), true, nil
}

// PinnedConfig verifies the peer by certificate identity instead of by chain.
func PinnedConfig(serverName string, pinned *x509.Certificate) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true, //nolint:gosec // replaced by VerifyPeerCertificate
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				if bytes.Equal(raw, pinned.Raw) {
					return nil
				}
			}
			return fmt.Errorf("peer certificate does not match trusted engine certificate")
		},
	}
}

// Probe completes a TLS handshake with addr and returns the leaf certificate
// the peer presented, without verifying it.
func Probe(ctx context.Context, addr, serverName string, timeout time.Duration) (*x509.Certificate, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    &tls.Config{ServerName: serverName, InsecureSkipVerify: true}, //nolint:gosec
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls probe %s: %w", addr, err)
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, ErrNoPeerCertificate
	}
	return certs[0], nil
}

// Fingerprint renders the digest of the DER certificate as colon separated
// uppercase hex, the form operators paste into the fingerprint setting.
func Fingerprint(cert *x509.Certificate, digest string) string {
	var h hash.Hash
	switch strings.ToLower(digest) {
	case "md5":
		h = md5.New() //nolint:gosec
	case "sha256":
		h = sha256.New()
	default:
		h = sha1.New() //nolint:gosec
	}
	h.Write(cert.Raw)
	sum := strings.ToUpper(hex.EncodeToString(h.Sum(nil)))

	parts := make([]string, 0, len(sum)/2)
	for i := 0; i+2 <= len(sum); i += 2 {
		parts = append(parts, sum[i:i+2])
	}
	return strings.Join(parts, ":")
}

// MatchFingerprint compares fingerprints ignoring case and surrounding space.
func MatchFingerprint(configured, computed string) bool {
	return strings.ToUpper(strings.TrimSpace(configured)) == strings.ToUpper(strings.TrimSpace(computed))
}

func decodePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoCertificate
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}
