package health

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/haasonsaas/vdsm-reg/pkg/config"
	"github.com/haasonsaas/vdsm-reg/pkg/enroll"
	"github.com/haasonsaas/vdsm-reg/pkg/sshtrust"
	"github.com/haasonsaas/vdsm-reg/pkg/trust"
)

type HealthStatus struct {
	EngineResolved      bool      `json:"engine_resolved"`
	EngineReachable     bool      `json:"engine_reachable"`
	CertificateCached   bool      `json:"certificate_cached"`
	CertificateMatches  bool      `json:"certificate_matches"`
	AuthorizedKeys      int       `json:"authorized_keys"`
	NodeIdentityValid   bool      `json:"node_identity_valid"`
	TimeDrift           int       `json:"time_drift_seconds"`
	UpgradeImagePending bool      `json:"upgrade_image_pending"`
	CheckedAt           time.Time `json:"checked_at"`
	Healthy             bool      `json:"healthy"`
	Issues              []string  `json:"issues,omitempty"`
}

// Checker runs the preflight. Zero-valued fields fall back to the system.
type Checker struct {
	Dialer   enroll.Dialer
	Now      func() time.Time
	Timeout  time.Duration
	MaxDrift time.Duration
}

func NewChecker() *Checker {
	return &Checker{
		Dialer:   &net.Dialer{},
		Now:      time.Now,
		Timeout:  5 * time.Second,
		MaxDrift: 5 * time.Minute,
	}
}

// Check is a preflight with default settings.
func Check(ctx context.Context, ec enroll.Context, vars config.VarsConfig) *HealthStatus {
	return NewChecker().Check(ctx, ec, vars)
}

// Check inspects everything a registration attempt depends on without
// changing any state on the node.
func (c *Checker) Check(ctx context.Context, ec enroll.Context, vars config.VarsConfig) *HealthStatus {
	status := &HealthStatus{
		Healthy:   true,
		Issues:    []string{},
		CheckedAt: c.now(),
	}
	fail := func(format string, args ...any) {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf(format, args...))
	}

	status.EngineResolved = !config.IsUnset(ec.EngineAddress)
	if !status.EngineResolved {
		fail("cannot resolve engine host %q", ec.EngineHost)
	} else {
		addr := net.JoinHostPort(ec.EngineAddress, strconv.Itoa(ec.EngineHTTPPort))
		if err := c.reach(ctx, addr); err != nil {
			fail("cannot reach engine at %s: %v", addr, err)
		} else {
			status.EngineReachable = true
		}
	}

	status.NodeIdentityValid = enroll.Validate(ec)
	if !status.NodeIdentityValid {
		fail("node identity incomplete: address=%q name=%q", ec.NodeAddress, ec.NodeName)
	}

	store := trust.NewStore(vars.CertFile, vars.FingerprintDigest)
	if store.Exists() {
		status.CertificateCached = true
		cert, err := store.Load()
		switch {
		case err != nil:
			fail("cached engine certificate unreadable: %v", err)
		case ec.HasFingerprint() && !trust.MatchFingerprint(ec.Fingerprint, store.Fingerprint(cert)):
			fail("cached engine certificate %s does not match configured fingerprint %s", store.Fingerprint(cert), ec.Fingerprint)
		default:
			status.CertificateMatches = true
		}
	}

	if n, err := sshtrust.Count(vars.AuthorizedKeys); err == nil {
		status.AuthorizedKeys = n
	} else {
		status.Issues = append(status.Issues, fmt.Sprintf("cannot read authorized keys: %v", err))
	}

	if status.EngineReachable {
		drift, err := c.drift(ctx, ec, store)
		if err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("cannot read engine time: %v", err))
		} else {
			status.TimeDrift = int(drift / time.Second)
			if drift > c.maxDrift() {
				fail("time drift %ds exceeds max %ds", status.TimeDrift, int(c.maxDrift()/time.Second))
			}
		}
	}

	if !config.IsUnset(vars.UpgradeISOFile) {
		if _, err := os.Stat(vars.UpgradeISOFile); err == nil {
			status.UpgradeImagePending = true
		}
	}

	return status
}

func (c *Checker) reach(ctx context.Context, addr string) error {
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// drift compares the local clock with the engine's Date header. HTTPS is
// tried first, then plain HTTP, as registration does.
func (c *Checker) drift(ctx context.Context, ec enroll.Context, store *trust.Store) (time.Duration, error) {
	serverName := ec.EngineHost
	if config.IsUnset(serverName) || net.ParseIP(serverName) != nil {
		serverName = ""
	}
	tlsConfig, _, err := store.TLSConfig(serverName)
	if err != nil {
		tlsConfig = &tls.Config{ServerName: serverName, InsecureSkipVerify: true} //nolint:gosec
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	transport := &http.Transport{
		DialContext:     dialer.DialContext,
		TLSClientConfig: tlsConfig,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: c.timeout()}

	hostPort := net.JoinHostPort(ec.EngineAddress, strconv.Itoa(ec.EngineHTTPPort))
	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, scheme+"://"+hostPort+"/", nil)
		if err != nil {
			return 0, err
		}
		if !config.IsUnset(ec.EngineHost) {
			req.Host = net.JoinHostPort(ec.EngineHost, strconv.Itoa(ec.EngineHTTPPort))
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		date, err := http.ParseTime(resp.Header.Get("Date"))
		if err != nil {
			return 0, errors.New("engine sent no usable Date header")
		}
		d := c.now().Sub(date)
		if d < 0 {
			d = -d
		}
		return d, nil
	}
	return 0, lastErr
}

func (c *Checker) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Checker) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.Timeout
}

func (c *Checker) maxDrift() time.Duration {
	if c.MaxDrift <= 0 {
		return 5 * time.Minute
	}
	return c.MaxDrift
}
