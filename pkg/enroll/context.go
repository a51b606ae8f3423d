package enroll

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/vdsm-reg/pkg/config"
)

// Context is everything one registration attempt needs. It is built fresh for
// every attempt and never modified while the attempt runs.
type Context struct {
	EngineHost       string
	EngineAddress    string
	EngineHTTPPort   int
	RegistrationPort int
	RegistrationPath string

	NodeAddress  string
	NodeName     string
	NodeUniqueID string

	// Ticket is empty when no one-time ticket was supplied.
	Ticket string
	// Fingerprint is the expected engine certificate fingerprint, or the
	// unset sentinel to trust the first certificate seen.
	Fingerprint string

	// Timeout bounds every network operation of the attempt.
	Timeout time.Duration
}

// Outcome is the result of one attempt.
type Outcome struct {
	Succeeded bool
	// EngineTime is the verbatim body of a successful registration reply.
	EngineTime    string
	HasEngineTime bool
}

// Validate reports whether the node has enough identity to register.
func Validate(ec Context) bool {
	return !config.IsUnset(ec.NodeAddress) && !config.IsUnset(ec.NodeName)
}

// HasFingerprint reports whether the certificate must match a configured value.
func (ec Context) HasFingerprint() bool {
	return !config.IsUnset(ec.Fingerprint)
}

// dialAddress prefers the resolved address so a DNS change between resolution
// and dial cannot redirect the attempt.
func (ec Context) dialAddress() string {
	host := ec.EngineAddress
	if config.IsUnset(host) {
		host = ec.EngineHost
	}
	return net.JoinHostPort(host, strconv.Itoa(ec.EngineHTTPPort))
}

func (ec Context) hostHeader() string {
	host := ec.EngineHost
	if config.IsUnset(host) {
		host = ec.EngineAddress
	}
	return net.JoinHostPort(host, strconv.Itoa(ec.EngineHTTPPort))
}

func (ec Context) serverName() string {
	if config.IsUnset(ec.EngineHost) || net.ParseIP(ec.EngineHost) != nil {
		return ""
	}
	return ec.EngineHost
}

func (ec Context) timeout() time.Duration {
	if ec.Timeout <= 0 {
		return 10 * time.Second
	}
	return ec.Timeout
}

// RegistrationURI is the registration path plus its query, with parameters
// in the order the engine documents.
func (ec Context) RegistrationURI() string {
	params := []struct{ key, value string }{
		{"vds_ip", ec.NodeAddress},
		{"vds_name", ec.NodeName},
		{"vds_unique_id", ec.NodeUniqueID},
		{"port", strconv.Itoa(ec.RegistrationPort)},
		{"__VIEWSTATE", ""},
		{"ticket", ec.Ticket},
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p.key)+"="+url.QueryEscape(p.value))
	}
	sep := "?"
	if strings.Contains(ec.RegistrationPath, "?") {
		sep = "&"
	}
	return ec.RegistrationPath + sep + strings.Join(parts, "&")
}
