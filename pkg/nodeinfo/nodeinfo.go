// Package nodeinfo discovers the identifying fields a node registers with.
package nodeinfo

import (
	"context"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/vdsm-reg/pkg/config"
)

const productUUIDPath = "/sys/class/dmi/id/product_uuid"

// Identity is what the node reports about itself when registering.
type Identity struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	UniqueID string `json:"unique_id"`
}

// Collector gathers Identity fields. The zero value reads the real system.
type Collector struct {
	UUIDPath  string
	Dmidecode func(ctx context.Context) (string, error)
	Hostname  func() (string, error)
}

func (c Collector) Collect(ctx context.Context, engineAddr string) Identity {
	return Identity{
		Address:  c.ManagementAddress(engineAddr),
		Name:     c.name(),
		UniqueID: c.UniqueID(ctx),
	}
}

func (c Collector) name() string {
	hostname := os.Hostname
	if c.Hostname != nil {
		hostname = c.Hostname
	}
	name, err := hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return config.Unset
	}
	return strings.TrimSpace(name)
}

// ManagementAddress returns the local address the kernel would use to reach
// engineAddr. No packet is sent: connecting a UDP socket only selects a route.
func (c Collector) ManagementAddress(engineAddr string) string {
	if config.IsUnset(engineAddr) {
		return config.Unset
	}
	conn, err := net.Dial("udp", net.JoinHostPort(engineAddr, "9"))
	if err != nil {
		return config.Unset
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return config.Unset
	}
	return addr.IP.String()
}

// UniqueID returns the SMBIOS system UUID, or the unset sentinel when the
// hardware does not expose a usable one.
func (c Collector) UniqueID(ctx context.Context) string {
	path := c.UUIDPath
	if path == "" {
		path = productUUIDPath
	}
	if data, err := os.ReadFile(path); err == nil {
		if id, ok := normalizeUUID(string(data)); ok {
			return id
		}
	}

	dmidecode := c.Dmidecode
	if dmidecode == nil {
		dmidecode = runDmidecode
	}
	if out, err := dmidecode(ctx); err == nil {
		if id, ok := normalizeUUID(out); ok {
			return id
		}
	}
	return config.Unset
}

func runDmidecode(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "dmidecode", "-s", "system-uuid").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func normalizeUUID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return "", false
	}
	// Firmware that never set a UUID reports all 0xFF.
	if strings.Trim(strings.ReplaceAll(id.String(), "-", ""), "f") == "" {
		return "", false
	}
	return strings.ToUpper(id.String()), true
}

// IsGenericHostname reports names that identify no particular machine.
func IsGenericHostname(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if config.IsUnset(name) {
		return true
	}
	return strings.HasPrefix(name, "localhost")
}
