package nodeinfo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/vdsm-reg/pkg/config"
)

func TestUniqueIDFromSysfs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "product_uuid")
	if err := os.WriteFile(path, []byte("4c4c4544-0042-3510-8056-b4c04f5a4b32\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c := Collector{UUIDPath: path, Dmidecode: func(context.Context) (string, error) {
		t.Fatal("dmidecode should not run when sysfs has a uuid")
		return "", nil
	}}
	if got := c.UniqueID(context.Background()); got != "4C4C4544-0042-3510-8056-B4C04F5A4B32" {
		t.Fatalf("unexpected uuid %q", got)
	}
}

func TestUniqueIDFallsBackToDmidecode(t *testing.T) {
	c := Collector{
		UUIDPath: filepath.Join(t.TempDir(), "missing"),
		Dmidecode: func(context.Context) (string, error) {
			return "# SMBIOS entry point\n", nil
		},
	}
	if got := c.UniqueID(context.Background()); got != config.Unset {
		t.Fatalf("expected unset for comment-only output, got %q", got)
	}

	c.Dmidecode = func(context.Context) (string, error) {
		return "03000200-0400-0500-0006-000700080009\n", nil
	}
	if got := c.UniqueID(context.Background()); got != "03000200-0400-0500-0006-000700080009" {
		t.Fatalf("unexpected uuid %q", got)
	}
}

func TestUniqueIDRejectsPlaceholders(t *testing.T) {
	for _, raw := range []string{"00000000-0000-0000-0000-000000000000", "FFFFFFFF-FFFF-FFFF-FFFF-FFFFFFFFFFFF", "Not Settable"} {
		if _, ok := normalizeUUID(raw); ok {
			t.Errorf("normalizeUUID(%q) accepted a placeholder", raw)
		}
	}
}

func TestCollectName(t *testing.T) {
	c := Collector{
		UUIDPath:  filepath.Join(t.TempDir(), "missing"),
		Dmidecode: func(context.Context) (string, error) { return "", errors.New("absent") },
		Hostname:  func() (string, error) { return "node1.example\n", nil },
	}
	id := c.Collect(context.Background(), config.Unset)
	if id.Name != "node1.example" {
		t.Fatalf("unexpected name %q", id.Name)
	}
	if id.Address != config.Unset || id.UniqueID != config.Unset {
		t.Fatalf("expected unset address and id, got %+v", id)
	}
}

func TestManagementAddressLoopback(t *testing.T) {
	if got := (Collector{}).ManagementAddress("127.0.0.1"); got != "127.0.0.1" {
		t.Fatalf("unexpected address %q", got)
	}
}

func TestIsGenericHostname(t *testing.T) {
	for _, name := range []string{"", "None", "localhost", "localhost.localdomain", "LOCALHOST"} {
		if !IsGenericHostname(name) {
			t.Errorf("IsGenericHostname(%q) = false", name)
		}
	}
	if IsGenericHostname("node1.example") {
		t.Error("node1.example reported as generic")
	}
}
