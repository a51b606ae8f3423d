package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConf = `[vars]
vdc_host_name = engine.example
vdc_host_port = 8443
vdc_reg_uri = /OvirtEngineWeb/register
ticket = abc123
fingerprint = None
reg_req_interval = 10
# keep me
upgrade_iso_file = /data/updates/node.iso
`

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("VDSM_REG_ENV_FILE", filepath.Join(dir, "absent.env"))
	path := filepath.Join(dir, "vdsm-reg.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.conf"))
	require.Error(t, err)
	require.True(t, errors.Is(err, os.ErrNotExist))

	_, err = Load("")
	require.ErrorIs(t, err, ErrMissingConfigPath)
}

func TestLoadParsesVarsAndKeepsDefaults(t *testing.T) {
	path := writeConf(t, sampleConf)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "engine.example", cfg.Vars.EngineHostName)
	require.Equal(t, 8443, cfg.Vars.EngineHostPort)
	require.Equal(t, "abc123", cfg.Vars.Ticket)
	require.Equal(t, 10, cfg.Vars.RequestInterval)
	require.Equal(t, 54321, cfg.Vars.RegistrationPort)
	require.Equal(t, 10, cfg.Vars.SocketTimeout)
	require.True(t, IsUnset(cfg.Vars.Fingerprint))
	require.Equal(t, path, cfg.Path())
}

func TestEnvOverrides(t *testing.T) {
	path := writeConf(t, sampleConf)
	t.Setenv("VDSM_REG_HOST_NAME", "other.example")
	t.Setenv("VDSM_REG_HOST_PORT", "9443")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "other.example", cfg.Vars.EngineHostName)
	require.Equal(t, 9443, cfg.Vars.EngineHostPort)
}

func TestEnvFileOverrides(t *testing.T) {
	path := writeConf(t, sampleConf)
	envFile := filepath.Join(filepath.Dir(path), "vdsm-reg.env")
	require.NoError(t, os.WriteFile(envFile, []byte("VDSM_REG_FINGERPRINT=AA:BB\n"), 0o600))
	t.Setenv("VDSM_REG_ENV_FILE", envFile)
	t.Cleanup(func() { os.Unsetenv("VDSM_REG_FINGERPRINT") })

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "AA:BB", cfg.Vars.Fingerprint)
}

func TestClearTicketPreservesOtherKeys(t *testing.T) {
	path := writeConf(t, sampleConf)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, cfg.ClearTicket())
	require.Empty(t, cfg.Vars.Ticket)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, reloaded.Vars.Ticket)
	require.Equal(t, "engine.example", reloaded.Vars.EngineHostName)
	require.Equal(t, "/data/updates/node.iso", reloaded.Vars.UpgradeISOFile)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Vars.EngineHostPort = 0
	require.ErrorIs(t, cfg.Validate(), ErrInvalidPort)

	cfg = DefaultConfig()
	cfg.Vars.RegistrationURI = "register"
	require.ErrorIs(t, cfg.Validate(), ErrInvalidRegistrationURI)

	cfg = DefaultConfig()
	cfg.Vars.FingerprintDigest = "crc32"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Vars.RequestInterval = -1
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5, cfg.Vars.RequestInterval)
}

func TestIsUnset(t *testing.T) {
	for _, v := range []string{"", "  ", "None", "NONE", "none", "unset"} {
		if !IsUnset(v) {
			t.Errorf("IsUnset(%q) = false", v)
		}
	}
	for _, v := range []string{"node1", "10.0.0.1", "Nonesuch"} {
		if IsUnset(v) {
			t.Errorf("IsUnset(%q) = true", v)
		}
	}
}

func TestParseCmdline(t *testing.T) {
	params := ParseCmdline(`BOOT_IMAGE=/vmlinuz ro quiet management_server=engine.example:8443 management_server_fingerprint="aa:bb"`)
	require.Equal(t, "engine.example:8443", params["management_server"])
	require.Equal(t, "aa:bb", params["management_server_fingerprint"])
	_, ok := params["quiet"]
	require.True(t, ok)
}

func TestSeedWritesVars(t *testing.T) {
	path := writeConf(t, sampleConf)
	vars, err := Seed(path, map[string]string{
		"management_server":             "mgmt.example:9443",
		"management_server_fingerprint": "aa:bb",
	})
	require.NoError(t, err)
	require.Equal(t, "mgmt.example", vars["vdc_host_name"])

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "mgmt.example", cfg.Vars.EngineHostName)
	require.Equal(t, 9443, cfg.Vars.EngineHostPort)
	require.Equal(t, "AA:BB", cfg.Vars.Fingerprint)
}

func TestSeedVarsHostOnly(t *testing.T) {
	vars, err := SeedVars(map[string]string{"management_server": "engine.example"})
	require.NoError(t, err)
	require.Equal(t, "engine.example", vars["vdc_host_name"])
	_, ok := vars["vdc_host_port"]
	require.False(t, ok)

	_, err = SeedVars(map[string]string{"management_server": "engine.example:99999"})
	require.Error(t, err)
}

func TestSeedVarsTicket(t *testing.T) {
	vars, err := SeedVars(map[string]string{"management_server_ticket": "abc"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"ticket": "abc"}, vars)
}

func TestLoadLogging(t *testing.T) {
	cfg, err := LoadLogging(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Level)

	path := filepath.Join(t.TempDir(), "logger.yaml")
	require.NoError(t, os.WriteFile(path, []byte("level: debug\njson: true\n"), 0o600))
	cfg, err = LoadLogging(path)
	require.NoError(t, err)
	require.Equal(t, "debug", strings.ToLower(cfg.Level))
	require.True(t, cfg.JSON)
}
