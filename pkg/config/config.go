package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Unset is the sentinel the registration config uses for "no value".
const Unset = "None"

const (
	varsSection    = "vars"
	tracingSection = "tracing"

	// DefaultEnvFile is consulted for VDSM_REG_* overrides when present.
	DefaultEnvFile = "/etc/sysconfig/vdsm-reg"
)

// AgentConfig is the registration agent's persistent configuration.
type AgentConfig struct {
	Vars    VarsConfig    `ini:"vars"`
	Tracing TracingConfig `ini:"tracing"`

	path string
}

// VarsConfig mirrors the [vars] section of vdsm-reg.conf.
type VarsConfig struct {
	EngineHostName    string `ini:"vdc_host_name"`
	EngineHostIP      string `ini:"vdc_host_ip"`
	EngineHostPort    int    `ini:"vdc_host_port"`
	RegistrationURI   string `ini:"vdc_reg_uri"`
	RegistrationPort  int    `ini:"vdc_reg_port"`
	Ticket            string `ini:"ticket"`
	Fingerprint       string `ini:"fingerprint"`
	FingerprintDigest string `ini:"fingerprint_digest"`
	PIDFile           string `ini:"pidfile"`
	RequestInterval   int    `ini:"reg_req_interval"`
	SocketTimeout     int    `ini:"test_socket_timeout"`
	VdsmDir           string `ini:"vdsm_dir"`
	LoggerConf        string `ini:"logger_conf"`
	UpgradeISOFile    string `ini:"upgrade_iso_file"`
	CertFile          string `ini:"cert_file"`
	SSHKeyURI         string `ini:"ssh_key_uri"`
	AuthorizedKeys    string `ini:"ssh_authorized_keys"`
	NodeAddress       string `ini:"node_address"`
	NodeName          string `ini:"node_name"`
}

// TracingConfig is shared by the agent's [tracing] section and the
// engine simulator's YAML config.
type TracingConfig struct {
	Endpoint    string  `ini:"endpoint" yaml:"endpoint"`
	Insecure    bool    `ini:"insecure" yaml:"insecure"`
	SampleRatio float64 `ini:"sample_ratio" yaml:"sample_ratio"`
	LogSpans    bool    `ini:"log_spans" yaml:"log_spans"`
}

// DefaultConfig returns a config with the stock vdsm-reg.conf values
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Vars: VarsConfig{
			EngineHostName:    Unset,
			EngineHostIP:      Unset,
			EngineHostPort:    443,
			RegistrationURI:   "/OvirtEngineWeb/register",
			RegistrationPort:  54321,
			Ticket:            "",
			Fingerprint:       Unset,
			FingerprintDigest: "sha1",
			PIDFile:           "/var/run/vdsm-reg.pid",
			RequestInterval:   5,
			SocketTimeout:     10,
			VdsmDir:           "/usr/share/vdsm",
			LoggerConf:        "/etc/vdsm-reg/logger.yaml",
			UpgradeISOFile:    "/data/updates/ovirt-node-image.iso",
			CertFile:          "/etc/pki/vdsm/certs/engine_web_ca.pem",
			SSHKeyURI:         "/engine.ssh.key.txt",
			AuthorizedKeys:    "/root/.ssh/authorized_keys",
			NodeAddress:       Unset,
			NodeName:          Unset,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// IsUnset reports whether v carries no value.
func IsUnset(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, Unset) || strings.EqualFold(v, "unset")
}

// Load reads config from file, then applies the env file and VDSM_REG_* overrides.
// The file must exist: the agent refuses to start without one.
func Load(path string) (*AgentConfig, error) {
	cfg := DefaultConfig()
	cfg.path = path

	if path == "" {
		return nil, ErrMissingConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := file.Section(varsSection).MapTo(&cfg.Vars); err != nil {
		return nil, fmt.Errorf("parse [%s]: %w", varsSection, err)
	}
	if file.HasSection(tracingSection) {
		if err := file.Section(tracingSection).MapTo(&cfg.Tracing); err != nil {
			return nil, fmt.Errorf("parse [%s]: %w", tracingSection, err)
		}
	}

	envFile := os.Getenv("VDSM_REG_ENV_FILE")
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if _, err := os.Stat(envFile); err == nil {
		// godotenv never overrides variables already present in the environment.
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("env file %s: %w", envFile, err)
		}
	}
	cfg.applyEnv()

	return cfg, nil
}

func (c *AgentConfig) applyEnv() {
	if v := os.Getenv("VDSM_REG_HOST_NAME"); v != "" {
		c.Vars.EngineHostName = v
	}
	if v := os.Getenv("VDSM_REG_HOST_IP"); v != "" {
		c.Vars.EngineHostIP = v
	}
	if v := os.Getenv("VDSM_REG_HOST_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Vars.EngineHostPort = port
		}
	}
	if v := os.Getenv("VDSM_REG_TICKET"); v != "" {
		c.Vars.Ticket = v
	}
	if v := os.Getenv("VDSM_REG_FINGERPRINT"); v != "" {
		c.Vars.Fingerprint = v
	}
	if v := os.Getenv("VDSM_REG_OTLP_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
}

// Path returns the file the config was loaded from.
func (c *AgentConfig) Path() string {
	return c.path
}

func (c *AgentConfig) Validate() error {
	if c.Vars.EngineHostPort <= 0 || c.Vars.EngineHostPort > 65535 {
		return ErrInvalidPort
	}
	if c.Vars.RegistrationPort <= 0 || c.Vars.RegistrationPort > 65535 {
		return ErrInvalidPort
	}
	if c.Vars.RegistrationURI == "" || !strings.HasPrefix(c.Vars.RegistrationURI, "/") {
		return ErrInvalidRegistrationURI
	}
	switch strings.ToLower(c.Vars.FingerprintDigest) {
	case "", "sha1", "md5", "sha256":
	default:
		return &Error{fmt.Sprintf("unsupported fingerprint digest %q", c.Vars.FingerprintDigest)}
	}
	if c.Vars.RequestInterval <= 0 {
		c.Vars.RequestInterval = 5
	}
	if c.Vars.SocketTimeout <= 0 {
		c.Vars.SocketTimeout = 10
	}
	if c.Vars.FingerprintDigest == "" {
		c.Vars.FingerprintDigest = "sha1"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// ClearTicket removes the one-time ticket from the config file.
func (c *AgentConfig) ClearTicket() error {
	if err := c.Set("ticket", ""); err != nil {
		return err
	}
	c.Vars.Ticket = ""
	return nil
}

// Set persists a single [vars] key. Only one agent process writes the file,
// so a temp file plus rename is enough to keep readers from seeing a partial write.
func (c *AgentConfig) Set(key, value string) error {
	return SetVars(c.path, map[string]string{key: value})
}

// SetVars rewrites the given [vars] keys in the file at path, keeping the rest.
func SetVars(path string, values map[string]string) error {
	if path == "" {
		return ErrMissingConfigPath
	}
	file, err := ini.LooseLoad(path)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	section := file.Section(varsSection)
	for k, v := range values {
		section.Key(k).SetValue(v)
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".vdsm-reg-conf-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := file.WriteTo(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var (
	ErrMissingConfigPath      = &Error{"config file path is required"}
	ErrInvalidPort            = &Error{"ports must be between 1 and 65535"}
	ErrInvalidRegistrationURI = &Error{"vdc_reg_uri must be an absolute path"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
