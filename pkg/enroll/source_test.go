package enroll

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/vdsm-reg/pkg/config"
	"github.com/haasonsaas/vdsm-reg/pkg/nodeinfo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	addrs []string
	err   error
	hosts []string
}

func (r *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	r.hosts = append(r.hosts, host)
	return r.addrs, r.err
}

type fakeNode struct {
	id      nodeinfo.Identity
	engines []string
}

func (n *fakeNode) Collect(_ context.Context, engineAddr string) nodeinfo.Identity {
	n.engines = append(n.engines, engineAddr)
	return n.id
}

func writeAgentConfig(t *testing.T, body string) string {
	t.Helper()
	t.Setenv("VDSM_REG_ENV_FILE", filepath.Join(t.TempDir(), "absent"))
	path := filepath.Join(t.TempDir(), "vdsm-reg.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfigSourceBuildsContext(t *testing.T) {
	path := writeAgentConfig(t, `[vars]
vdc_host_name = engine.example
vdc_host_port = 8443
ticket = abc
fingerprint = aa:bb
test_socket_timeout = 3
`)
	resolver := &fakeResolver{addrs: []string{"fe80::1", "10.0.0.5"}}
	node := &fakeNode{id: nodeinfo.Identity{Address: "10.0.0.7", Name: "node1.example", UniqueID: "ABC"}}
	source := &ConfigSource{Path: path, Resolver: resolver, Node: node, Logger: zerolog.Nop()}

	ec, err := source.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, Context{
		EngineHost:       "engine.example",
		EngineAddress:    "10.0.0.5",
		EngineHTTPPort:   8443,
		RegistrationPort: 54321,
		RegistrationPath: "/OvirtEngineWeb/register",
		NodeAddress:      "10.0.0.7",
		NodeName:         "node1.example",
		NodeUniqueID:     "ABC",
		Ticket:           "abc",
		Fingerprint:      "aa:bb",
		Timeout:          3 * time.Second,
	}, ec)
	require.Equal(t, []string{"engine.example"}, resolver.hosts)
	require.Equal(t, []string{"10.0.0.5"}, node.engines)
	require.True(t, ec.HasFingerprint())
}

func TestConfigSourcePinnedIPSkipsDNS(t *testing.T) {
	path := writeAgentConfig(t, `[vars]
vdc_host_name = engine.example
vdc_host_ip = 192.0.2.10
node_address = 10.9.9.9
node_name = override.example
`)
	resolver := &fakeResolver{err: errors.New("should not be called")}
	node := &fakeNode{id: nodeinfo.Identity{Address: "10.0.0.7", Name: "node1.example"}}
	source := &ConfigSource{Path: path, Resolver: resolver, Node: node, Logger: zerolog.Nop()}

	ec, err := source.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "192.0.2.10", ec.EngineAddress)
	require.Empty(t, resolver.hosts)
	require.Equal(t, "10.9.9.9", ec.NodeAddress)
	require.Equal(t, "override.example", ec.NodeName)
	require.Empty(t, ec.Ticket)
	require.False(t, ec.HasFingerprint())
}

func TestConfigSourceUnresolvableEngine(t *testing.T) {
	path := writeAgentConfig(t, "[vars]\nvdc_host_name = nowhere.invalid\n")
	resolver := &fakeResolver{err: errors.New("no such host")}
	source := &ConfigSource{Path: path, Resolver: resolver, Node: &fakeNode{}, Logger: zerolog.Nop()}

	ec, err := source.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, config.Unset, ec.EngineAddress)
	require.False(t, Validate(ec))
}

func TestConfigSourceMissingFile(t *testing.T) {
	source := NewConfigSource(filepath.Join(t.TempDir(), "missing.conf"), zerolog.Nop())
	_, err := source.Next(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigSourceClearTicket(t *testing.T) {
	path := writeAgentConfig(t, "[vars]\nvdc_host_name = engine.example\nticket = abc\n")
	source := NewConfigSource(path, zerolog.Nop())

	require.NoError(t, source.ClearTicket())
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Empty(t, cfg.Vars.Ticket)
	require.Equal(t, "engine.example", cfg.Vars.EngineHostName)
}
