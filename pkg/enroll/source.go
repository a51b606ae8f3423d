package enroll

import (
	"context"
	"net"
	"time"

	"github.com/haasonsaas/vdsm-reg/pkg/config"
	"github.com/haasonsaas/vdsm-reg/pkg/nodeinfo"
	"github.com/rs/zerolog"
)

// Source produces the Context for the next attempt.
type Source interface {
	Next(ctx context.Context) (Context, error)
}

// TicketStore forgets the one-time ticket once its retry budget is spent.
type TicketStore interface {
	ClearTicket() error
}

// Resolver is the subset of net.Resolver used to find the engine.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NodeCollector reports the node's identity as seen from engineAddr.
type NodeCollector interface {
	Collect(ctx context.Context, engineAddr string) nodeinfo.Identity
}

// ConfigSource rereads the config file for every attempt, so edits and DNS
// changes take effect without restarting the agent.
type ConfigSource struct {
	Path     string
	Resolver Resolver
	Node     NodeCollector
	Logger   zerolog.Logger
}

func NewConfigSource(path string, logger zerolog.Logger) *ConfigSource {
	return &ConfigSource{
		Path:     path,
		Resolver: net.DefaultResolver,
		Node:     nodeinfo.Collector{},
		Logger:   logger,
	}
}

func (s *ConfigSource) Next(ctx context.Context) (Context, error) {
	cfg, err := config.Load(s.Path)
	if err != nil {
		return Context{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Context{}, err
	}
	return s.contextFor(ctx, cfg), nil
}

func (s *ConfigSource) contextFor(ctx context.Context, cfg *config.AgentConfig) Context {
	v := cfg.Vars
	timeout := time.Duration(v.SocketTimeout) * time.Second

	address := s.resolve(ctx, v.EngineHostName, v.EngineHostIP, timeout)
	node := s.Node.Collect(ctx, address)
	if !config.IsUnset(v.NodeAddress) {
		node.Address = v.NodeAddress
	}
	if !config.IsUnset(v.NodeName) {
		node.Name = v.NodeName
	}

	ticket := v.Ticket
	if config.IsUnset(ticket) {
		ticket = ""
	}

	return Context{
		EngineHost:       v.EngineHostName,
		EngineAddress:    address,
		EngineHTTPPort:   v.EngineHostPort,
		RegistrationPort: v.RegistrationPort,
		RegistrationPath: v.RegistrationURI,
		NodeAddress:      node.Address,
		NodeName:         node.Name,
		NodeUniqueID:     node.UniqueID,
		Ticket:           ticket,
		Fingerprint:      v.Fingerprint,
		Timeout:          timeout,
	}
}

func (s *ConfigSource) resolve(ctx context.Context, host, pinnedIP string, timeout time.Duration) string {
	if !config.IsUnset(pinnedIP) {
		return pinnedIP
	}
	if config.IsUnset(host) {
		return config.Unset
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	addrs, err := s.Resolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		s.Logger.Warn().Err(err).Str("engine_host", host).Msg("Cannot resolve engine host")
		return config.Unset
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return addrs[0]
}

// ClearTicket removes the ticket from the config file.
func (s *ConfigSource) ClearTicket() error {
	cfg, err := config.Load(s.Path)
	if err != nil {
		return err
	}
	return cfg.ClearTicket()
}

var (
	_ Source      = (*ConfigSource)(nil)
	_ TicketStore = (*ConfigSource)(nil)
)
