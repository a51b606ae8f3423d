package enroll

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/vdsm-reg/pkg/config"
	"github.com/haasonsaas/vdsm-reg/pkg/nodeinfo"
	"github.com/haasonsaas/vdsm-reg/pkg/sshtrust"
	"github.com/haasonsaas/vdsm-reg/pkg/telemetry"
	"github.com/haasonsaas/vdsm-reg/pkg/timesync"
	"github.com/haasonsaas/vdsm-reg/pkg/trust"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ProbeFunc fetches the certificate the engine presents at addr.
type ProbeFunc func(ctx context.Context, addr, serverName string, timeout time.Duration) (*x509.Certificate, error)

// Agent runs registration attempts. It holds no per-attempt state.
type Agent struct {
	Trust          *trust.Store
	AuthorizedKeys string
	SSHKeyURI      string
	Clock          timesync.Syncer
	Dialer         Dialer
	Probe          ProbeFunc
	Tracer         trace.Tracer
	Logger         zerolog.Logger
}

// Options carries the static settings of an Agent.
type Options struct {
	CertFile          string
	FingerprintDigest string
	AuthorizedKeys    string
	SSHKeyURI         string
}

func NewAgent(opts Options, logger zerolog.Logger) *Agent {
	return &Agent{
		Trust:          trust.NewStore(opts.CertFile, opts.FingerprintDigest),
		AuthorizedKeys: opts.AuthorizedKeys,
		SSHKeyURI:      opts.SSHKeyURI,
		Clock:          timesync.NewSystemSyncer(),
		Dialer:         &net.Dialer{},
		Probe:          trust.Probe,
		Tracer:         telemetry.Tracer(nil),
		Logger:         logger,
	}
}

// EnsureTrustedCertificate makes sure the trust store holds the engine
// certificate. A cached certificate that cannot be read, or that contradicts
// the configured fingerprint, is discarded and fetched again. A fetched
// certificate is staged in a temporary file and only moved into the store
// once its fingerprint matches; the staging file never outlives the call.
func (a *Agent) EnsureTrustedCertificate(ctx context.Context, ec Context) error {
	log := a.Logger.With().Str("engine_host", ec.EngineHost).Logger()

	if a.Trust.Exists() {
		cached, err := a.Trust.Load()
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Cached engine certificate unreadable, discarding")
		case ec.HasFingerprint() && !trust.MatchFingerprint(ec.Fingerprint, a.Trust.Fingerprint(cached)):
			log.Warn().Str("cached", a.Trust.Fingerprint(cached)).Str("expected", strings.ToUpper(ec.Fingerprint)).
				Msg("Cached engine certificate does not match configured fingerprint, discarding")
		default:
			return nil
		}
		if err := a.Trust.Remove(); err != nil {
			return err
		}
	}

	cert, err := a.Probe(ctx, ec.dialAddress(), ec.serverName(), ec.timeout())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch engine certificate")
		return fmt.Errorf("%w: %v", ErrCertificateUnavailable, err)
	}

	tmp, err := a.Trust.WriteTemp(cert)
	if err != nil {
		return fmt.Errorf("stage engine certificate: %w", err)
	}
	defer os.Remove(tmp)

	staged, err := trust.LoadFile(tmp)
	if err != nil {
		return fmt.Errorf("%w: staged certificate unreadable: %v", ErrCertificateUnavailable, err)
	}
	computed := a.Trust.Fingerprint(staged)
	if ec.HasFingerprint() {
		if !trust.MatchFingerprint(ec.Fingerprint, computed) {
			log.Error().Str("expected", strings.ToUpper(ec.Fingerprint)).Str("presented", computed).
				Msg("Engine certificate fingerprint mismatch")
			return fmt.Errorf("%w: expected %s, engine presented %s", ErrFingerprintMismatch, strings.ToUpper(ec.Fingerprint), computed)
		}
	} else {
		log.Info().Str("fingerprint", computed).Msg("No fingerprint configured, trusting engine certificate on first use")
	}

	if err := a.Trust.Commit(tmp); err != nil {
		return fmt.Errorf("store engine certificate: %w", err)
	}
	log.Info().Str("path", a.Trust.Path).Str("fingerprint", computed).Msg("Engine certificate stored")
	return nil
}

// AcquireSSHTrust installs the engine's public key so the engine can manage
// the node over SSH.
func (a *Agent) AcquireSSHTrust(ctx context.Context, ec Context) error {
	resp, err := a.get(ctx, ec, a.SSHKeyURI)
	if err != nil {
		return fmt.Errorf("fetch engine ssh key: %w", err)
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("fetch engine ssh key: status %d", resp.Status)
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return ErrEmptyKeyPayload
	}

	added, err := sshtrust.Install(a.AuthorizedKeys, resp.Body)
	if err != nil {
		return fmt.Errorf("install engine ssh key: %w", err)
	}
	a.Logger.Info().Int("added", added).Str("path", a.AuthorizedKeys).Str("via", resp.Scheme).Msg("Engine ssh key installed")
	return nil
}

// Register sends the registration request. Only a 200 reply succeeds.
func (a *Agent) Register(ctx context.Context, ec Context) Outcome {
	if nodeinfo.IsGenericHostname(ec.NodeName) && config.IsUnset(ec.NodeUniqueID) {
		a.Logger.Warn().Str("node_name", ec.NodeName).
			Msg("Registering a node with a generic host name and no unique id; the engine cannot tell it apart from others")
	}

	uri := ec.RegistrationURI()
	resp, err := a.get(ctx, ec, uri)
	if err != nil {
		a.Logger.Error().Err(err).Str("uri", uri).Msg("Registration request failed")
		return Outcome{}
	}
	if resp.Status != http.StatusOK {
		a.Logger.Error().Int("status", resp.Status).Str("via", resp.Scheme).Msg("Engine rejected registration")
		return Outcome{}
	}

	a.Logger.Info().Str("via", resp.Scheme).Str("engine_host", ec.EngineHost).Msg("Registration accepted")
	return Outcome{Succeeded: true, EngineTime: string(resp.Body), HasEngineTime: true}
}

// Finalize syncs the clock to the engine after a successful registration.
// It never changes the outcome.
func (a *Agent) Finalize(_ context.Context, outcome Outcome, ec Context) {
	if !outcome.Succeeded || !outcome.HasEngineTime || a.Clock == nil {
		return
	}
	if err := a.Clock.Sync(outcome.EngineTime); err != nil {
		a.Logger.Warn().Err(err).Str("engine_time", outcome.EngineTime).Msg("Failed to sync time with engine")
		return
	}
	a.Logger.Debug().Str("engine_time", outcome.EngineTime).Str("engine_host", ec.EngineHost).Msg("Clock synced with engine")
}

// Attempt runs one full registration. The returned error is non-nil only for
// failures that must stop the driver; every other failure is reported as an
// unsuccessful Outcome.
func (a *Agent) Attempt(ctx context.Context, ec Context) (Outcome, error) {
	ctx, span := a.Tracer.Start(ctx, "enroll.attempt", trace.WithAttributes(
		attribute.String("engine.host", ec.EngineHost),
		attribute.String("node.name", ec.NodeName),
		attribute.Bool("ticket.present", ec.Ticket != ""),
	))
	defer span.End()

	err := a.stage(ctx, "enroll.trust", func(ctx context.Context) error {
		return a.EnsureTrustedCertificate(ctx, ec)
	})
	if err != nil {
		if IsFatal(err) {
			span.SetStatus(codes.Error, err.Error())
			return Outcome{}, err
		}
		if !errors.Is(err, ErrCertificateUnavailable) || ec.HasFingerprint() {
			span.SetStatus(codes.Error, "trust stage failed")
			return Outcome{}, nil
		}
		a.Logger.Warn().Msg("Continuing without a trusted engine certificate")
	}

	if err := a.stage(ctx, "enroll.ssh", func(ctx context.Context) error {
		return a.AcquireSSHTrust(ctx, ec)
	}); err != nil {
		a.Logger.Error().Err(err).Msg("SSH trust not established, skipping registration")
		span.SetStatus(codes.Error, "ssh stage failed")
		return Outcome{}, nil
	}

	var outcome Outcome
	_ = a.stage(ctx, "enroll.register", func(ctx context.Context) error {
		outcome = a.Register(ctx, ec)
		if !outcome.Succeeded {
			return errors.New("registration not accepted")
		}
		return nil
	})
	if !outcome.Succeeded {
		span.SetStatus(codes.Error, "registration failed")
		return outcome, nil
	}

	_ = a.stage(ctx, "enroll.finalize", func(ctx context.Context) error {
		a.Finalize(ctx, outcome, ec)
		return nil
	})
	return outcome, nil
}

func (a *Agent) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := a.Tracer.Start(ctx, name)
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
