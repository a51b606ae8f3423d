package enroll

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// maxBodyBytes caps what is read from any engine reply.
const maxBodyBytes = 1 << 20

// Dialer opens the raw TCP connections registration traffic runs over.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type engineResponse struct {
	Status int
	Body   []byte
	Scheme string
}

// get fetches uri from the engine. The TCP connection is opened first; TLS is
// tried over it, and only if the TLS exchange fails is the same uri requested
// again as plain HTTP on a new connection.
func (a *Agent) get(ctx context.Context, ec Context, uri string) (engineResponse, error) {
	addr := ec.dialAddress()

	conn, err := a.dial(ctx, addr, ec.timeout())
	if err != nil {
		return engineResponse{}, fmt.Errorf("%w: %s: %v", ErrEngineUnreachable, addr, err)
	}

	resp, err := a.getTLS(ctx, conn, ec, uri)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return engineResponse{}, ctx.Err()
	}
	a.Logger.Warn().Err(err).Str("addr", addr).Str("uri", uri).Msg("HTTPS request failed, retrying over HTTP")

	plain, err := a.dial(ctx, addr, ec.timeout())
	if err != nil {
		return engineResponse{}, fmt.Errorf("%w: %s: %v", ErrEngineUnreachable, addr, err)
	}
	defer plain.Close()
	resp, err = roundTrip(ctx, plain, ec.hostHeader(), uri, ec.timeout())
	if err != nil {
		return engineResponse{}, fmt.Errorf("http %s: %w", uri, err)
	}
	resp.Scheme = "http"
	return resp, nil
}

func (a *Agent) dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.Dialer.DialContext(ctx, "tcp", addr)
}

func (a *Agent) getTLS(ctx context.Context, conn net.Conn, ec Context, uri string) (engineResponse, error) {
	defer conn.Close()

	cfg, pinned, err := a.Trust.TLSConfig(ec.serverName())
	if err != nil {
		return engineResponse{}, fmt.Errorf("load trusted certificate: %w", err)
	}
	if !pinned {
		a.Logger.Warn().Str("engine_host", ec.EngineHost).Msg("No trusted engine certificate, HTTPS peer is not verified")
	}

	tlsConn := tls.Client(conn, cfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, ec.timeout())
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		return engineResponse{}, fmt.Errorf("tls handshake: %w", err)
	}

	resp, err := roundTrip(ctx, tlsConn, ec.hostHeader(), uri, ec.timeout())
	if err != nil {
		return engineResponse{}, fmt.Errorf("https %s: %w", uri, err)
	}
	resp.Scheme = "https"
	return resp, nil
}

// roundTrip writes one GET request to conn and reads the reply. The caller
// owns conn.
func roundTrip(ctx context.Context, conn net.Conn, host, uri string, timeout time.Duration) (engineResponse, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return engineResponse{}, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+uri, nil)
	if err != nil {
		return engineResponse{}, err
	}
	req.Close = true
	req.Header.Set("User-Agent", "vdsm-reg")
	if err := req.Write(conn); err != nil {
		return engineResponse{}, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return engineResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return engineResponse{}, err
	}
	return engineResponse{Status: resp.StatusCode, Body: body}, nil
}
