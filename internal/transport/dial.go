// Package transport dials the connections the engine sends queries over,
// pacing new connections the same way original_source/tcpclient.c paces
// them (new_conn_interval = 1e6/new_conn_rate microseconds apart) and
// raising the open-file limit before doing so.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/paragkamble/dnsgen/internal/config"
)

// RaiseFileLimit raises RLIMIT_NOFILE's soft limit to the hard limit,
// mirroring the getrlimit/setrlimit dance in original_source/tcpclient.c.
// Failures are logged and otherwise ignored: a constrained limit just
// means fewer flows can connect, not a fatal condition.
func RaiseFileLimit(log *zap.Logger) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		log.Warn("failed to read open file limit", zap.Error(err))
		return
	}
	want := limit
	want.Cur = limit.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &want); err != nil {
		log.Warn("failed to raise open file limit", zap.Uint64("requested", want.Cur), zap.Error(err))
		return
	}
	log.Info("raised open file limit", zap.Uint64("cur", want.Cur))
}

// Dialer opens flow connections to a target, pacing connection
// establishment at a fixed rate using the same token-bucket shape the
// teacher's FixedRateLimiter uses for steady workloads. The target is
// kept as a host:port string, so every dial resolves the host again.
type Dialer struct {
	cfg     *config.Config
	addr    string
	pacer   *rate.Limiter
	tlsConf *tls.Config
}

// NewDialer checks, for TCP and TLS, that cfg.Host/cfg.Port accepts a
// connection (see probeTCP) and returns a Dialer ready to open flows
// against it. The address that accepted the probe is not kept, and UDP
// targets are not probed.
func NewDialer(ctx context.Context, cfg *config.Config) (*Dialer, error) {
	network := "tcp"
	if cfg.Transport == config.TransportUDP {
		network = "udp"
	}
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	if network == "tcp" {
		if err := probeTCP(ctx, addr); err != nil {
			return nil, fmt.Errorf("could not connect to host: %w", err)
		}
	}

	// A burst of one spaces every connection 1/NewConnRate apart, so no
	// batch of connects leaves at once.
	d := &Dialer{
		cfg:   cfg,
		addr:  addr,
		pacer: rate.NewLimiter(rate.Limit(cfg.NewConnRate), 1),
	}
	if cfg.Transport == config.TransportTLS {
		d.tlsConf = &tls.Config{InsecureSkipVerify: cfg.SkipTLSVerify}
	}
	return d, nil
}

// probeTCP tries every resolved address for the target until one accepts
// a connection, matching the original client's getaddrinfo/connect loop,
// then closes it: NewDialer only needs to confirm reachability, actual
// flow connections are opened later at the paced rate.
func probeTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Conn is the narrow surface the engine needs from an open flow: writing
// queries and reading framed or datagram responses.
type Conn interface {
	net.Conn
}

// DialFlow waits for the next connection-pacing token (no-op for UDP,
// which has no connection handshake) and opens one new flow.
func (d *Dialer) DialFlow(ctx context.Context) (Conn, error) {
	if d.cfg.Transport != config.TransportUDP {
		if err := d.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	switch d.cfg.Transport {
	case config.TransportTCP:
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", d.addr)
		if err != nil {
			return nil, err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		return conn, nil
	case config.TransportTLS:
		tcpConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", d.addr)
		if err != nil {
			return nil, err
		}
		if tc, ok := tcpConn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		tlsConn := tls.Client(tcpConn, d.tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return tlsConn, nil
	case config.TransportUDP:
		conn, err := (&net.Dialer{}).DialContext(ctx, "udp", d.addr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", d.cfg.Transport)
	}
}

// ConnectAllFlows opens cfg.Flows connections at the paced new-connection
// rate, invoking onConnect for each one as it completes. A single flow's
// dial failure (connect refused, TLS handshake failure, ...) is a
// per-flow transient error per spec.md §7: it is reported via onDialErr
// and the loop continues to the next flow, rather than aborting the
// whole run. Only context cancellation stops the loop early, since that
// reflects the caller shutting the run down, not a flow-local failure.
func ConnectAllFlows(ctx context.Context, d *Dialer, n int, onConnect func(id uint32, conn Conn), onDialErr func(id uint32, err error)) error {
	for i := 0; i < n; i++ {
		conn, err := d.DialFlow(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("flow %d: %w", i, err)
			}
			if onDialErr != nil {
				onDialErr(uint32(i), err)
			}
			continue
		}
		onConnect(uint32(i), conn)
	}
	return nil
}
