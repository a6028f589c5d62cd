package rhx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/danmuck/rhxlink/internal/observability"
	"github.com/danmuck/rhxlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const (
	channelCommand = "command"
	channelData    = "data"
)

// resolveHost maps the configured host onto candidate addresses. Loopback
// names never touch the resolver.
func resolveHost(ctx context.Context, host string) ([]net.IP, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	switch host {
	case "127.0.0.1":
		return []net.IP{net.IPv4(127, 0, 0, 1)}, nil
	case "localhost":
		return []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.IP)
	}
	return out, nil
}

// dialDevice tries each candidate address in order and returns the first
// connection. Every failed attempt is kept in the returned ConnectError.
func dialDevice(ctx context.Context, channel string, host string, port int, cfg session.Config) (*net.TCPConn, error) {
	cerr := &ConnectError{Channel: channel, Host: host, Port: port}
	ips, err := resolveHost(ctx, host)
	if err != nil {
		cerr.Errs = append(cerr.Errs, fmt.Errorf("resolve: %w", err))
		observability.RecordConnectFailure(channel)
		return nil, cerr
	}

	// keepalive is set explicitly by tuneSocket
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: -1}
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			log.Debug().Err(err).Str("channel", channel).Str("addr", addr).Msg("rhx.dial attempt failed")
			cerr.Errs = append(cerr.Errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		tcp, ok := conn.(*net.TCPConn)
		if !ok {
			_ = conn.Close()
			cerr.Errs = append(cerr.Errs, fmt.Errorf("%s: not a tcp connection", addr))
			continue
		}
		if err := tuneSocket(tcp, cfg.Socket); err != nil {
			log.Warn().Err(err).Str("channel", channel).Str("addr", addr).Msg("rhx.dial socket tuning incomplete")
		}
		return tcp, nil
	}
	observability.RecordConnectFailure(channel)
	return nil, cerr
}

// tuneSocket applies best-effort options; the returned error is informational.
func tuneSocket(conn *net.TCPConn, cfg session.SocketConfig) error {
	var errs []error
	if err := conn.SetNoDelay(true); err != nil {
		errs = append(errs, fmt.Errorf("nodelay: %w", err))
	}
	if cfg.RecvBufferBytes > 0 {
		if err := conn.SetReadBuffer(cfg.RecvBufferBytes); err != nil {
			errs = append(errs, fmt.Errorf("recv buffer: %w", err))
		}
	}
	if cfg.SendBufferBytes > 0 {
		if err := conn.SetWriteBuffer(cfg.SendBufferBytes); err != nil {
			errs = append(errs, fmt.Errorf("send buffer: %w", err))
		}
	}
	if err := conn.SetLinger(-1); err != nil {
		errs = append(errs, fmt.Errorf("linger: %w", err))
	}
	if err := conn.SetKeepAlive(cfg.KeepAlive); err != nil {
		errs = append(errs, fmt.Errorf("keepalive: %w", err))
	}
	if cfg.KeepAlive && cfg.KeepAlivePeriod > 0 {
		if err := conn.SetKeepAlivePeriod(cfg.KeepAlivePeriod); err != nil {
			errs = append(errs, fmt.Errorf("keepalive period: %w", err))
		}
	}
	return errors.Join(errs...)
}
