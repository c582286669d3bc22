package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"bounce/config"

	"golang.org/x/net/proxy"
)

// Dialer opens the connection to an upstream server.
type Dialer interface {
	Dial(ctx context.Context, srv config.Server) (net.Conn, error)
}

type DialerFunc func(ctx context.Context, srv config.Server) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, srv config.Server) (net.Conn, error) {
	return f(ctx, srv)
}

// NetDialer dials TCP, optionally through a SOCKS5 proxy, and performs a
// TLS handshake verified against the configured hostname when the server
// has ssl set.
type NetDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	Proxy     string      // socks5://[user:pass@]host:port
	TLSConfig *tls.Config // cloned per connection, ServerName is always overwritten
}

func (d *NetDialer) Dial(ctx context.Context, srv config.Server) (net.Conn, error) {
	addr := srv.Address()

	conn, err := d.dialTCP(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	if !srv.SSL {
		return conn, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if d.TLSConfig != nil {
		tlsConfig = d.TLSConfig.Clone()
	}
	tlsConfig.ServerName = srv.Hostname

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", addr, err)
	}

	return tlsConn, nil
}

func (d *NetDialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	netDialer := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
	}

	if d.Proxy == "" {
		return netDialer.DialContext(ctx, "tcp", addr)
	}

	proxyURL, err := url.Parse(d.Proxy)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}

	proxyDialer, err := proxy.FromURL(proxyURL, netDialer)
	if err != nil {
		return nil, err
	}

	if cd, ok := proxyDialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return proxyDialer.Dial("tcp", addr)
}
