package peer

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"time"
)

// Endpoint is a resolved peer bank address plus the TLS settings used to verify it.
type Endpoint struct {
	Address   string
	TLSConfig *tls.Config
}

var ErrMissingTLSConfig = errors.New("peer: endpoint has no TLS configuration")

// Client sends one framed message per connection and returns the peer's reply line.
type Client struct {
	dialTimeout time.Duration
	ioTimeout   time.Duration
}

func NewClient(dialTimeout, ioTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	if ioTimeout <= 0 {
		ioTimeout = 10 * time.Second
	}
	return &Client{dialTimeout: dialTimeout, ioTimeout: ioTimeout}
}

// Send dials endpoint over TLS, writes payload as one frame and reads one reply line.
// Every failure is returned as an error. The returned string is only meaningful on success.
func (c *Client) Send(ctx context.Context, endpoint Endpoint, payload []byte) (string, error) {
	if endpoint.TLSConfig == nil {
		return "", ErrMissingTLSConfig
	}

	tlsCfg := endpoint.TLSConfig.Clone()
	if tlsCfg.MinVersion < tls.VersionTLS12 {
		tlsCfg.MinVersion = tls.VersionTLS12
	}
	if tlsCfg.ServerName == "" {
		host, _, err := net.SplitHostPort(endpoint.Address)
		if err != nil {
			return "", fmt.Errorf("invalid peer address %q: %w", endpoint.Address, err)
		}
		tlsCfg.ServerName = host
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.dialTimeout},
		Config:    tlsCfg,
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", endpoint.Address)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", endpoint.Address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.ioTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("set deadline: %w", err)
	}

	if err := WriteFrame(conn, payload); err != nil {
		return "", fmt.Errorf("send frame: %w", err)
	}

	reply, err := ReadFrame(bufio.NewReader(conn), MaxReplyBytes)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	log.Printf("level=info component=peer_client msg=\"reply received\" peer=%s reply=%q", endpoint.Address, string(reply))
	return string(reply), nil
}
