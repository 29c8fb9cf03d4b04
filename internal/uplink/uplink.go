// Package uplink keeps the services server linked to its uplink. It owns the
// socket and the single event loop that feeds the engine inbound lines,
// expiry ticks and link loss, one at a time.
package uplink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/dalnet/ngservices/internal/engine"
	"github.com/dalnet/ngservices/internal/logging"
	"github.com/dalnet/ngservices/internal/metrics"
)

// flushTimeout bounds how long shutdown waits for queued lines to go out
const flushTimeout = 5 * time.Second

// Engine is what the event loop drives
type Engine interface {
	SetOutput(out engine.Output)
	Handshake()
	Handle(line string)
	Tick()
	LinkLost()
}

// Options configure the link
type Options struct {
	Host        string
	Port        int
	TLS         bool
	TLSInsecure bool
	// ReconnectDelay is how long to wait before dialing again
	ReconnectDelay time.Duration
	// TickInterval is how often the engine's housekeeping runs
	TickInterval time.Duration
	// Dial replaces the network dialer, for tests
	Dial func(ctx context.Context) (net.Conn, error)
}

// Client links an engine to the uplink and keeps it linked
type Client struct {
	opts    Options
	eng     Engine
	log     logging.Logger
	metrics *metrics.Metrics
}

// New creates a client. Nothing is dialed until Run.
func New(opts Options, eng Engine, log logging.Logger, m *metrics.Metrics) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 30 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if m == nil {
		m = metrics.New()
	}
	return &Client{
		opts:    opts,
		eng:     eng,
		log:     log.With("component", "uplink"),
		metrics: m,
	}
}

// Run links and relinks until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("uplink connection ended", "error", err, "retry_in", c.opts.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectDelay):
		}
		c.metrics.Reconnects.Inc()
	}
}

// session runs one connection from dial to link loss
func (c *Client) session(ctx context.Context) error {
	nc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	conn := newConn(nc, c.log)
	defer conn.Close()

	c.log.Info("connected to uplink", "addr", nc.RemoteAddr().String())
	c.eng.SetOutput(conn)
	c.eng.Handshake()

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	defer func() {
		c.eng.SetOutput(nil)
		c.eng.LinkLost()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Shutdown(flushTimeout)
			return ctx.Err()
		case <-ticker.C:
			c.eng.Tick()
		case line, ok := <-conn.Lines():
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return errors.New("connection closed")
			}
			c.eng.Handle(line)
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.opts.Dial != nil {
		return c.opts.Dial(ctx)
	}

	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: time.Minute}
	if !c.opts.TLS {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		return conn, nil
	}

	td := &tls.Dialer{
		NetDialer: d,
		Config: &tls.Config{
			ServerName:         c.opts.Host,
			InsecureSkipVerify: c.opts.TLSInsecure,
		},
	}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}
