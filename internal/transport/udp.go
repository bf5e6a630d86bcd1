// Package transport moves RTPS datagrams over UDP. Conn is both the
// endpoint.Sender used by local writers and readers and the read loop that
// feeds a Processor.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/danmuck/rtpscore/internal/observability"
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/session"
	"github.com/danmuck/rtpscore/internal/receiver"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// maxReadErrors ends Serve after this many consecutive read failures.
const maxReadErrors = 10

// Processor consumes one inbound datagram.
type Processor interface {
	Process(ctx context.Context, buf []byte, source protocol.Locator) receiver.Result
}

// Conn is a bound UDP socket.
type Conn struct {
	conn    *net.UDPConn
	maxSize int
	backoff session.BackoffConfig
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Listen binds addr ("host:port"). maxSize bounds inbound datagrams.
func Listen(addr string, maxSize int, backoff session.BackoffConfig) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return &Conn{
		conn:    conn,
		maxSize: maxSize,
		backoff: backoff,
		log:     observability.Component("transport"),
	}, nil
}

// LocalLocator is the locator peers use to reach this socket.
func (c *Conn) LocalLocator() protocol.Locator {
	return protocol.LocatorFromUDPAddr(c.conn.LocalAddr().(*net.UDPAddr))
}

// Send writes payload to every locator. Unresolvable locators are skipped;
// the first write error is returned after all locators were tried.
func (c *Conn) Send(ctx context.Context, payload []byte, to []protocol.Locator) error {
	var first error
	for _, loc := range to {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr, err := loc.UDPAddr()
		if err != nil {
			c.log.Debug().Err(err).Msg("skip locator")
			continue
		}
		if _, err := c.conn.WriteToUDP(payload, addr); err != nil {
			c.log.Warn().Err(err).Str("to", addr.String()).Msg("send failed")
			if first == nil {
				first = errors.Wrapf(err, "send to %s", addr)
			}
		}
	}
	return first
}

// Serve reads datagrams and hands each to p until ctx is done. Transient read
// errors are retried with backoff.
func (c *Conn) Serve(ctx context.Context, p Processor) error {
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	buf := make([]byte, c.maxSize)
	retry := session.NewRetry(c.backoff, maxReadErrors)
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			delay, ok := retry.Failed()
			if !ok {
				return errors.Wrap(err, "udp read")
			}
			c.log.Warn().Err(err).Int("attempt", retry.Attempt()).Dur("retry_in", delay).Msg("read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		retry.Succeeded()
		res := p.Process(ctx, buf[:n], protocol.LocatorFromUDPAddr(from))
		if res.Err != nil {
			c.log.Debug().Err(res.Err).Str("from", from.String()).Int("processed", res.Processed).Msg("datagram stopped early")
		}
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
