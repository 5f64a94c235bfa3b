// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package overlay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/likecoin-dev/coinffeine/internal/cx"
)

// TransportError is returned by Send when the client has not connected yet.
// A dropped connection is signalled by a 0 on the Status channel while the
// client keeps retrying underneath it, per §4.1's "client enters a reconnect
// loop with bounded exponential backoff" contract.
const TransportError = cx.ErrorKind("overlay: transport error")

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Inbound is one payload received from another endpoint via the relay.
type Inbound struct {
	From    EndpointID
	Payload []byte
}

// Client is a peer's symmetric side of the relay: it connects, joins with a
// fixed local id, and exposes Send plus a receive stream of Inbound
// messages and network-size Status notifications. On disconnect it
// reconnects with bounded exponential backoff and re-joins with the same
// local id.
type Client struct {
	address string
	localID EndpointID
	log     cx.Logger

	inbound chan Inbound
	status  chan uint32

	connMtx sync.Mutex
	conn    net.Conn

	sendMtx sync.Mutex

	connected atomic.Bool
	reconnects atomic.Uint64
}

// NewClient creates a Client bound to localID; it does not connect until
// Run is called.
func NewClient(address string, localID EndpointID, log cx.Logger) *Client {
	return &Client{
		address: address,
		localID: localID,
		log:     log,
		inbound: make(chan Inbound, 128),
		status:  make(chan uint32, 8),
	}
}

// Inbound returns the channel of messages received from other endpoints.
func (c *Client) Inbound() <-chan Inbound { return c.inbound }

// Status returns the channel of network-size notifications.
func (c *Client) Status() <-chan uint32 { return c.status }

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run drives the connect/reconnect loop until ctx is cancelled. It should
// be run in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial()
		if err != nil {
			c.log.Errorf("overlay client: dial %s: %v", c.address, err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff
		c.reconnects.Add(1)
		c.connected.Store(true)
		c.readLoop(ctx, conn)
		c.connected.Store(false)
		select {
		case c.status <- 0:
		default:
		}
		if ctx.Err() != nil {
			return
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.address, 10*time.Second)
	if err != nil {
		return nil, err
	}
	if err := writeRelay(conn, RelayMessage{Payload: joinPayload{ID: c.localID}.marshal()}); err != nil {
		conn.Close()
		return nil, err
	}
	c.connMtx.Lock()
	c.conn = conn
	c.connMtx.Unlock()
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		fr, err := readFrame(conn)
		if err != nil {
			return
		}
		switch {
		case fr.status != nil:
			select {
			case c.status <- fr.status.NetworkSize:
			default:
			}
		case fr.relay != nil:
			select {
			case c.inbound <- Inbound{From: fr.relay.EndpointID, Payload: fr.relay.Payload}:
			case <-ctx.Done():
				return
			default:
				c.log.Warnf("overlay client: inbound buffer full, dropping message from %s", fr.relay.EndpointID)
			}
		}
	}
}

// Send unicasts payload toward to. Best-effort: if the connection is
// currently down, the send is dropped, per §4.1's "does not queue beyond
// the TCP socket buffer" failure semantics.
func (c *Client) Send(to EndpointID, payload []byte) error {
	c.connMtx.Lock()
	conn := c.conn
	c.connMtx.Unlock()
	if conn == nil {
		return cx.NewError(TransportError, "not connected")
	}
	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()
	return writeRelay(conn, RelayMessage{EndpointID: to, Payload: payload})
}
