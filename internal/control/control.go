// Package control implements the Control Channel: the persistent
// bidirectional message stream to the coordinator (spec §4.4). It owns
// the wire connection, dispatches incoming commands, and routes
// tunnel-hub / VPN replies into per-instance reply queues.
package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hwbridge/devshared/internal/errs"
	"github.com/hwbridge/devshared/internal/metrics"
	"github.com/hwbridge/devshared/internal/proto"
)

// receiveTimeout detects a dead connection (spec §5).
const receiveTimeout = 45 * time.Second

// abandonWindow is how long continuous reconnect failure is tolerated
// before the daemon gives up (spec §4.4).
const abandonWindow = 20 * time.Minute

// Dispatcher is implemented by the Instance state machine; the Control
// Channel calls it for every coordinator command it must act on, and asks
// it for the status to report.
type Dispatcher interface {
	// Launch checks preconditions and starts provisioning in the
	// background; ok reports whether the launch was accepted
	// (preconditions held), independent of eventual INIT_FAIL.
	Launch(ctx context.Context, frame proto.Frame) (ok bool)
	Destroy(ctx context.Context) (ok bool)
	Status() (status string, exists bool)
	// CurrentID returns the instance id of the current Instance, if any.
	CurrentID() (id string, exists bool)
	// HubAssociation returns the hub id recorded for the current
	// Instance, if any, for TH_PING validation.
	HubAssociation() (hubID string, ok bool)
}

// Channel is the Control Channel task.
type Channel struct {
	wsURL      string
	token      string
	dispatcher Dispatcher
	metrics    *metrics.Registry

	mu     sync.Mutex
	conn   *websocket.Conn
	queues map[string]chan proto.Frame

	writeMu sync.Mutex
}

// New builds a Channel. wsURL is the full websocket URL including
// /ad/<workspace_id>; token is the bearer credential identifying the
// device owner.
func New(wsURL, token string, dispatcher Dispatcher, reg *metrics.Registry) *Channel {
	return &Channel{
		wsURL:      wsURL,
		token:      token,
		dispatcher: dispatcher,
		metrics:    reg,
		queues:     make(map[string]chan proto.Frame),
	}
}

// RegisterQueue creates (or replaces) the reply queue for instanceID. The
// Instance/Tunnel Controller reads from the returned channel.
func (c *Channel) RegisterQueue(instanceID string) <-chan proto.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan proto.Frame, 8)
	c.queues[instanceID] = ch
	return ch
}

// UnregisterQueue removes and closes the reply queue for instanceID.
func (c *Channel) UnregisterQueue(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.queues[instanceID]; ok {
		close(ch)
		delete(c.queues, instanceID)
	}
}

// NewCorrelationID returns a fresh opaque correlation token.
func NewCorrelationID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Send writes a device-originated frame to the current connection,
// serialized with other writers, and fails if no connection is up. The
// Control Channel is the only writer of frames (spec §5); controllers
// call this instead of touching the connection directly.
func (c *Channel) Send(cmd, mi string, fields map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("control channel: not connected")
	}
	frame := proto.New(cmd, mi, fields)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// EmitStatus sends INSTANCE_STATUS{s} for the current instance.
func (c *Channel) EmitStatus(status string) error {
	return c.Send(proto.CmdInstanceStatus, "", map[string]any{"s": status})
}

// Run dials, reads, and dispatches frames until ctx is cancelled. It
// reconnects on transient failure and on a protocol violation's close
// alike, returns an error only after abandonWindow of continuous failure,
// and returns nil on clean cancellation.
func (c *Channel) Run(ctx context.Context) error {
	var firstLoss time.Time
	onConnected := func() { firstLoss = time.Time{} }

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.runOnce(ctx, onConnected)
		if errors.Is(err, errs.ErrOperatorTermination) {
			return nil
		}
		if errors.Is(err, errs.ErrProtocolViolation) {
			log.Printf("[control] protocol violation: %v; reconnecting", err)
		}

		if firstLoss.IsZero() {
			firstLoss = time.Now()
		}
		if time.Since(firstLoss) >= abandonWindow {
			return fmt.Errorf("control channel: %w: continuous failure since %s", errs.ErrTransientConnectivityLoss, firstLoss)
		}

		log.Printf("[control] connection lost: %v; reconnecting", err)
		if c.metrics != nil {
			c.metrics.ReconnectAttempts.Inc()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Channel) runOnce(ctx context.Context, onConnected func()) error {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return fmt.Errorf("control channel: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransientConnectivityLoss, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	onConnected()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(receiveTimeout))
		var frame proto.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return errs.ErrOperatorTermination
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: coordinator closed connection", errs.ErrTransientConnectivityLoss)
			}
			return fmt.Errorf("%w: %v", errs.ErrTransientConnectivityLoss, err)
		}
		if frame.V != proto.Version {
			_ = conn.Close()
			return fmt.Errorf("%w: bad version %d", errs.ErrProtocolViolation, frame.V)
		}
		if err := c.dispatch(ctx, frame); err != nil {
			if errors.Is(err, errs.ErrProtocolViolation) {
				_ = conn.Close()
				return err
			}
			log.Printf("[control] dispatch %s: %v", frame.Cmd, err)
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, frame proto.Frame) error {
	switch frame.Cmd {
	case proto.CmdInstanceLaunch:
		id, exists := c.dispatcher.CurrentID()
		if exists {
			return c.Send(proto.CmdNack, frame.MI, nil)
		}
		ok := c.dispatcher.Launch(ctx, frame)
		if ok {
			if c.metrics != nil {
				c.metrics.Launches.WithLabelValues("accepted").Inc()
			}
			return c.Send(proto.CmdAck, frame.MI, nil)
		}
		if c.metrics != nil {
			c.metrics.Launches.WithLabelValues("rejected").Inc()
		}
		_ = id
		return c.Send(proto.CmdNack, frame.MI, nil)

	case proto.CmdInstanceDestroy:
		if _, exists := c.dispatcher.CurrentID(); !exists {
			return c.Send(proto.CmdNack, frame.MI, nil)
		}
		ok := c.dispatcher.Destroy(ctx)
		if ok {
			return c.Send(proto.CmdAck, frame.MI, nil)
		}
		return c.Send(proto.CmdNack, frame.MI, nil)

	case proto.CmdInstanceStatus:
		status, exists := c.dispatcher.Status()
		if !exists {
			return c.Send(proto.CmdNack, frame.MI, nil)
		}
		return c.Send(proto.CmdAck, frame.MI, map[string]any{"s": status})

	case proto.CmdThAccept, proto.CmdVpnCreate, proto.CmdVpnNewClient:
		id, exists := c.dispatcher.CurrentID()
		if !exists || id != frame.Str("id") {
			return nil
		}
		c.routeToQueue(id, frame)
		return nil

	case proto.CmdThPing:
		id, exists := c.dispatcher.CurrentID()
		hubID, hasHub := c.dispatcher.HubAssociation()
		if !exists || !hasHub || id != frame.Str("id") || hubID != frame.Str("thid") {
			return c.Send(proto.CmdNack, frame.MI, nil)
		}
		return c.Send(proto.CmdAck, frame.MI, map[string]any{"thid": hubID, "id": id})

	default:
		return fmt.Errorf("%w: unknown cmd %q", errs.ErrProtocolViolation, frame.Cmd)
	}
}

func (c *Channel) routeToQueue(instanceID string, frame proto.Frame) {
	c.mu.Lock()
	ch, ok := c.queues[instanceID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- frame:
	default:
		log.Printf("[control] reply queue for %s full; dropping %s", instanceID, frame.Cmd)
	}
}
