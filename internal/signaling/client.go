// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package signaling connects the daemon to the signaling layer over a
// websocket and delivers capability-exchange events to a registered
// listener.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/capxd/internal/log"
	"github.com/ManuGH/capxd/internal/uce"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// frame is the wire form of a signaling event.
type frame struct {
	Type         string           `json:"type"`
	Trigger      string           `json:"trigger,omitempty"`
	RequestID    string           `json:"request_id,omitempty"`
	Address      string           `json:"address,omitempty"`
	Addresses    []string         `json:"addresses,omitempty"`
	Capabilities []string         `json:"capabilities,omitempty"`
	Contacts     []contactPayload `json:"contacts,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
}

// contactPayload is the wire form of one contact's capability set.
type contactPayload struct {
	Address      string   `json:"address"`
	Capabilities []string `json:"capabilities"`
	Mechanism    string   `json:"mechanism,omitempty"`
}

// responseFrame answers a remote capability request.
type responseFrame struct {
	Type         string   `json:"type"`
	RequestID    string   `json:"request_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
}

const (
	frameTypePublishRequested = "publish_requested"
	frameTypeUnpublished      = "unpublished"
	frameTypeRemoteRequest    = "remote_capability_request"
	frameTypeRemoteResponse   = "remote_capability_response"
	frameTypeQuery            = "capability_query"
	frameTypeQueryResult      = "capability_query_result"
)

// ErrQueryFailed is returned when the signaling layer answered a capability
// query with an error frame.
var ErrQueryFailed = errors.New("capability query failed")

// Options configures a Client.
type Options struct {
	URL          string
	DialTimeout  time.Duration
	PingInterval time.Duration
}

// Client is a websocket signaling transport. It implements
// uce.SignalingHandle: the controller registers its event listener during
// attach and removes it during detach.
type Client struct {
	logger zerolog.Logger
	opts   Options

	mu       sync.Mutex
	conn     *websocket.Conn
	listener uce.EventListener
	cancel   context.CancelFunc
	group    *errgroup.Group

	// queries holds the reply channel per in-flight capability query.
	queries map[string]chan frame

	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex
}

var _ uce.SignalingHandle = (*Client)(nil)

// NewClient creates a signaling client. Connect must be called before any
// event is delivered.
func NewClient(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Client{
		logger:  log.WithComponent("signaling"),
		opts:    opts,
		queries: make(map[string]chan frame),
	}
}

// Connect dials the signaling endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling endpoint %s: %w", c.opts.URL, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)
	c.mu.Lock()
	c.conn = conn
	c.cancel = loopCancel
	c.group = g
	c.mu.Unlock()

	c.logger.Info().Str("url", c.opts.URL).Msg("signaling connected")
	g.Go(func() error { return c.readLoop(gctx, conn) })
	if c.opts.PingInterval > 0 {
		g.Go(func() error { return c.pingLoop(gctx, conn) })
	}
	return nil
}

// Close terminates the connection and waits for the loops to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	g := c.group
	c.conn = nil
	c.cancel = nil
	c.group = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	cancel()
	err := conn.Close()
	// The read error after a deliberate close is expected noise.
	_ = g.Wait()
	return err
}

// AddEventListener implements uce.SignalingHandle. Only one listener is
// supported; a second registration replaces the first.
func (c *Client) AddEventListener(l uce.EventListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// RemoveEventListener implements uce.SignalingHandle.
func (c *Client) RemoveEventListener(l uce.EventListener) {
	c.mu.Lock()
	if c.listener == l {
		c.listener = nil
	}
	c.mu.Unlock()
}

func (c *Client) currentListener() uce.EventListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("signaling connection lost")
				return err
			}
			return nil
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Warn().Err(err).Msg("malformed signaling frame, dropped")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) dispatch(f frame) {
	if f.Type == frameTypeQueryResult {
		c.mu.Lock()
		ch := c.queries[f.RequestID]
		delete(c.queries, f.RequestID)
		c.mu.Unlock()
		if ch == nil {
			c.logger.Debug().
				Str(log.FieldRequestID, f.RequestID).
				Msg("query result without a waiting query, dropped")
			return
		}
		ch <- f
		return
	}

	listener := c.currentListener()
	if listener == nil {
		c.logger.Debug().
			Str(log.FieldEvent, "signaling.event.dropped").
			Str("type", f.Type).
			Msg("no event listener registered, event dropped")
		return
	}

	switch f.Type {
	case frameTypePublishRequested:
		listener.OnPublishRequested(parseTrigger(f.Trigger))
	case frameTypeUnpublished:
		listener.OnUnpublished()
	case frameTypeRemoteRequest:
		caps := make([]uce.Capability, len(f.Capabilities))
		for i, s := range f.Capabilities {
			caps[i] = uce.Capability(s)
		}
		responder := &remoteResponder{client: c, requestID: f.RequestID}
		listener.OnRemoteCapabilityRequest(uce.Address(f.Address), caps, responder)
	default:
		c.logger.Warn().
			Str(log.FieldEvent, "signaling.event.unknown").
			Str("type", f.Type).
			Msg("unknown signaling frame type, dropped")
	}
}

func parseTrigger(s string) uce.PublishTrigger {
	switch s {
	case "registered":
		return uce.TriggerRegistered
	case "capability_change":
		return uce.TriggerCapabilityChange
	case "config_change":
		return uce.TriggerConfigChange
	default:
		return uce.TriggerUnknown
	}
}

// QueryCapabilities asks the signaling layer for the capability sets of the
// given addresses and blocks until the correlated result frame arrives or
// ctx expires. It satisfies the request manager's query transport.
func (c *Client) QueryCapabilities(ctx context.Context, addrs []uce.Address) ([]uce.ContactCapabilities, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("signaling client is not connected")
	}

	id := uuid.NewString()
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.queries[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.queries, id)
		c.mu.Unlock()
	}()

	out := frame{Type: frameTypeQuery, RequestID: id}
	for _, a := range addrs {
		out.Addresses = append(out.Addresses, string(a))
	}
	c.writeMu.Lock()
	err := conn.WriteJSON(out)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send capability query: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.ErrorCode != "" {
			return nil, fmt.Errorf("%w: %s", ErrQueryFailed, res.ErrorCode)
		}
		caps := make([]uce.ContactCapabilities, 0, len(res.Contacts))
		now := time.Now()
		for _, ct := range res.Contacts {
			features := make([]uce.Capability, len(ct.Capabilities))
			for i, s := range ct.Capabilities {
				features[i] = uce.Capability(s)
			}
			caps = append(caps, uce.ContactCapabilities{
				Address:      uce.Address(ct.Address),
				Capabilities: features,
				Mechanism:    parseMechanism(ct.Mechanism),
				RetrievedAt:  now,
			})
		}
		return caps, nil
	}
}

func parseMechanism(s string) uce.Mechanism {
	switch s {
	case "presence":
		return uce.MechanismPresence
	case "options":
		return uce.MechanismOptions
	default:
		return uce.MechanismUnknown
	}
}

func (c *Client) writeResponse(r responseFrame) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(r); err != nil {
		c.logger.Warn().Err(err).
			Str(log.FieldRequestID, r.RequestID).
			Msg("failed to answer remote capability request")
	}
}

// remoteResponder routes the answer for one remote capability request back
// over the signaling connection.
type remoteResponder struct {
	client    *Client
	requestID string
}

var _ uce.RemoteResponder = (*remoteResponder)(nil)

func (r *remoteResponder) Respond(device uce.ContactCapabilities) {
	caps := make([]string, len(device.Capabilities))
	for i, c := range device.Capabilities {
		caps[i] = string(c)
	}
	r.client.writeResponse(responseFrame{
		Type:         frameTypeRemoteResponse,
		RequestID:    r.requestID,
		Capabilities: caps,
	})
}

func (r *remoteResponder) RespondError(code uce.ErrorCode) {
	r.client.writeResponse(responseFrame{
		Type:      frameTypeRemoteResponse,
		RequestID: r.requestID,
		ErrorCode: string(code),
	})
}
