// Package video receives camera streams from remote WebRTC producers
// announced on a GStreamer webrtcsink signalling server.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrSignalling is returned when the signalling server misbehaves.
	ErrSignalling = errors.New("video: signalling failed")

	// ErrProducerNotFound is returned when the requested producer is not listed.
	ErrProducerNotFound = errors.New("video: producer not found")

	// ErrNoFrame is returned when no new frame was decoded in time.
	ErrNoFrame = errors.New("video: no frame available")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("video: client closed")
)

// Producer is a stream announced by the signalling server.
type Producer struct {
	ID   string            `json:"id"`
	Meta map[string]string `json:"meta"`
}

// Name returns the producer's advertised name, or its ID.
func (p Producer) Name() string {
	if n := p.Meta["name"]; n != "" {
		return n
	}
	return p.ID
}

// signalConn is a signalling websocket with serialized writes.
type signalConn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	peerID string
}

// dialSignalling connects and consumes the welcome message.
func dialSignalling(ctx context.Context, url string) (*signalConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrSignalling, url, err)
	}

	c := &signalConn{ws: ws}

	var welcome struct {
		Type   string `json:"type"`
		PeerID string `json:"peerId"`
	}
	if err := c.readJSON(10*time.Second, &welcome); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: welcome: %v", ErrSignalling, err)
	}
	if welcome.Type != "welcome" {
		ws.Close()
		return nil, fmt.Errorf("%w: expected welcome, got %q", ErrSignalling, welcome.Type)
	}
	c.peerID = welcome.PeerID
	return c, nil
}

func (c *signalConn) readJSON(timeout time.Duration, v any) error {
	if timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()
	}
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(msg, v)
}

func (c *signalConn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *signalConn) list() ([]Producer, error) {
	if err := c.send(map[string]string{"type": "list"}); err != nil {
		return nil, err
	}
	var resp struct {
		Type      string     `json:"type"`
		Producers []Producer `json:"producers"`
	}
	if err := c.readJSON(5*time.Second, &resp); err != nil {
		return nil, err
	}
	if resp.Type != "list" {
		return nil, fmt.Errorf("%w: expected list, got %q", ErrSignalling, resp.Type)
	}
	return resp.Producers, nil
}

func (c *signalConn) close() error {
	return c.ws.Close()
}

// ListProducers asks the signalling server for the current producers,
// in the order the server reports them.
func ListProducers(ctx context.Context, url string) ([]Producer, error) {
	c, err := dialSignalling(ctx, url)
	if err != nil {
		return nil, err
	}
	defer c.close()

	producers, err := c.list()
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrSignalling, err)
	}
	return producers, nil
}
