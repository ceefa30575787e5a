package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

// maxGOPBytes bounds the H264 buffer kept between keyframes.
const maxGOPBytes = 4 << 20

// Client receives one producer's video over WebRTC and keeps the most
// recent decoded frame as JPEG.
type Client struct {
	signallingURL string
	producerID    string
	logger        *slog.Logger
	decoder       *Decoder

	sig *signalConn
	pc  *webrtc.PeerConnection

	sessionMu sync.Mutex
	sessionID string

	trackReady chan struct{}
	trackOnce  sync.Once

	// Latest decoded frame
	frameMu  sync.Mutex
	frame    []byte
	frameSeq uint64
	frameCh  chan struct{}

	closed atomic.Bool

	// OnDisconnected fires once when the peer connection fails or the
	// producer ends the session. It is not called after Close.
	OnDisconnected func()
	disconnectOnce sync.Once
}

// NewClient creates a client for producerID on the signalling server at url.
func NewClient(url, producerID string, decodeInterval time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		signallingURL: url,
		producerID:    producerID,
		logger:        logger.With("producer", producerID),
		decoder:       NewDecoder(decodeInterval),
		trackReady:    make(chan struct{}),
		frameCh:       make(chan struct{}),
	}
}

// Connect negotiates the session and waits until the video track arrives.
func (c *Client) Connect(ctx context.Context) error {
	sig, err := dialSignalling(ctx, c.signallingURL)
	if err != nil {
		return err
	}
	c.sig = sig
	c.logger.Debug("signalling connected", "peer_id", sig.peerID)

	producers, err := sig.list()
	if err != nil {
		c.Close()
		return fmt.Errorf("%w: list: %v", ErrSignalling, err)
	}
	found := false
	for _, p := range producers {
		if p.ID == c.producerID {
			found = true
			break
		}
	}
	if !found {
		c.Close()
		return fmt.Errorf("%w: %s", ErrProducerNotFound, c.producerID)
	}

	if err := c.createPeerConnection(); err != nil {
		c.Close()
		return fmt.Errorf("video: peer connection: %w", err)
	}

	if err := sig.send(map[string]string{"type": "startSession", "peerId": c.producerID}); err != nil {
		c.Close()
		return fmt.Errorf("%w: start session: %v", ErrSignalling, err)
	}

	go c.handleSignalling()

	select {
	case <-c.trackReady:
		c.logger.Info("remote video connected")
		return nil
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case <-time.After(15 * time.Second):
		c.Close()
		return fmt.Errorf("video: timeout waiting for track")
	}
}

func (c *Client) createPeerConnection() error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	c.pc = pc

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Debug("track received", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.trackOnce.Do(func() { close(c.trackReady) })
			go c.handleVideoTrack(track)
		}
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate != nil {
			c.sendICECandidate(candidate)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			c.disconnected()
		}
	})

	return nil
}

func (c *Client) disconnected() {
	if c.closed.Load() {
		return
	}
	c.disconnectOnce.Do(func() {
		c.logger.Warn("remote video disconnected")
		if c.OnDisconnected != nil {
			c.OnDisconnected()
		}
	})
}

func (c *Client) handleSignalling() {
	for !c.closed.Load() {
		_, msg, err := c.sig.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("signalling read failed", "error", err)
				c.disconnected()
			}
			return
		}

		var base struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "sessionStarted":
			c.sessionMu.Lock()
			c.sessionID = base.SessionID
			c.sessionMu.Unlock()
		case "peer":
			c.handlePeerMessage(msg)
		case "endSession":
			c.disconnected()
			return
		}
	}
}

type peerMessage struct {
	SDP *struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"sdp"`
	ICE *struct {
		Candidate     string  `json:"candidate"`
		SDPMid        *string `json:"sdpMid"`
		SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	} `json:"ice"`
}

func (c *Client) handlePeerMessage(msg []byte) {
	var pm peerMessage
	if err := json.Unmarshal(msg, &pm); err != nil {
		c.logger.Warn("bad peer message", "error", err)
		return
	}

	if pm.SDP != nil && pm.SDP.Type == "offer" {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: pm.SDP.SDP}
		if err := c.pc.SetRemoteDescription(offer); err != nil {
			c.logger.Warn("set remote description failed", "error", err)
			return
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			c.logger.Warn("create answer failed", "error", err)
			return
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			c.logger.Warn("set local description failed", "error", err)
			return
		}
		c.sendPeer(map[string]any{
			"sdp": map[string]string{"type": answer.Type.String(), "sdp": answer.SDP},
		})
	}

	if pm.ICE != nil {
		if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     pm.ICE.Candidate,
			SDPMid:        pm.ICE.SDPMid,
			SDPMLineIndex: pm.ICE.SDPMLineIndex,
		}); err != nil {
			c.logger.Debug("add ICE candidate failed", "error", err)
		}
	}
}

func (c *Client) sendICECandidate(candidate *webrtc.ICECandidate) {
	init := candidate.ToJSON()
	c.sendPeer(map[string]any{
		"ice": map[string]any{
			"candidate":     init.Candidate,
			"sdpMid":        init.SDPMid,
			"sdpMLineIndex": init.SDPMLineIndex,
		},
	})
}

func (c *Client) sendPeer(body map[string]any) {
	c.sessionMu.Lock()
	sessionID := c.sessionID
	c.sessionMu.Unlock()
	if sessionID == "" {
		return
	}

	body["type"] = "peer"
	body["sessionId"] = sessionID
	if err := c.sig.send(body); err != nil {
		c.logger.Debug("signalling send failed", "error", err)
	}
}

// handleVideoTrack depacketizes H264 and decodes the current GOP at the
// decoder's interval.
func (c *Client) handleVideoTrack(track *webrtc.TrackRemote) {
	var (
		depack codecs.H264Packet
		gop    bytes.Buffer
		keyed  bool
	)

	for !c.closed.Load() {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		nal, err := depack.Unmarshal(pkt.Payload)
		if err != nil || len(nal) == 0 {
			continue
		}

		if startsKeyframe(nal) {
			gop.Reset()
			keyed = true
		}
		if !keyed {
			continue
		}
		gop.Write(nal)
		if gop.Len() > maxGOPBytes {
			gop.Reset()
			keyed = false
			continue
		}

		if pkt.Marker && c.decoder.Due() {
			jpegData, err := c.decoder.Decode(gop.Bytes())
			if err != nil {
				c.logger.Debug("decode failed", "error", err)
				continue
			}
			if jpegData != nil {
				c.publish(jpegData)
			}
		}
	}
}

// startsKeyframe reports whether the Annex-B data carries an SPS or IDR NAL.
func startsKeyframe(annexB []byte) bool {
	for i := 0; i+3 < len(annexB); i++ {
		if annexB[i] == 0 && annexB[i+1] == 0 && annexB[i+2] == 1 {
			switch annexB[i+3] & 0x1F {
			case 5, 7:
				return true
			}
		}
	}
	return false
}

func (c *Client) publish(jpegData []byte) {
	c.frameMu.Lock()
	c.frame = jpegData
	c.frameSeq++
	close(c.frameCh)
	c.frameCh = make(chan struct{})
	c.frameMu.Unlock()
}

// NextFrame waits up to timeout for a frame newer than after and returns it
// with its sequence number.
func (c *Client) NextFrame(after uint64, timeout time.Duration) ([]byte, uint64, error) {
	c.frameMu.Lock()
	if c.frameSeq > after {
		frame, seq := c.frame, c.frameSeq
		c.frameMu.Unlock()
		return frame, seq, nil
	}
	wait := c.frameCh
	c.frameMu.Unlock()

	if c.closed.Load() {
		return nil, after, ErrClosed
	}

	select {
	case <-wait:
		c.frameMu.Lock()
		defer c.frameMu.Unlock()
		return c.frame, c.frameSeq, nil
	case <-time.After(timeout):
		return nil, after, ErrNoFrame
	}
}

// Close closes the WebRTC connection and the signalling socket.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Debug("peer connection close failed", "error", err)
		}
	}
	if c.sig != nil {
		_ = c.sig.close()
	}
	c.decoder.Close()
}
