// Package hub fans messages out to websocket clients: JPEG preview frames
// on one hub, JSON status snapshots on another.
package hub

// Kind is the websocket frame type used for a message.
type Kind int

const (
	// Text carries JSON.
	Text Kind = iota
	// Binary carries JPEG frames.
	Binary
)

func (k Kind) String() string {
	if k == Binary {
		return "binary"
	}
	return "text"
}

// Message is one broadcast payload. Data is shared between clients and
// must not be modified after Broadcast.
type Message struct {
	Kind Kind
	Data []byte
}
