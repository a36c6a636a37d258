// Package split runs the classifier's first layer on a server that only sees
// encrypted codes.
package split

import (
	"encoding/gob"
	"fmt"
	"io"
)

func init() {
	gob.Register(ForwardPayload{})
}

// MessageType defines message types for the probe protocol
type MessageType int

const (
	MsgForwardInput MessageType = iota
	MsgForwardOutput
	MsgDone
	MsgError
)

// Message represents a message in the probe protocol
type Message struct {
	Type    MessageType
	Payload interface{}
}

// ForwardPayload carries one serialized ciphertext chunk.
type ForwardPayload struct {
	BatchID    int
	Chunk      int
	Ciphertext []byte
	Level      int
	ScaleFloat float64
}

// Protocol handles probe communication
type Protocol struct {
	encoder *gob.Encoder
	decoder *gob.Decoder
}

// NewProtocol creates a new protocol handler
func NewProtocol(r io.Reader, w io.Writer) *Protocol {
	p := &Protocol{}
	if w != nil {
		p.encoder = gob.NewEncoder(w)
	}
	if r != nil {
		p.decoder = gob.NewDecoder(r)
	}
	return p
}

// Send sends a message
func (p *Protocol) Send(msg *Message) error {
	return p.encoder.Encode(msg)
}

// Receive receives a message
func (p *Protocol) Receive() (*Message, error) {
	var msg Message
	if err := p.decoder.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (p *Protocol) sendForward(t MessageType, batchID, chunk int, ctBytes []byte, level int, scale float64) error {
	return p.Send(&Message{
		Type: t,
		Payload: ForwardPayload{
			BatchID:    batchID,
			Chunk:      chunk,
			Ciphertext: ctBytes,
			Level:      level,
			ScaleFloat: scale,
		},
	})
}

// SendForward sends an encrypted input chunk to the server.
func (p *Protocol) SendForward(batchID, chunk int, ctBytes []byte, level int, scale float64) error {
	return p.sendForward(MsgForwardInput, batchID, chunk, ctBytes, level, scale)
}

// SendForwardOutput returns an evaluated chunk to the client.
func (p *Protocol) SendForwardOutput(batchID, chunk int, ctBytes []byte, level int, scale float64) error {
	return p.sendForward(MsgForwardOutput, batchID, chunk, ctBytes, level, scale)
}

// SendDone signals completion
func (p *Protocol) SendDone() error {
	return p.Send(&Message{Type: MsgDone})
}

// SendError sends an error message
func (p *Protocol) SendError(err error) error {
	return p.Send(&Message{
		Type:    MsgError,
		Payload: err.Error(),
	})
}

// ReceiveForward receives a forward payload of either direction. A done
// message yields io.EOF.
func (p *Protocol) ReceiveForward() (*ForwardPayload, error) {
	msg, err := p.Receive()
	if err != nil {
		return nil, err
	}
	if msg.Type == MsgError {
		return nil, fmt.Errorf("remote error: %v", msg.Payload)
	}
	if msg.Type == MsgDone {
		return nil, io.EOF
	}
	if msg.Type != MsgForwardInput && msg.Type != MsgForwardOutput {
		return nil, fmt.Errorf("expected forward message, got %d", msg.Type)
	}
	payload, ok := msg.Payload.(ForwardPayload)
	if !ok {
		return nil, fmt.Errorf("invalid forward payload type")
	}
	return &payload, nil
}
