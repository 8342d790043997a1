// Package wire defines the JSON message protocol carried on the state, chat,
// and media channels between peers. Every message travels inside an Envelope
// whose Type field selects the payload shape.
package wire

import (
	"encoding/json"
	"fmt"
)

const (
	TypeHello           = "hello"
	TypeBye             = "bye"
	TypePos             = "pos"
	TypeMeta            = "meta"
	TypeChat            = "chat"
	TypeMediaHint       = "media-hint"
	TypeDoor            = "door"
	TypeDoorSyncRequest = "door-sync-request"
	TypeGesture         = "gesture"
)

// Channel labels. One websocket (or in-memory pipe) per label per peer pair.
const (
	LabelState = "state"
	LabelChat  = "chat"
	LabelMedia = "media"
)

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hello introduces the sender on a freshly opened state channel.
type Hello struct {
	PeerID   string `json:"peerId"`
	StableID string `json:"stableId"`
}

// Bye announces an intentional leave; receivers drop the roster entry.
type Bye struct {
	PeerID string `json:"peerId"`
}

type Pos struct {
	X      int  `json:"x"`
	Y      int  `json:"y"`
	Moving bool `json:"moving,omitempty"`
	Facing int  `json:"facing,omitempty"`
}

type Meta struct {
	Label       string   `json:"label,omitempty"`
	OutfitSlots []string `json:"outfitSlots,omitempty"`
}

type Chat struct {
	Text string `json:"text"`
	TS   int64  `json:"ts"`
	From string `json:"from"`
}

// MediaHint signals that the sender's outbound audio situation changed and
// the receiver may want to refresh its playback element.
type MediaHint struct {
	Reason string `json:"reason"`
}

const (
	MediaHintMicOn  = "mic-on"
	MediaHintMicOff = "mic-off"
	MediaHintDevice = "device"
	MediaHintManual = "manual"
)

// Door replicates one shared door cell. Silent marks catch-up deliveries so
// receivers skip sound effects.
type Door struct {
	Col    int  `json:"col"`
	Row    int  `json:"row"`
	Open   bool `json:"open"`
	Silent bool `json:"silent,omitempty"`
}

type DoorSyncRequest struct{}

type Gesture struct {
	Kind       string `json:"kind"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// Encode wraps a payload in an Envelope and marshals it.
func Encode(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("wire: marshal %s payload: %w", msgType, err)
		}
		env.Data = data
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Decode unmarshals an Envelope without touching the payload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("wire: envelope missing type")
	}
	return env, nil
}

// Payload unmarshals the envelope payload into dst.
func (e Envelope) Payload(dst any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", e.Type, err)
	}
	return nil
}
