package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/presence"
)

type Kind string

const (
	KindSnapshot          Kind = "onlineDriversSnapshot"
	KindDelta             Kind = "driverDelta"
	KindTripAccepted      Kind = "tripAccepted"
	KindTripDriverArrived Kind = "tripDriverArrived"
	KindTripClosed        Kind = "tripClosed"
	KindNoDrivers         Kind = "noDriversAvailable"

	KindDeclareInterest Kind = "declareInterest"
	KindRequestSnapshot Kind = "requestSnapshot"
)

var ErrUnknownKind = errors.New("unknown message kind")

// Envelope is the frame every push message travels in.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// Sender identifies the passenger on shared outbound channels.
	Sender string `json:"sender,omitempty"`
}

// Message is one decoded inbound message.
type Message interface {
	Kind() Kind
}

type Snapshot struct {
	Drivers []presence.RawDriver
}

type Delta struct {
	presence.Delta
}

type TripAccepted struct {
	TripID     string `json:"tripId"`
	DriverID   string `json:"driverId,omitempty"`
	DriverName string `json:"driverName,omitempty"`
}

type TripDriverArrived struct {
	TripID string `json:"tripId"`
}

type TripClosed struct {
	TripID string `json:"tripId"`
	Reason string `json:"reason,omitempty"`
}

type NoDriversAvailable struct {
	TripID string `json:"tripId"`
}

func (Snapshot) Kind() Kind           { return KindSnapshot }
func (Delta) Kind() Kind              { return KindDelta }
func (TripAccepted) Kind() Kind       { return KindTripAccepted }
func (TripDriverArrived) Kind() Kind  { return KindTripDriverArrived }
func (TripClosed) Kind() Kind         { return KindTripClosed }
func (NoDriversAvailable) Kind() Kind { return KindNoDrivers }

// Outbound is a message the client sends on the push channel.
type Outbound interface {
	Kind() Kind
}

type DeclareInterest struct {
	models.RegionInterest
}

type RequestSnapshot struct{}

func (DeclareInterest) Kind() Kind { return KindDeclareInterest }
func (RequestSnapshot) Kind() Kind { return KindRequestSnapshot }

// Decode parses one inbound frame.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var (
		msg Message
		err error
	)
	switch env.Type {
	case KindSnapshot:
		var s Snapshot
		s.Drivers, err = decodeDrivers(env.Payload)
		msg = s
	case KindDelta:
		var d Delta
		err = unmarshalPayload(env.Payload, &d.Delta)
		msg = d
	case KindTripAccepted:
		var m TripAccepted
		err = unmarshalPayload(env.Payload, &m)
		msg = m
	case KindTripDriverArrived:
		var m TripDriverArrived
		err = unmarshalPayload(env.Payload, &m)
		msg = m
	case KindTripClosed:
		var m TripClosed
		err = unmarshalPayload(env.Payload, &m)
		msg = m
	case KindNoDrivers:
		var m NoDriversAvailable
		err = unmarshalPayload(env.Payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// Encode wraps an outbound message in its envelope.
func Encode(o Outbound) ([]byte, error) {
	return encodeFrom(o, "")
}

func encodeFrom(o Outbound, sender string) ([]byte, error) {
	env := Envelope{Type: o.Kind(), Sender: sender}
	if _, empty := o.(RequestSnapshot); !empty {
		b, err := json.Marshal(o)
		if err != nil {
			return nil, err
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

func unmarshalPayload(p json.RawMessage, v any) error {
	if len(p) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(p, v)
}

// decodeDrivers accepts the bare array form and the {"drivers": [...]} form.
func decodeDrivers(p json.RawMessage) ([]presence.RawDriver, error) {
	p = bytes.TrimSpace(p)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil, nil
	}
	var drivers []presence.RawDriver
	if p[0] == '[' {
		err := json.Unmarshal(p, &drivers)
		return drivers, err
	}
	var wrapped struct {
		Drivers []presence.RawDriver `json:"drivers"`
	}
	err := json.Unmarshal(p, &wrapped)
	return wrapped.Drivers, err
}
