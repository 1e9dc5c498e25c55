package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("protocol: decode error")

// DecodeError reports a payload that could not be decoded into the expected
// message. Field is set when a specific field is missing or invalid.
type DecodeError struct {
	Type   Type
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "protocol: could not decode"
	if e.Type != "" {
		msg += " " + string(e.Type)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %q)", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

type updateWire struct {
	Type       *Type      `json:"type"`
	State      *GameState `json:"state"`
	X          *float64   `json:"x"`
	Y          *float64   `json:"y"`
	VX         *float64   `json:"vx"`
	VY         *float64   `json:"vy"`
	Paddle1Y   *float64   `json:"paddle1y"`
	Paddle2Y   *float64   `json:"paddle2y"`
	LeftScore  *int       `json:"leftScore"`
	RightScore *int       `json:"rightScore"`
}

type statsUpdateWire struct {
	Type   *Type        `json:"type"`
	Global *GlobalStats `json:"global"`
	Server *ServerStats `json:"server"`
	Player *PlayerStats `json:"player"`
}

type webSocketErrorWire struct {
	Type    *Type   `json:"type"`
	Message *string `json:"message"`
}

type paddleCommandWire struct {
	ID *int     `json:"id"`
	Y  *float64 `json:"y"`
}

// Encode serializes a tagged message with its discriminant.
func Encode(m Message) ([]byte, error) {
	var v any
	switch msg := m.(type) {
	case Update:
		t := TypeUpdate
		v = updateWire{
			Type: &t, State: &msg.State,
			X: &msg.X, Y: &msg.Y, VX: &msg.VX, VY: &msg.VY,
			Paddle1Y: &msg.Paddle1Y, Paddle2Y: &msg.Paddle2Y,
			LeftScore: &msg.LeftScore, RightScore: &msg.RightScore,
		}
	case *Update:
		return Encode(*msg)
	case StatsUpdate:
		t := TypeStatsUpdate
		v = statsUpdateWire{Type: &t, Global: &msg.Global, Server: &msg.Server, Player: &msg.Player}
	case *StatsUpdate:
		return Encode(*msg)
	case WebSocketError:
		t := TypeWebSocketError
		v = webSocketErrorWire{Type: &t, Message: &msg.Message}
	case *WebSocketError:
		return Encode(*msg)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", m)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s: %w", m.Type(), err)
	}
	return data, nil
}

// Decode reads the discriminant and dispatches to the matching decoder.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type *Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &DecodeError{Reason: "malformed json", Err: err}
	}
	if head.Type == nil {
		return nil, &DecodeError{Field: "type", Reason: "missing discriminant"}
	}

	switch *head.Type {
	case TypeUpdate:
		return DecodeUpdate(data)
	case TypeStatsUpdate:
		return DecodeStatsUpdate(data)
	case TypeWebSocketError:
		return DecodeWebSocketError(data)
	}
	return nil, &DecodeError{Type: *head.Type, Field: "type", Reason: "unknown discriminant"}
}

// DecodeUpdate decodes an Update, rejecting payloads with a missing or
// mismatched discriminant, missing fields or unknown fields.
func DecodeUpdate(data []byte) (Update, error) {
	var w updateWire
	if err := decodeStrict(data, &w); err != nil {
		return Update{}, &DecodeError{Type: TypeUpdate, Err: err}
	}
	if err := checkType(TypeUpdate, w.Type); err != nil {
		return Update{}, err
	}
	if err := requireFields(TypeUpdate, []field{
		{"state", w.State != nil},
		{"x", w.X != nil},
		{"y", w.Y != nil},
		{"vx", w.VX != nil},
		{"vy", w.VY != nil},
		{"paddle1y", w.Paddle1Y != nil},
		{"paddle2y", w.Paddle2Y != nil},
		{"leftScore", w.LeftScore != nil},
		{"rightScore", w.RightScore != nil},
	}); err != nil {
		return Update{}, err
	}
	if !w.State.valid() {
		return Update{}, &DecodeError{Type: TypeUpdate, Field: "state", Reason: fmt.Sprintf("unknown state %q", *w.State)}
	}

	return Update{
		State:      *w.State,
		X:          *w.X,
		Y:          *w.Y,
		VX:         *w.VX,
		VY:         *w.VY,
		Paddle1Y:   *w.Paddle1Y,
		Paddle2Y:   *w.Paddle2Y,
		LeftScore:  *w.LeftScore,
		RightScore: *w.RightScore,
	}, nil
}

func DecodeStatsUpdate(data []byte) (StatsUpdate, error) {
	var w statsUpdateWire
	if err := decodeStrict(data, &w); err != nil {
		return StatsUpdate{}, &DecodeError{Type: TypeStatsUpdate, Err: err}
	}
	if err := checkType(TypeStatsUpdate, w.Type); err != nil {
		return StatsUpdate{}, err
	}
	if err := requireFields(TypeStatsUpdate, []field{
		{"global", w.Global != nil},
		{"server", w.Server != nil},
		{"player", w.Player != nil},
	}); err != nil {
		return StatsUpdate{}, err
	}
	return StatsUpdate{Global: *w.Global, Server: *w.Server, Player: *w.Player}, nil
}

func DecodeWebSocketError(data []byte) (WebSocketError, error) {
	var w webSocketErrorWire
	if err := decodeStrict(data, &w); err != nil {
		return WebSocketError{}, &DecodeError{Type: TypeWebSocketError, Err: err}
	}
	if err := checkType(TypeWebSocketError, w.Type); err != nil {
		return WebSocketError{}, err
	}
	if err := requireFields(TypeWebSocketError, []field{{"message", w.Message != nil}}); err != nil {
		return WebSocketError{}, err
	}
	return WebSocketError{Message: *w.Message}, nil
}

// DecodePaddleCommand decodes the untagged {id, y} client message. The paddle
// id is not range checked here; the engine rejects unknown paddles.
func DecodePaddleCommand(data []byte) (PaddleCommand, error) {
	var w paddleCommandWire
	if err := decodeStrict(data, &w); err != nil {
		return PaddleCommand{}, &DecodeError{Err: err}
	}
	if err := requireFields("", []field{{"id", w.ID != nil}, {"y", w.Y != nil}}); err != nil {
		return PaddleCommand{}, err
	}
	return PaddleCommand{ID: *w.ID, Y: *w.Y}, nil
}

type field struct {
	name    string
	present bool
}

func requireFields(t Type, fields []field) error {
	for _, f := range fields {
		if !f.present {
			return &DecodeError{Type: t, Field: f.name, Reason: "missing field"}
		}
	}
	return nil
}

func checkType(want Type, got *Type) error {
	if got == nil {
		return &DecodeError{Type: want, Field: "type", Reason: "missing discriminant"}
	}
	if *got != want {
		return &DecodeError{Type: want, Field: "type", Reason: fmt.Sprintf("discriminant %q does not match", *got)}
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after message")
	}
	return nil
}
