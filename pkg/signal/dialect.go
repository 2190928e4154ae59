package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrMalformed      = errors.New("malformed signalling message")
	ErrUnknownDialect = errors.New("unknown signalling dialect")
)

// Dialect encodes and decodes the text frames of one signalling protocol
type Dialect interface {
	Name() string
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// Dialects lists the available dialects by configuration name
var Dialects = map[string]func() Dialect{
	"pixelstreaming": func() Dialect { return PixelStreaming{} },
}

// NewDialect returns the dialect registered under name
func NewDialect(name string) (Dialect, error) {
	ctor, ok := Dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		names := make([]string, 0, len(Dialects))
		for n := range Dialects {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownDialect, name, strings.Join(names, ", "))
	}
	return ctor(), nil
}

// PixelStreaming speaks the JSON protocol of the Pixel Streaming signalling server
type PixelStreaming struct{}

func (PixelStreaming) Name() string { return "pixelstreaming" }

// Encode validates msg and marshals it
func (PixelStreaming) Encode(msg Message) ([]byte, error) {
	if err := Validate(msg); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	return data, nil
}

// Decode unmarshals one frame. Unknown fields are ignored; unknown types and
// missing required fields fail with ErrMalformed.
func (PixelStreaming) Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Validate(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// required returns the name of the first missing required field, or ""
var required = map[string]func(Message) string{
	TypeConfig:             none,
	TypeIdentify:           none,
	TypePing:               none,
	TypePong:               none,
	TypeError:              none,
	TypeEndpointID:         func(m Message) string { return need(m.ID != "", "id") },
	TypeEndpointIDConfirm:  func(m Message) string { return need(m.CommittedID != "", "committedId") },
	TypeStreamerIDChanged:  func(m Message) string { return need(m.NewID != "", "newId") },
	TypePlayerConnected:    playerOnly,
	TypePlayerDisconnected: playerOnly,
	TypeDisconnectPlayer:   playerOnly,
	TypeOffer:              description,
	TypeAnswer:             description,
	TypeIceCandidate: func(m Message) string {
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return "candidate"
		}
		return playerOnly(m)
	},
}

func none(Message) string { return "" }

func need(ok bool, field string) string {
	if ok {
		return ""
	}
	return field
}

func playerOnly(m Message) string { return need(m.PlayerID != "", "playerId") }

func description(m Message) string {
	if m.SDP == "" {
		return "sdp"
	}
	return playerOnly(m)
}

// Validate checks that msg has a known type and its required fields
func Validate(msg Message) error {
	check, ok := required[msg.Type]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
	if field := check(msg); field != "" {
		return fmt.Errorf("%w: %s without %s", ErrMalformed, msg.Type, field)
	}
	return nil
}
