package input

import "fmt"

// Kind is the discriminant carried in byte 0 of every data channel message
type Kind uint8

const (
	KindUIInteraction Kind = 50
	KindCommand       Kind = 51
	KindKeyDown       Kind = 60
	KindKeyUp         Kind = 61
	KindKeyPress      Kind = 62
	KindPointerEnter  Kind = 70
	KindPointerLeave  Kind = 71
	KindPointerDown   Kind = 72
	KindPointerUp     Kind = 73
	KindPointerMove   Kind = 74
	KindWheel         Kind = 75
	KindPointerDouble Kind = 76
	KindTouchStart    Kind = 80
	KindTouchEnd      Kind = 81
	KindTouchMove     Kind = 82
)

var kindNames = map[Kind]string{
	KindUIInteraction: "ui-interaction",
	KindCommand:       "command",
	KindKeyDown:       "key-down",
	KindKeyUp:         "key-up",
	KindKeyPress:      "key-press",
	KindPointerEnter:  "pointer-enter",
	KindPointerLeave:  "pointer-leave",
	KindPointerDown:   "pointer-down",
	KindPointerUp:     "pointer-up",
	KindPointerMove:   "pointer-move",
	KindWheel:         "wheel",
	KindPointerDouble: "pointer-double",
	KindTouchStart:    "touch-start",
	KindTouchEnd:      "touch-end",
	KindTouchMove:     "touch-move",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Known reports whether k is a discriminant this codec understands
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// Event is one decoded input message
type Event interface {
	Kind() Kind
}

// UIInteraction carries a free-form descriptor emitted by the player UI
type UIInteraction struct {
	Descriptor string
}

// Command carries a console-style command descriptor
type Command struct {
	Descriptor string
}

// KeyDown is a key press with the browser key code
type KeyDown struct {
	Code   uint8
	Repeat bool
}

// KeyUp is a key release
type KeyUp struct {
	Code uint8
}

// KeyPress carries the character produced by a key press
type KeyPress struct {
	CharCode uint16
}

type PointerEnter struct{}

type PointerLeave struct{}

// PointerButton is a press or release at a normalised position
type PointerButton struct {
	Button  Button
	Pressed bool
	X, Y    uint16
}

// PointerMove is an absolute position plus the relative motion since the last move
type PointerMove struct {
	X, Y           uint16
	DeltaX, DeltaY int16
}

// Wheel is a scroll at a normalised position
type Wheel struct {
	Delta int16
	X, Y  uint16
}

// PointerDouble is a double click
type PointerDouble struct {
	Button Button
	X, Y   uint16
}

// TouchPhase selects which touch discriminant a Touch encodes to
type TouchPhase uint8

const (
	TouchStart TouchPhase = iota
	TouchEnd
	TouchMove
)

// TouchPoint is one finger in a touch message
type TouchPoint struct {
	X, Y  uint16
	ID    uint8
	Force uint8
	Valid bool
}

// Touch is a multi-point touch update
type Touch struct {
	Phase  TouchPhase
	Points []TouchPoint
}

func (UIInteraction) Kind() Kind { return KindUIInteraction }
func (Command) Kind() Kind       { return KindCommand }
func (KeyDown) Kind() Kind       { return KindKeyDown }
func (KeyUp) Kind() Kind         { return KindKeyUp }
func (KeyPress) Kind() Kind      { return KindKeyPress }
func (PointerEnter) Kind() Kind  { return KindPointerEnter }
func (PointerLeave) Kind() Kind  { return KindPointerLeave }
func (PointerMove) Kind() Kind   { return KindPointerMove }
func (Wheel) Kind() Kind         { return KindWheel }
func (PointerDouble) Kind() Kind { return KindPointerDouble }

func (e PointerButton) Kind() Kind {
	if e.Pressed {
		return KindPointerDown
	}
	return KindPointerUp
}

func (e Touch) Kind() Kind {
	switch e.Phase {
	case TouchEnd:
		return KindTouchEnd
	case TouchMove:
		return KindTouchMove
	default:
		return KindTouchStart
	}
}

// Tagged is an event attributed to the streamer and connection it arrived on
type Tagged struct {
	Streamer   string
	Connection string
	Event      Event
}
