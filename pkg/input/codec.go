package input

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrTruncated   = errors.New("input message truncated")
	ErrUnknownType = errors.New("unknown input message type")
	ErrMalformed   = errors.New("malformed input message")
)

// DecodeError describes why a data channel message was rejected
type DecodeError struct {
	Kind Kind
	Need int
	Got  int
	Err  error
}

func (e *DecodeError) Error() string {
	if errors.Is(e.Err, ErrTruncated) {
		return fmt.Sprintf("%v: %s needs %d bytes, got %d", e.Err, e.Kind, e.Need, e.Got)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Kind)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// touchPointSize is x(2) + y(2) + id(1) + force(1) + valid(1)
const touchPointSize = 7

var minLengths = map[Kind]int{
	KindUIInteraction: 1,
	KindCommand:       1,
	KindKeyDown:       3,
	KindKeyUp:         2,
	KindKeyPress:      3,
	KindPointerEnter:  1,
	KindPointerLeave:  1,
	KindPointerDown:   6,
	KindPointerUp:     6,
	KindPointerMove:   9,
	KindWheel:         7,
	KindPointerDouble: 6,
	KindTouchStart:    2,
	KindTouchEnd:      2,
	KindTouchMove:     2,
}

// MinLength returns the smallest valid message size for k, including the discriminant.
// Unknown kinds report 1.
func MinLength(k Kind) int {
	if n, ok := minLengths[k]; ok {
		return n
	}
	return 1
}

var le = binary.LittleEndian

// Decode parses one data channel message. Trailing bytes past the fixed layout are ignored.
func Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Need: 1, Got: 0, Err: ErrTruncated}
	}

	kind := Kind(data[0])
	need, ok := minLengths[kind]
	if !ok {
		return nil, &DecodeError{Kind: kind, Err: ErrUnknownType}
	}
	if len(data) < need {
		return nil, &DecodeError{Kind: kind, Need: need, Got: len(data), Err: ErrTruncated}
	}

	p := data[1:]
	switch kind {
	case KindUIInteraction, KindCommand:
		if !utf8.Valid(p) {
			return nil, &DecodeError{Kind: kind, Err: ErrMalformed}
		}
		if kind == KindCommand {
			return Command{Descriptor: string(p)}, nil
		}
		return UIInteraction{Descriptor: string(p)}, nil
	case KindKeyDown:
		return KeyDown{Code: p[0], Repeat: p[1] != 0}, nil
	case KindKeyUp:
		return KeyUp{Code: p[0]}, nil
	case KindKeyPress:
		return KeyPress{CharCode: le.Uint16(p)}, nil
	case KindPointerEnter:
		return PointerEnter{}, nil
	case KindPointerLeave:
		return PointerLeave{}, nil
	case KindPointerDown, KindPointerUp:
		return PointerButton{
			Button:  Button(p[0]),
			Pressed: kind == KindPointerDown,
			X:       le.Uint16(p[1:]),
			Y:       le.Uint16(p[3:]),
		}, nil
	case KindPointerDouble:
		return PointerDouble{Button: Button(p[0]), X: le.Uint16(p[1:]), Y: le.Uint16(p[3:])}, nil
	case KindPointerMove:
		return PointerMove{
			X:      le.Uint16(p),
			Y:      le.Uint16(p[2:]),
			DeltaX: int16(le.Uint16(p[4:])),
			DeltaY: int16(le.Uint16(p[6:])),
		}, nil
	case KindWheel:
		return Wheel{Delta: int16(le.Uint16(p)), X: le.Uint16(p[2:]), Y: le.Uint16(p[4:])}, nil
	default:
		return decodeTouch(kind, data)
	}
}

func decodeTouch(kind Kind, data []byte) (Event, error) {
	count := int(data[1])
	need := 2 + count*touchPointSize
	if len(data) < need {
		return nil, &DecodeError{Kind: kind, Need: need, Got: len(data), Err: ErrTruncated}
	}

	t := Touch{Phase: TouchPhase(kind - KindTouchStart)}
	if count > 0 {
		t.Points = make([]TouchPoint, count)
	}
	for i := range t.Points {
		p := data[2+i*touchPointSize:]
		t.Points[i] = TouchPoint{
			X:     le.Uint16(p),
			Y:     le.Uint16(p[2:]),
			ID:    p[4],
			Force: p[5],
			Valid: p[6] != 0,
		}
	}
	return t, nil
}

// Encode serialises e in the data channel layout. Touch messages carry at most 255 points.
func Encode(e Event) []byte {
	switch ev := e.(type) {
	case UIInteraction:
		return append([]byte{byte(KindUIInteraction)}, ev.Descriptor...)
	case Command:
		return append([]byte{byte(KindCommand)}, ev.Descriptor...)
	case KeyDown:
		return []byte{byte(KindKeyDown), ev.Code, boolByte(ev.Repeat)}
	case KeyUp:
		return []byte{byte(KindKeyUp), ev.Code}
	case KeyPress:
		return le.AppendUint16([]byte{byte(KindKeyPress)}, ev.CharCode)
	case PointerEnter:
		return []byte{byte(KindPointerEnter)}
	case PointerLeave:
		return []byte{byte(KindPointerLeave)}
	case PointerButton:
		b := []byte{byte(ev.Kind()), byte(ev.Button)}
		b = le.AppendUint16(b, ev.X)
		return le.AppendUint16(b, ev.Y)
	case PointerDouble:
		b := []byte{byte(KindPointerDouble), byte(ev.Button)}
		b = le.AppendUint16(b, ev.X)
		return le.AppendUint16(b, ev.Y)
	case PointerMove:
		b := make([]byte, 1, 9)
		b[0] = byte(KindPointerMove)
		b = le.AppendUint16(b, ev.X)
		b = le.AppendUint16(b, ev.Y)
		b = le.AppendUint16(b, uint16(ev.DeltaX))
		return le.AppendUint16(b, uint16(ev.DeltaY))
	case Wheel:
		b := make([]byte, 1, 7)
		b[0] = byte(KindWheel)
		b = le.AppendUint16(b, uint16(ev.Delta))
		b = le.AppendUint16(b, ev.X)
		return le.AppendUint16(b, ev.Y)
	case Touch:
		points := ev.Points
		if len(points) > 255 {
			points = points[:255]
		}
		b := make([]byte, 2, 2+len(points)*touchPointSize)
		b[0] = byte(ev.Kind())
		b[1] = byte(len(points))
		for _, p := range points {
			b = le.AppendUint16(b, p.X)
			b = le.AppendUint16(b, p.Y)
			b = append(b, p.ID, p.Force, boolByte(p.Valid))
		}
		return b
	default:
		return nil
	}
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
