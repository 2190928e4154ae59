package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKnownLayouts(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Event
	}{
		{"pointer move", []byte{74, 100, 0, 50, 0, 0xff, 0xff, 2, 0}, PointerMove{X: 100, Y: 50, DeltaX: -1, DeltaY: 2}},
		{"pointer down", []byte{72, 2, 0x10, 0x27, 0x20, 0x4e}, PointerButton{Button: ButtonRight, Pressed: true, X: 10000, Y: 20000}},
		{"pointer up", []byte{73, 0, 1, 0, 2, 0}, PointerButton{Button: ButtonLeft, X: 1, Y: 2}},
		{"double click", []byte{76, 1, 3, 0, 4, 0}, PointerDouble{Button: ButtonMiddle, X: 3, Y: 4}},
		{"wheel", []byte{75, 0x88, 0xff, 5, 0, 6, 0}, Wheel{Delta: -120, X: 5, Y: 6}},
		{"key down", []byte{60, 65, 0}, KeyDown{Code: 65}},
		{"key down repeat", []byte{60, 65, 1}, KeyDown{Code: 65, Repeat: true}},
		{"key up", []byte{61, 13}, KeyUp{Code: 13}},
		{"key press", []byte{62, 0xe9, 0x00}, KeyPress{CharCode: 'é'}},
		{"enter", []byte{70}, PointerEnter{}},
		{"leave", []byte{71}, PointerLeave{}},
		{"ui interaction", append([]byte{50}, `{"camera":"front"}`...), UIInteraction{Descriptor: `{"camera":"front"}`}},
		{"empty command", []byte{51}, Command{}},
		{"trailing bytes ignored", []byte{61, 13, 99, 99}, KeyUp{Code: 13}},
		{"touch", []byte{80, 1, 1, 0, 2, 0, 7, 128, 1}, Touch{Phase: TouchStart, Points: []TouchPoint{{X: 1, Y: 2, ID: 7, Force: 128, Valid: true}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	events := []Event{
		UIInteraction{Descriptor: "hello"},
		Command{Descriptor: "stat fps"},
		KeyDown{Code: 37, Repeat: true},
		KeyUp{Code: 112},
		KeyPress{CharCode: 0x263a},
		PointerEnter{},
		PointerLeave{},
		PointerButton{Button: ButtonForward, Pressed: true, X: 65535, Y: 0},
		PointerButton{Button: ButtonBack, X: 1, Y: 65535},
		PointerMove{X: 32768, Y: 16384, DeltaX: -32768, DeltaY: 32767},
		Wheel{Delta: 120, X: 9, Y: 10},
		PointerDouble{Button: ButtonLeft, X: 11, Y: 12},
		Touch{Phase: TouchMove, Points: []TouchPoint{{X: 1, Y: 2, ID: 0, Force: 255, Valid: true}, {X: 3, Y: 4, ID: 1}}},
		Touch{Phase: TouchEnd},
	}

	for _, e := range events {
		got, err := Decode(Encode(e))
		require.NoError(t, err, e.Kind().String())
		assert.Equal(t, e, got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	for kind, need := range minLengths {
		full := make([]byte, need)
		full[0] = byte(kind)
		for n := 1; n < need; n++ {
			ev, err := Decode(full[:n])
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, ErrTruncated, "%s with %d bytes", kind, n)

			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, kind, de.Kind)
			assert.Equal(t, need, de.Need)
			assert.Equal(t, n, de.Got)
		}
	}

	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)

	// count says two points but only one follows
	_, err = Decode([]byte{82, 2, 1, 0, 2, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeUnknownType(t *testing.T) {
	for _, b := range []byte{0, 1, 49, 52, 63, 77, 83, 255} {
		_, err := Decode([]byte{b, 0, 0, 0, 0, 0, 0, 0, 0})
		assert.ErrorIs(t, err, ErrUnknownType, "discriminant %d", b)
	}
}

func TestDecodeInvalidText(t *testing.T) {
	_, err := Decode([]byte{51, 0xff, 0xfe})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeNeverPanics(t *testing.T) {
	buf := make([]byte, 0, 16)
	for b := 0; b < 256; b++ {
		for n := 0; n < 16; n++ {
			buf = buf[:0]
			buf = append(buf, byte(b))
			for i := 0; i < n; i++ {
				buf = append(buf, byte(i*37))
			}
			assert.NotPanics(t, func() { _, _ = Decode(buf) })
		}
	}
}

func TestKeyNameAndViewport(t *testing.T) {
	assert.Equal(t, "KeyA", KeyName(65))
	assert.Equal(t, "Digit7", KeyName('7'))
	assert.Equal(t, "F12", KeyName(123))
	assert.Equal(t, "Numpad3", KeyName(99))
	assert.Equal(t, "ArrowDown", KeyName(40))
	assert.Equal(t, "", KeyName(255))

	v := Viewport{Width: 1920, Height: 1080}
	x, y := v.Position(32768, 16384)
	assert.InDelta(t, 960, x, 0.001)
	assert.InDelta(t, 270, y, 0.001)
	dx, _ := v.Delta(-6554, 0)
	assert.InDelta(t, -192.0, dx, 0.1)

	assert.Equal(t, "right", ButtonRight.String())
	assert.Equal(t, "pointer-move", KindPointerMove.String())
	assert.Equal(t, "unknown(9)", Kind(9).String())
}
