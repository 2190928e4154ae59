package input

import "fmt"

// Button identifies a pointer button as numbered by the browser
type Button uint8

const (
	ButtonLeft Button = iota
	ButtonMiddle
	ButtonRight
	ButtonBack
	ButtonForward
)

func (b Button) String() string {
	switch b {
	case ButtonLeft:
		return "left"
	case ButtonMiddle:
		return "middle"
	case ButtonRight:
		return "right"
	case ButtonBack:
		return "back"
	case ButtonForward:
		return "forward"
	default:
		return fmt.Sprintf("button%d", uint8(b))
	}
}

// keyNames maps browser keyCode values to stable key names
var keyNames = map[uint8]string{
	8:   "Backspace",
	9:   "Tab",
	13:  "Enter",
	16:  "Shift",
	17:  "Control",
	18:  "Alt",
	20:  "CapsLock",
	27:  "Escape",
	32:  "Space",
	33:  "PageUp",
	34:  "PageDown",
	35:  "End",
	36:  "Home",
	37:  "ArrowLeft",
	38:  "ArrowUp",
	39:  "ArrowRight",
	40:  "ArrowDown",
	45:  "Insert",
	46:  "Delete",
	93:  "ContextMenu",
	106: "NumpadMultiply",
	107: "NumpadAdd",
	109: "NumpadSubtract",
	110: "NumpadDecimal",
	111: "NumpadDivide",
	186: "Semicolon",
	187: "Equal",
	188: "Comma",
	189: "Minus",
	190: "Period",
	191: "Slash",
	192: "Backquote",
	219: "BracketLeft",
	220: "Backslash",
	221: "BracketRight",
	222: "Quote",
}

// KeyName returns a readable name for a browser key code, or "" when unmapped
func KeyName(code uint8) string {
	switch {
	case code >= '0' && code <= '9':
		return "Digit" + string(rune(code))
	case code >= 'A' && code <= 'Z':
		return "Key" + string(rune(code))
	case code >= 96 && code <= 105:
		return fmt.Sprintf("Numpad%d", code-96)
	case code >= 112 && code <= 123:
		return fmt.Sprintf("F%d", code-111)
	}
	return keyNames[code]
}

// Scale is the range positions are normalised to on the wire
const Scale = 65536.0

// Viewport is the pixel size of the streamer's render target
type Viewport struct {
	Width  int
	Height int
}

// Position maps normalised wire coordinates onto the viewport
func (v Viewport) Position(x, y uint16) (float64, float64) {
	return float64(v.Width) * float64(x) / Scale, float64(v.Height) * float64(y) / Scale
}

// Delta maps normalised wire deltas onto the viewport
func (v Viewport) Delta(dx, dy int16) (float64, float64) {
	return float64(v.Width) * float64(dx) / Scale, float64(v.Height) * float64(dy) / Scale
}
