package keymap

import "strconv"

// Physical key constants mirror the Linux evdev codes, so a compiled
// configuration can be sent to the virtual device without translation.
const (
	KeyEsc        Key = 1
	Key1          Key = 2
	Key2          Key = 3
	Key3          Key = 4
	Key4          Key = 5
	Key5          Key = 6
	Key6          Key = 7
	Key7          Key = 8
	Key8          Key = 9
	Key9          Key = 10
	Key0          Key = 11
	KeyMinus      Key = 12
	KeyEqual      Key = 13
	KeyBackspace  Key = 14
	KeyTab        Key = 15
	KeyQ          Key = 16
	KeyW          Key = 17
	KeyE          Key = 18
	KeyR          Key = 19
	KeyT          Key = 20
	KeyY          Key = 21
	KeyU          Key = 22
	KeyI          Key = 23
	KeyO          Key = 24
	KeyP          Key = 25
	KeyLeftBrace  Key = 26
	KeyRightBrace Key = 27
	KeyEnter      Key = 28
	KeyLeftCtrl   Key = 29
	KeyA          Key = 30
	KeyS          Key = 31
	KeyD          Key = 32
	KeyF          Key = 33
	KeyG          Key = 34
	KeyH          Key = 35
	KeyJ          Key = 36
	KeyK          Key = 37
	KeyL          Key = 38
	KeySemicolon  Key = 39
	KeyApostrophe Key = 40
	KeyGrave      Key = 41
	KeyLeftShift  Key = 42
	KeyBackslash  Key = 43
	KeyZ          Key = 44
	KeyX          Key = 45
	KeyC          Key = 46
	KeyV          Key = 47
	KeyB          Key = 48
	KeyN          Key = 49
	KeyM          Key = 50
	KeyComma      Key = 51
	KeyDot        Key = 52
	KeySlash      Key = 53
	KeyRightShift Key = 54
	KeyKPAsterisk Key = 55
	KeyLeftAlt    Key = 56
	KeySpace      Key = 57
	KeyCapsLock   Key = 58
	KeyF1         Key = 59
	KeyF2         Key = 60
	KeyF3         Key = 61
	KeyF4         Key = 62
	KeyF5         Key = 63
	KeyF6         Key = 64
	KeyF7         Key = 65
	KeyF8         Key = 66
	KeyF9         Key = 67
	KeyF10        Key = 68
	KeyNumLock    Key = 69
	KeyScrollLock Key = 70
	KeyF11        Key = 87
	KeyF12        Key = 88
	KeyRightCtrl  Key = 97
	KeyRightAlt   Key = 100
	KeyHome       Key = 102
	KeyUp         Key = 103
	KeyPageUp     Key = 104
	KeyLeft       Key = 105
	KeyRight      Key = 106
	KeyEnd        Key = 107
	KeyDown       Key = 108
	KeyPageDown   Key = 109
	KeyInsert     Key = 110
	KeyDelete     Key = 111
	KeyLeftMeta   Key = 125
	KeyRightMeta  Key = 126
	KeyCompose    Key = 127

	BtnLeft    Key = 0x110
	BtnRight   Key = 0x111
	BtnMiddle  Key = 0x112
	BtnSide    Key = 0x113
	BtnExtra   Key = 0x114
	BtnForward Key = 0x115
	BtnBack    Key = 0x116
	BtnTask    Key = 0x117
)

// firstButtonKey is the start of the evdev BTN_* range. Everything from
// here up is only produced by pointer devices.
const firstButtonKey Key = 0x100

// IsButton reports whether k is a mouse/pointer button.
func (k Key) IsButton() bool {
	return k >= firstButtonKey && k <= lastPhysicalKey
}

var keyNames = map[Key]string{
	KeyEsc: "Escape", Key1: "1", Key2: "2", Key3: "3", Key4: "4",
	Key5: "5", Key6: "6", Key7: "7", Key8: "8", Key9: "9", Key0: "0",
	KeyMinus: "Minus", KeyEqual: "Equal", KeyBackspace: "Backspace",
	KeyTab: "Tab", KeyQ: "Q", KeyW: "W", KeyE: "E", KeyR: "R", KeyT: "T",
	KeyY: "Y", KeyU: "U", KeyI: "I", KeyO: "O", KeyP: "P",
	KeyLeftBrace: "BracketLeft", KeyRightBrace: "BracketRight",
	KeyEnter: "Enter", KeyLeftCtrl: "ControlLeft",
	KeyA: "A", KeyS: "S", KeyD: "D", KeyF: "F", KeyG: "G", KeyH: "H",
	KeyJ: "J", KeyK: "K", KeyL: "L", KeySemicolon: "Semicolon",
	KeyApostrophe: "Quote", KeyGrave: "Backquote",
	KeyLeftShift: "ShiftLeft", KeyBackslash: "Backslash",
	KeyZ: "Z", KeyX: "X", KeyC: "C", KeyV: "V", KeyB: "B", KeyN: "N",
	KeyM: "M", KeyComma: "Comma", KeyDot: "Period", KeySlash: "Slash",
	KeyRightShift: "ShiftRight", KeyKPAsterisk: "NumpadMultiply",
	KeyLeftAlt: "AltLeft", KeySpace: "Space", KeyCapsLock: "CapsLock",
	KeyF1: "F1", KeyF2: "F2", KeyF3: "F3", KeyF4: "F4", KeyF5: "F5",
	KeyF6: "F6", KeyF7: "F7", KeyF8: "F8", KeyF9: "F9", KeyF10: "F10",
	KeyNumLock: "NumLock", KeyScrollLock: "ScrollLock",
	KeyF11: "F11", KeyF12: "F12", KeyRightCtrl: "ControlRight",
	KeyRightAlt: "AltRight", KeyHome: "Home", KeyUp: "ArrowUp",
	KeyPageUp: "PageUp", KeyLeft: "ArrowLeft", KeyRight: "ArrowRight",
	KeyEnd: "End", KeyDown: "ArrowDown", KeyPageDown: "PageDown",
	KeyInsert: "Insert", KeyDelete: "Delete",
	KeyLeftMeta: "MetaLeft", KeyRightMeta: "MetaRight",
	KeyCompose: "ContextMenu",
	BtnLeft:    "ButtonLeft", BtnRight: "ButtonRight",
	BtnMiddle: "ButtonMiddle", BtnSide: "ButtonSide",
	BtnExtra: "ButtonExtra", BtnForward: "ButtonForward",
	BtnBack: "ButtonBack", BtnTask: "ButtonTask",
}

var keysByName map[string]Key

func init() {
	keysByName = make(map[string]Key, len(keyNames))
	for k, n := range keyNames {
		keysByName[n] = k
	}
}

// KeyName returns a readable name for k, used in logging. Unknown codes
// are rendered numerically.
func KeyName(k Key) string {
	switch {
	case k == KeyNone:
		return "None"
	case k == KeyTimeout:
		return "Timeout"
	case k == KeyExit:
		return "Exit"
	case k.IsVirtual():
		return "Virtual" + strconv.Itoa(int(k-FirstVirtualKey))
	case k.IsAction():
		return "Action" + strconv.Itoa(ActionIndex(k))
	}
	if n, ok := keyNames[k]; ok {
		return n
	}
	return strconv.Itoa(int(k))
}

// KeyByName resolves a physical key or button name as produced by
// KeyName. Only the physical name table is searched: "None", "Timeout",
// "Exit", virtual, action and numeric names are not resolved. The second
// return is false for any name not in the table.
func KeyByName(name string) (Key, bool) {
	k, ok := keysByName[name]
	return k, ok
}
