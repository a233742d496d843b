package devices

import (
	"time"

	"github.com/dooshek/keymapd/internal/keymap"
)

// Event types mirror the Linux input event codes; non-key events pass
// through the pipeline untranslated.
const (
	EvSyn uint16 = 0x00
	EvKey uint16 = 0x01
	EvRel uint16 = 0x02
	EvMsc uint16 = 0x04

	SynReport uint16 = 0x00
)

// RawEvent is one event read from a grabbed device.
type RawEvent struct {
	DeviceIndex int
	Type        uint16
	Code        uint16
	Value       int32
}

// KeyEvent converts a raw event to a key event. Repeats (value 2) are
// reported as Down; the event loop and stage decide what to do with
// them. The second return is false for non-key events.
func (e *RawEvent) KeyEvent() (keymap.KeyEvent, bool) {
	if e.Type != EvKey {
		return keymap.KeyEvent{}, false
	}
	state := keymap.Down
	if e.Value == 0 {
		state = keymap.Up
	}
	return keymap.KeyEvent{Key: keymap.Key(e.Code), State: state}, true
}

// DeviceSet is an abstract source of grabbed physical input devices.
// The Linux implementation grabs evdev devices exclusively; tests use
// a scripted fake.
type DeviceSet interface {
	// Grab captures the input devices, excluding the daemon's own
	// virtual device by name. Pointer devices are included only when
	// the configuration maps buttons. Idempotent.
	Grab(virtualDeviceName string, includePointer bool) bool

	// ReadInput blocks up to timeout (forever when negative) for the
	// next event. It returns early with a nil event when interrupt
	// becomes readable or the timeout expires. ok == false is fatal to
	// the session.
	ReadInput(timeout time.Duration, interrupt <-chan struct{}) (ok bool, ev *RawEvent)

	// DeviceNames lists the display names of the grabbed devices,
	// indexed by device index.
	DeviceNames() []string

	Close()
}

// VirtualDevice is the synthetic output device remapped events appear
// to originate from. All operations report failure with false; the
// first failure tears the session down.
type VirtualDevice interface {
	Create(name string) bool
	SendKeyEvent(ev keymap.KeyEvent) bool
	SendEvent(typ, code uint16, value int32) bool
	Flush() bool
	Close()
}
