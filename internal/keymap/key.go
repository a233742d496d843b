package keymap

import (
	"fmt"
	"time"
)

// Key identifies a physical key or button, a virtual key latch or a
// client-side action. The numeric ranges are disjoint so a Key value is
// self-describing.
type Key uint16

const (
	KeyNone Key = 0

	// Physical keys use the evdev code directly (1..0x2ff, including
	// BTN_* buttons and the relative-axis pseudo keys).
	lastPhysicalKey Key = 0x02ff

	// KeyTimeout carries a duration payload instead of naming a key.
	KeyTimeout Key = 0x0fff

	// Virtual keys are user-defined latches toggled by mappings.
	FirstVirtualKey Key = 0x1000
	LastVirtualKey  Key = 0x10ff

	// KeyExit requests a graceful daemon shutdown when emitted.
	KeyExit Key = 0x1fff

	// Action keys index the client-side action list.
	FirstActionKey Key = 0x2000
	LastActionKey  Key = 0x2fff
)

func (k Key) IsPhysical() bool {
	return k > KeyNone && k <= lastPhysicalKey
}

func (k Key) IsVirtual() bool {
	return (k >= FirstVirtualKey && k <= LastVirtualKey) || k == KeyExit
}

func (k Key) IsAction() bool {
	return k >= FirstActionKey && k <= LastActionKey
}

func (k Key) IsTimeout() bool {
	return k == KeyTimeout
}

// VirtualKey returns the n-th user virtual key.
func VirtualKey(n int) Key {
	return FirstVirtualKey + Key(n)
}

// ActionKey returns the key for the n-th client action.
func ActionKey(n int) Key {
	return FirstActionKey + Key(n)
}

// ActionIndex returns the client action index of an action key.
func ActionIndex(k Key) int {
	return int(k - FirstActionKey)
}

// KeyState describes the direction of a key event. DownMatched and Not
// never cross the device boundary: DownMatched marks window events
// already consumed by a match, Not is a negated requirement in a
// mapping input pattern.
type KeyState uint8

const (
	Up KeyState = iota
	Down
	DownMatched
	Not
)

func (s KeyState) String() string {
	switch s {
	case Up:
		return "Up"
	case Down:
		return "Down"
	case DownMatched:
		return "DownMatched"
	case Not:
		return "Not"
	default:
		return "Unknown"
	}
}

// KeyEvent is a single key transition. Timeout is meaningful only when
// Key == KeyTimeout: with State Down it is the input-timeout marker the
// stage hands to the event loop, with State Up it is a delay between
// output events.
type KeyEvent struct {
	Key     Key
	State   KeyState
	Timeout time.Duration
}

func (e KeyEvent) String() string {
	if e.Key == KeyTimeout {
		return fmt.Sprintf("Timeout{%s %s}", e.Timeout, e.State)
	}
	return fmt.Sprintf("%s %s", KeyName(e.Key), e.State)
}

// IsInputTimeout reports whether the event is the marker with which the
// stage requests an input timeout from the event loop.
func (e KeyEvent) IsInputTimeout() bool {
	return e.Key == KeyTimeout && e.State == Down
}

// InputTimeoutEvent builds the input-timeout marker for d. The same
// shape is fed back to the stage when the timer fires or is cancelled.
func InputTimeoutEvent(d time.Duration) KeyEvent {
	return KeyEvent{Key: KeyTimeout, State: Down, Timeout: d}
}

// OutputDelayEvent builds a delay between two output events.
func OutputDelayEvent(d time.Duration) KeyEvent {
	return KeyEvent{Key: KeyTimeout, State: Up, Timeout: d}
}

// KeySequence is an ordered list of key events. Buffers are reused
// across stage updates, so callers must not retain returned sequences.
type KeySequence []KeyEvent

// NoDeviceIndex marks events that did not originate from a grabbed
// device, e.g. virtual key feedback. It matches every device filter.
const NoDeviceIndex = 10000
