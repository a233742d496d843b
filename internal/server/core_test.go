package server

import (
	"testing"
	"time"

	"github.com/dooshek/keymapd/internal/devices"
	"github.com/dooshek/keymapd/internal/keymap"
	"github.com/dooshek/keymapd/internal/stage"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

// deviceStep scripts one ReadInput call: the clock advances by delay,
// then the event (nil for a timeout or interrupt wakeup) is returned.
// do runs before the read returns, e.g. to queue a client message at a
// defined point in the timeline.
type deviceStep struct {
	delay time.Duration
	ev    *devices.RawEvent
	do    func()
}

type scriptedDevices struct {
	clock *fakeClock
	steps []deviceStep
	pos   int
	names []string
}

func (d *scriptedDevices) Grab(string, bool) bool { return true }

func (d *scriptedDevices) ReadInput(timeout time.Duration, interrupt <-chan struct{}) (bool, *devices.RawEvent) {
	if d.pos >= len(d.steps) {
		return false, nil // end of script ends the session
	}
	step := d.steps[d.pos]
	d.pos++
	d.clock.advance(step.delay)
	if step.do != nil {
		step.do()
	}
	return true, step.ev
}

func (d *scriptedDevices) DeviceNames() []string { return d.names }
func (d *scriptedDevices) Close()                {}

type sentEvent struct {
	ev keymap.KeyEvent
	at time.Time
}

type recordingVirtualDevice struct {
	clock    *fakeClock
	keys     []sentEvent
	raw      []devices.RawEvent
	flushes  int
	failSend bool
}

func (v *recordingVirtualDevice) Create(string) bool { return true }

func (v *recordingVirtualDevice) SendKeyEvent(ev keymap.KeyEvent) bool {
	if v.failSend {
		return false
	}
	v.keys = append(v.keys, sentEvent{ev: ev, at: v.clock.Now()})
	return true
}

func (v *recordingVirtualDevice) SendEvent(typ, code uint16, value int32) bool {
	v.raw = append(v.raw, devices.RawEvent{Type: typ, Code: code, Value: value})
	return true
}

func (v *recordingVirtualDevice) Flush() bool { return true }
func (v *recordingVirtualDevice) Close()      {}

type fakeClient struct {
	queued    []Message
	actions   []int
	interrupt chan struct{}
	dead      bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{interrupt: make(chan struct{}, 1)}
}

func (c *fakeClient) Interrupt() <-chan struct{} { return c.interrupt }

func (c *fakeClient) Poll() (Message, bool, bool) {
	if c.dead {
		return Message{}, false, false
	}
	if len(c.queued) == 0 {
		return Message{}, false, true
	}
	msg := c.queued[0]
	c.queued = c.queued[1:]
	return msg, true, true
}

func (c *fakeClient) SendTriggeredAction(index int) bool {
	c.actions = append(c.actions, index)
	return true
}

func down(k keymap.Key) keymap.KeyEvent {
	return keymap.KeyEvent{Key: k, State: keymap.Down}
}

func up(k keymap.Key) keymap.KeyEvent {
	return keymap.KeyEvent{Key: k, State: keymap.Up}
}

func seq(events ...keymap.KeyEvent) keymap.KeySequence {
	return keymap.KeySequence(events)
}

func keyStep(delay time.Duration, k keymap.Key, state keymap.KeyState) deviceStep {
	value := int32(0)
	if state == keymap.Down {
		value = 1
	}
	return deviceStep{delay: delay, ev: &devices.RawEvent{
		Type:  devices.EvKey,
		Code:  uint16(k),
		Value: value,
	}}
}

func wakeStep(delay time.Duration) deviceStep {
	return deviceStep{delay: delay}
}

func singleContext(mappings ...keymap.Mapping) *keymap.Config {
	return &keymap.Config{
		Contexts: []keymap.Context{{Mappings: mappings, Active: true}},
	}
}

// newTestCore wires a core with a scripted device, a recording virtual
// device and a deterministic clock.
func newTestCore(cfg *keymap.Config, steps []deviceStep, debouncer *Debouncer) (*Core, *recordingVirtualDevice, *fakeClient, *fakeClock) {
	clock := newFakeClock()
	deviceSet := &scriptedDevices{clock: clock, steps: steps, names: []string{"Test Keyboard"}}
	virt := &recordingVirtualDevice{clock: clock}
	client := newFakeClient()
	st := stage.New(cfg)
	st.EvaluateDeviceFilters(deviceSet.DeviceNames())
	core := NewCore(st, deviceSet, virt, client, debouncer)
	core.now = clock.Now
	if debouncer != nil {
		debouncer.now = clock.Now
	}
	return core, virt, client, clock
}

func expectKeys(t *testing.T, got []sentEvent, want keymap.KeySequence) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sent %d events, want %d (%v)", len(got), len(want), got)
	}
	for i := range got {
		if got[i].ev.Key != want[i].Key || got[i].ev.State != want[i].State {
			t.Fatalf("event %d = %v, want %v", i, got[i].ev, want[i])
		}
	}
}

func TestCoreSimpleRemap(t *testing.T) {
	cfg := singleContext(
		keymap.Mapping{Input: seq(down(keymap.KeyA)), Output: seq(down(keymap.KeyB))},
	)
	core, virt, _, _ := newTestCore(cfg, []deviceStep{
		keyStep(0, keymap.KeyA, keymap.Down),
		keyStep(10*time.Millisecond, keymap.KeyA, keymap.Up),
	}, nil)

	if core.Run() {
		t.Fatal("Run reported exit")
	}
	expectKeys(t, virt.keys, seq(down(keymap.KeyB), up(keymap.KeyB)))
}

func TestCoreForwardsNonKeyEvents(t *testing.T) {
	cfg := singleContext()
	core, virt, _, _ := newTestCore(cfg, []deviceStep{
		{ev: &devices.RawEvent{Type: devices.EvRel, Code: 0, Value: -3}},
	}, nil)

	core.Run()
	if len(virt.raw) != 1 || virt.raw[0].Type != devices.EvRel || virt.raw[0].Value != -3 {
		t.Fatalf("relative event not forwarded verbatim: %v", virt.raw)
	}
}

func TestCoreTimeoutMapping(t *testing.T) {
	cfg := singleContext(
		keymap.Mapping{
			Input: seq(down(keymap.KeyA),
				keymap.KeyEvent{Key: keymap.KeyTimeout, State: keymap.Up, Timeout: 500 * time.Millisecond}),
			Output: seq(down(keymap.KeyX)),
		},
	)
	core, virt, _, _ := newTestCore(cfg, []deviceStep{
		keyStep(0, keymap.KeyA, keymap.Down),
		wakeStep(600 * time.Millisecond), // timer expiry wakeup
		keyStep(10*time.Millisecond, keymap.KeyA, keymap.Up),
	}, nil)

	core.Run()
	expectKeys(t, virt.keys, seq(down(keymap.KeyX), up(keymap.KeyX)))
}

func TestCoreTimeoutCancelledByInput(t *testing.T) {
	cfg := singleContext(
		keymap.Mapping{
			Input: seq(down(keymap.KeyA),
				keymap.KeyEvent{Key: keymap.KeyTimeout, State: keymap.Up, Timeout: 500 * time.Millisecond}),
			Output: seq(down(keymap.KeyX)),
		},
	)
	core, virt, _, _ := newTestCore(cfg, []deviceStep{
		keyStep(0, keymap.KeyA, keymap.Down),
		keyStep(100*time.Millisecond, keymap.KeyB, keymap.Down),
		keyStep(10*time.Millisecond, keymap.KeyB, keymap.Up),
		keyStep(10*time.Millisecond, keymap.KeyA, keymap.Up),
	}, nil)

	core.Run()
	expectKeys(t, virt.keys, seq(
		down(keymap.KeyA), down(keymap.KeyB),
		up(keymap.KeyB), up(keymap.KeyA)))
}

func TestCoreRepeatSuppressedWhileTimerPending(t *testing.T) {
	cfg := singleContext(
		keymap.Mapping{
			Input: seq(down(keymap.KeyA),
				keymap.KeyEvent{Key: keymap.KeyTimeout, State: keymap.Up, Timeout: 500 * time.Millisecond}),
			Output: seq(down(keymap.KeyX)),
		},
	)
	core, virt, _, _ := newTestCore(cfg, []deviceStep{
		keyStep(0, keymap.KeyA, keymap.Down),
		// auto repeat arrives while the input timeout is pending and
		// must not cancel it
		keyStep(30*time.Millisecond, keymap.KeyA, keymap.Down),
		keyStep(30*time.Millisecond, keymap.KeyA, keymap.Down),
		wakeStep(600 * time.Millisecond),
		keyStep(10*time.Millisecond, keymap.KeyA, keymap.Up),
	}, nil)

	core.Run()
	expectKeys(t, virt.keys, seq(down(keymap.KeyX), up(keymap.KeyX)))
}

func TestCoreActionDispatch(t *testing.T) {
	cfg := singleContext(
		keymap.Mapping{
			Input:  seq(down(keymap.KeyLeftCtrl), down(keymap.Key1)),
			Output: seq(down(keymap.ActionKey(0))),
		},
	)
	core, virt, client, _ := newTestCore(cfg, []deviceStep{
		keyStep(0, keymap.KeyLeftCtrl, keymap.Down),
		keyStep(5*time.Millisecond, keymap.Key1, keymap.Down),
		keyStep(5*time.Millisecond, keymap.Key1, keymap.Up),
		keyStep(5*time.Millisecond, keymap.KeyLeftCtrl, keymap.Up),
	}, nil)

	var observed []int
	core.OnAction(func(index int) { observed = append(observed, index) })

	core.Run()
	if len(client.actions) != 1 || client.actions[0] != 0 {
		t.Fatalf("client actions = %v, want [0]", client.actions)
	}
	if len(observed) != 1 || observed[0] != 0 {
		t.Fatalf("observer actions = %v, want [0]", observed)
	}
	expectKeys(t, virt.keys, nil)
}

func TestCoreVirtualKeyToggle(t *testing.T) {
	layer := keymap.VirtualKey(0)
	cfg := singleContext(
		keymap.Mapping{Input: seq(down(keymap.KeyCapsLock)), Output: seq(down(layer))},
		keymap.Mapping{Input: seq(down(layer), down(keymap.KeyJ)), Output: seq(down(keymap.KeyLeft))},
	)
	core, virt, _, _ := newTestCore(cfg, []deviceStep{
		keyStep(0, keymap.KeyCapsLock, keymap.Down),
		keyStep(5*time.Millisecond, keymap.KeyCapsLock, keymap.Up),
		keyStep(5*time.Millisecond, keymap.KeyJ, keymap.Down),
		keyStep(5*time.Millisecond, keymap.KeyJ, keymap.Up),
		keyStep(5*time.Millisecond, keymap.KeyCapsLock, keymap.Down),
		keyStep(5*time.Millisecond, keymap.KeyCapsLock, keymap.Up),
		keyStep(5*time.Millisecond, keymap.KeyJ, keymap.Down),
		keyStep(5*time.Millisecond, keymap.KeyJ, keymap.Up),
	}, nil)

	core.Run()
	expectKeys(t, virt.keys, seq(
		down(keymap.KeyLeft), up(keymap.KeyLeft),
		down(keymap.KeyJ), up(keymap.KeyJ)))

	if len(core.virtualKeysDown) != 0 {
		t.Errorf("virtual keys still latched: %v", core.virtualKeysDown)
	}
}

func TestCoreVirtualKeyLatchConsistency(t *testing.T) {
	layer := keymap.VirtualKey(0)
	cfg := singleContext(
		keymap.Mapping{Input: seq(down(keymap.KeyCapsLock)), Output: seq(down(layer))},
	)
	core, _, _, _ := newTestCore(cfg, []deviceStep{
		keyStep(0, keymap.KeyCapsLock, keymap.Down),
		keyStep(5*time.Millisecond, keymap.KeyCapsLock, keymap.Up),
	}, nil)

	core.Run()
	if !core.virtualKeysDown[layer] {
		t.Error("latch not set after an odd number of toggles")
	}
}

func TestCoreDebounce(t *testing.T) {
	cfg := singleContext()
	debouncer := NewDebouncer(20 * time.Millisecond)
	core, virt, _, _ := newTestCore(cfg, []deviceStep{
		keyStep(0, keymap.BtnLeft, keymap.Down),
		keyStep(2*time.Millisecond, keymap.BtnLeft, keymap.Up),
		// bounce: a second press 5ms after the first
		keyStep(3*time.Millisecond, keymap.BtnLeft, keymap.Down),
		keyStep(2*time.Millisecond, keymap.BtnLeft, keymap.Up),
		// flush timer wakeup, just past the scheduled time
		wakeStep(14 * time.Millisecond),
	}, debouncer)

	core.Run()

	var downs []sentEvent
	for _, sent := range virt.keys {
		if sent.ev.State == keymap.Down {
			downs = append(downs, sent)
		}
	}
	if len(downs) != 2 {
		t.Fatalf("sent %d downs, want 2: %v", len(downs), virt.keys)
	}
	if gap := downs[1].at.Sub(downs[0].at); gap < 20*time.Millisecond {
		t.Errorf("downs %v apart, want >= 20ms", gap)
	}
}

func TestCoreExitMapping(t *testing.T) {
	cfg := singleContext(
		keymap.Mapping{
			Input:  seq(down(keymap.KeyLeftCtrl), down(keymap.KeyEsc)),
			Output: seq(down(keymap.KeyExit)),
		},
	)
	core, _, _, _ := newTestCore(cfg, []deviceStep{
		keyStep(0, keymap.KeyLeftCtrl, keymap.Down),
		keyStep(5*time.Millisecond, keymap.KeyEsc, keymap.Down),
	}, nil)

	if !core.Run() {
		t.Fatal("Run did not report a graceful exit")
	}
}

func TestCoreReconfiguration(t *testing.T) {
	cfg := singleContext(
		keymap.Mapping{Input: seq(down(keymap.KeyA)), Output: seq(down(keymap.KeyB))},
	)
	next := singleContext(
		keymap.Mapping{Input: seq(down(keymap.KeyA)), Output: seq(down(keymap.KeyC))},
	)
	var client *fakeClient
	steps := []deviceStep{
		keyStep(0, keymap.KeyA, keymap.Down),
		keyStep(5*time.Millisecond, keymap.KeyA, keymap.Up),
		{delay: 5 * time.Millisecond, do: func() { // client interrupt
			client.queued = append(client.queued, Message{Type: MsgConfiguration, Config: next})
		}},
		keyStep(5*time.Millisecond, keymap.KeyA, keymap.Down),
		keyStep(5*time.Millisecond, keymap.KeyA, keymap.Up),
	}
	core, virt, client, _ := newTestCore(cfg, steps, nil)

	core.Run()
	expectKeys(t, virt.keys, seq(
		down(keymap.KeyB), up(keymap.KeyB),
		down(keymap.KeyC), up(keymap.KeyC)))
}

func TestCoreMouseMappingChangeEndsSession(t *testing.T) {
	cfg := singleContext(
		keymap.Mapping{Input: seq(down(keymap.KeyA)), Output: seq(down(keymap.KeyB))},
	)
	withMouse := singleContext(
		keymap.Mapping{Input: seq(down(keymap.BtnSide)), Output: seq(down(keymap.BtnLeft))},
	)
	core, _, client, _ := newTestCore(cfg, []deviceStep{
		wakeStep(0),
		keyStep(5*time.Millisecond, keymap.KeyA, keymap.Down), // never reached
	}, nil)
	client.queued = append(client.queued, Message{Type: MsgConfiguration, Config: withMouse})

	if core.Run() {
		t.Fatal("mouse mapping change must end the session, not exit")
	}
	if core.stage != nil {
		t.Error("stage should be dropped to force a re-grab")
	}
}

func TestCoreActiveContextsMessage(t *testing.T) {
	cfg := &keymap.Config{Contexts: []keymap.Context{
		{
			Active: true,
			Mappings: []keymap.Mapping{
				{Input: seq(down(keymap.KeyA)), Output: seq(down(keymap.KeyB))},
			},
		},
		{
			Active: true,
			Mappings: []keymap.Mapping{
				{Input: seq(down(keymap.KeyA)), Output: seq(down(keymap.KeyC))},
			},
		},
	}}
	core, virt, client, _ := newTestCore(cfg, []deviceStep{
		wakeStep(0),
		keyStep(5*time.Millisecond, keymap.KeyA, keymap.Down),
		keyStep(5*time.Millisecond, keymap.KeyA, keymap.Up),
	}, nil)
	client.queued = append(client.queued, Message{Type: MsgActiveContexts, Contexts: []int{0}})

	core.Run()
	expectKeys(t, virt.keys, seq(down(keymap.KeyB), up(keymap.KeyB)))
}

func TestCoreSendFailureEndsSession(t *testing.T) {
	cfg := singleContext(
		keymap.Mapping{Input: seq(down(keymap.KeyA)), Output: seq(down(keymap.KeyB))},
	)
	core, virt, _, _ := newTestCore(cfg, []deviceStep{
		keyStep(0, keymap.KeyA, keymap.Down),
		keyStep(5*time.Millisecond, keymap.KeyA, keymap.Up),
	}, nil)
	virt.failSend = true

	if core.Run() {
		t.Fatal("send failure must not report a graceful exit")
	}
}
