package server

import (
	"time"

	"github.com/dooshek/keymapd/internal/devices"
	"github.com/dooshek/keymapd/internal/keymap"
	"github.com/dooshek/keymapd/internal/logger"
	"github.com/dooshek/keymapd/internal/stage"
)

// clientLink is the part of the client port the event loop needs.
type clientLink interface {
	Interrupt() <-chan struct{}
	Poll() (msg Message, received, alive bool)
	SendTriggeredAction(index int) bool
}

// Core owns one remapping session: the stage, the send buffer, the
// flush and input timers and the virtual key latches. It is strictly
// single threaded; the device read is the only suspension point.
type Core struct {
	stage     *stage.Stage
	devices   devices.DeviceSet
	virt      devices.VirtualDevice
	client    clientLink
	debouncer *Debouncer

	sendBuffer      keymap.KeySequence
	virtualKeysDown map[keymap.Key]bool

	flushScheduledAt  *time.Time
	inputTimeoutStart *time.Time
	inputTimeout      time.Duration

	lastKeyEvent    keymap.KeyEvent
	lastDeviceIndex int

	// queue holds inputs produced while one is being translated, so
	// virtual key feedback drains iteratively instead of recursing.
	queue    []pendingInput
	draining bool

	// onAction mirrors triggered actions to an optional observer.
	onAction func(index int)

	now func() time.Time
}

type pendingInput struct {
	event       keymap.KeyEvent
	deviceIndex int
}

func NewCore(st *stage.Stage, deviceSet devices.DeviceSet, virt devices.VirtualDevice, client clientLink, debouncer *Debouncer) *Core {
	return &Core{
		stage:           st,
		devices:         deviceSet,
		virt:            virt,
		client:          client,
		debouncer:       debouncer,
		virtualKeysDown: make(map[keymap.Key]bool),
		lastDeviceIndex: keymap.NoDeviceIndex,
		now:             time.Now,
	}
}

// OnAction registers an observer for triggered actions, in addition to
// the client message.
func (c *Core) OnAction(fn func(index int)) {
	c.onAction = fn
}

// Run drives the session until the client goes away, a device fails or
// an exit mapping fires. exit is true only for the latter.
func (c *Core) Run() (exit bool) {
	for {
		now := c.now()
		timeout := time.Duration(-1)
		setTimeout := func(d time.Duration) {
			if d < 0 {
				d = 0
			}
			if timeout < 0 || d < timeout {
				timeout = d
			}
		}
		if c.flushScheduledAt != nil {
			setTimeout(c.flushScheduledAt.Sub(now))
		}
		if c.inputTimeoutStart != nil {
			setTimeout(c.inputTimeoutStart.Add(c.inputTimeout).Sub(now))
		}

		// While a remapped key is held down on the output side a
		// configuration swap could strand it; the client has to wait.
		var interrupt <-chan struct{}
		if !c.stage.IsOutputDown() {
			interrupt = c.client.Interrupt()
		}

		ok, input := c.devices.ReadInput(timeout, interrupt)
		if !ok {
			logger.Error("Reading input event failed", nil)
			return false
		}

		now = c.now()

		if input != nil {
			if event, isKey := input.KeyEvent(); isKey {
				c.translateInput(event, input.DeviceIndex)
			} else {
				// forward other events
				c.virt.SendEvent(input.Type, input.Code, input.Value)
				continue
			}
		}

		if c.inputTimeoutStart != nil && !now.Before(c.inputTimeoutStart.Add(c.inputTimeout)) {
			c.inputTimeoutStart = nil
			c.translateInput(keymap.InputTimeoutEvent(c.inputTimeout), c.lastDeviceIndex)
		}

		if c.flushScheduledAt == nil || now.After(*c.flushScheduledAt) {
			c.flushScheduledAt = nil
			if !c.flushSendBuffer() {
				logger.Error("Sending output failed", nil)
				return false
			}
		}

		if interrupt != nil {
			if !c.readClientMessages() || c.stage == nil {
				logger.Debug("Connection to configuration client reset")
				return false
			}
		}

		if c.stage.ShouldExit() {
			logger.Debug("Exit sequence matched")
			return true
		}
	}
}

// translateInput feeds one input event through the stage. Virtual key
// feedback produced while another event is in flight queues behind it
// and drains in order. A timeout cancellation does not queue: translateOne
// hands it to the stage directly, ahead of the event that cut the wait
// short.
func (c *Core) translateInput(event keymap.KeyEvent, deviceIndex int) {
	c.queue = append(c.queue, pendingInput{event: event, deviceIndex: deviceIndex})
	if c.draining {
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.translateOne(next)
	}
	c.draining = false
}

func (c *Core) translateOne(in pendingInput) {
	// ignore key repeat while a flush or a timeout is pending
	if in.event == c.lastKeyEvent &&
		(c.flushScheduledAt != nil || c.inputTimeoutStart != nil) {
		return
	}

	// a pending wait is cut short by new input; tell the stage how
	// much of it elapsed before handing over the event itself
	if c.inputTimeoutStart != nil {
		elapsed := c.now().Sub(*c.inputTimeoutStart)
		c.inputTimeoutStart = nil
		c.translateOne(pendingInput{
			event:       keymap.InputTimeoutEvent(elapsed),
			deviceIndex: in.deviceIndex,
		})
	}

	c.lastKeyEvent = in.event
	c.lastDeviceIndex = in.deviceIndex

	output := c.stage.Update(in.event, in.deviceIndex)

	logger.Debugf("Translated %s (device %d) -> %v", in.event, in.deviceIndex, output)

	if n := len(output); n > 0 && output[n-1].IsInputTimeout() {
		start := c.now()
		c.inputTimeoutStart = &start
		c.inputTimeout = output[n-1].Timeout
		output = output[:n-1]
	}

	c.sendBuffer = append(c.sendBuffer, output...)
	c.stage.ReuseBuffer(output)
}

// flushSendBuffer drains the send buffer into the virtual device.
// Action keys dispatch to the client, virtual keys toggle the latch and
// feed the new state back through the stage before the walk continues,
// a timeout entry reschedules the rest of the buffer.
func (c *Core) flushSendBuffer() bool {
	i := 0
	for i < len(c.sendBuffer) {
		event := c.sendBuffer[i]
		isLast := i == len(c.sendBuffer)-1

		if event.Key.IsAction() {
			if event.State == keymap.Down {
				index := keymap.ActionIndex(event.Key)
				if !c.client.SendTriggeredAction(index) {
					logger.Warnf("Reporting action %d failed", index)
				}
				if c.onAction != nil {
					c.onAction(index)
				}
			}
			i++
			continue
		}

		if event.Key.IsVirtual() {
			if event.State == keymap.Down {
				c.toggleVirtualKey(event.Key)
			}
			i++
			continue
		}

		if event.Key == keymap.KeyTimeout {
			c.scheduleFlush(event.Timeout)
			i++
			break
		}

		if c.debouncer != nil && event.State == keymap.Down {
			if delay := c.debouncer.OnKeyDown(event.Key, !isLast); delay > 0 {
				c.scheduleFlush(delay)
				break
			}
		}

		if !c.virt.SendKeyEvent(event) {
			return false
		}
		i++
	}
	c.sendBuffer = c.sendBuffer[:copy(c.sendBuffer, c.sendBuffer[i:])]

	return c.virt.Flush()
}

func (c *Core) toggleVirtualKey(key keymap.Key) {
	if c.virtualKeysDown[key] {
		delete(c.virtualKeysDown, key)
		c.translateInput(keymap.KeyEvent{Key: key, State: keymap.Up}, keymap.NoDeviceIndex)
	} else {
		c.virtualKeysDown[key] = true
		c.translateInput(keymap.KeyEvent{Key: key, State: keymap.Down}, keymap.NoDeviceIndex)
	}
}

// scheduleFlush arms the flush timer; an armed timer is never moved.
func (c *Core) scheduleFlush(delay time.Duration) {
	if c.flushScheduledAt != nil {
		return
	}
	at := c.now().Add(delay)
	c.flushScheduledAt = &at
}

// readClientMessages drains queued client messages. A configuration
// whose mouse usage differs from the running one drops the stage, which
// makes the session recycle and re-grab devices.
func (c *Core) readClientMessages() bool {
	for {
		msg, received, alive := c.client.Poll()
		if !alive {
			return false
		}
		if !received {
			return true
		}
		switch msg.Type {
		case MsgConfiguration:
			next := stage.New(msg.Config)
			logger.Debug("Received configuration")
			if c.stage != nil && c.stage.HasMouseMappings() != next.HasMouseMappings() {
				logger.Debug("Mouse usage in configuration changed")
				c.stage = nil
				return true
			}
			c.stage = next
			c.stage.EvaluateDeviceFilters(c.devices.DeviceNames())

		case MsgActiveContexts:
			logger.Debugf("Received contexts (%d)", len(msg.Contexts))
			if c.stage != nil {
				c.stage.SetActiveContexts(msg.Contexts)
			}
		}
	}
}
