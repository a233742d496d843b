package server

import (
	"github.com/dooshek/keymapd/internal/devices"
	"github.com/dooshek/keymapd/internal/logger"
	"github.com/dooshek/keymapd/internal/stage"
)

// Daemon runs the outer connection loop: it serves one configuration
// client at a time and recycles the device grab and the virtual device
// around each session.
type Daemon struct {
	VirtualDeviceName string
	Client            *ClientPort
	NewDeviceSet      func() devices.DeviceSet
	NewVirtualDevice  func() devices.VirtualDevice
	Debouncer         *Debouncer
	OnAction          func(index int)

	// OnSession reports session state changes to an optional observer,
	// e.g. the D-Bus status service.
	OnSession func(connected bool, deviceNames []string)
}

func (d *Daemon) notifySession(connected bool, deviceNames []string) {
	if d.OnSession != nil {
		d.OnSession(connected, deviceNames)
	}
}

// Run accepts clients until an exit mapping fires. The returned value
// is the process exit code: 0 for a graceful exit, 1 when acquiring the
// virtual device or the grab fails.
func (d *Daemon) Run() int {
	for {
		logger.Info("Waiting for configuration client to connect")
		if !d.Client.Accept() {
			continue
		}

		st := d.readInitialConfig()
		if st != nil {
			code, done := d.runSession(st)
			if done {
				return code
			}
		}
		d.Client.Disconnect()
		logger.Debug("---------------")
	}
}

// readInitialConfig waits for the first message of a fresh connection,
// which must be a configuration.
func (d *Daemon) readInitialConfig() *stage.Stage {
	msg, ok := d.Client.Next()
	if !ok {
		logger.Error("Receiving configuration failed", nil)
		return nil
	}
	if msg.Type != MsgConfiguration {
		logger.Error("Client did not start with a configuration", nil)
		return nil
	}
	return stage.New(msg.Config)
}

// runSession owns devices for the lifetime of one client session. done
// is true when the process should exit with code.
func (d *Daemon) runSession(st *stage.Stage) (code int, done bool) {
	logger.Infof("Creating virtual device %q", d.VirtualDeviceName)
	virt := d.NewVirtualDevice()
	if !virt.Create(d.VirtualDeviceName) {
		logger.Error("Creating virtual device failed", nil)
		return 1, true
	}

	deviceSet := d.NewDeviceSet()
	if !deviceSet.Grab(d.VirtualDeviceName, st.HasMouseMappings()) {
		logger.Error("Initializing input device grabbing failed", nil)
		virt.Close()
		return 1, true
	}
	defer func() {
		d.notifySession(false, nil)
		deviceSet.Close()
		virt.Close()
	}()

	st.EvaluateDeviceFilters(deviceSet.DeviceNames())
	d.notifySession(true, deviceSet.DeviceNames())

	core := NewCore(st, deviceSet, virt, d.Client, d.Debouncer)
	core.OnAction(d.OnAction)

	logger.Debug("Entering update loop")
	if core.Run() {
		logger.Info("Exiting")
		return 0, true
	}
	return 0, false
}

// GrabAndExit performs the one-shot permission bootstrap: a single grab
// attempt whose outcome is the exit code.
func GrabAndExit(deviceSet devices.DeviceSet, virtualDeviceName string) int {
	defer deviceSet.Close()
	if deviceSet.Grab(virtualDeviceName, false) {
		return 0
	}
	return 1
}
