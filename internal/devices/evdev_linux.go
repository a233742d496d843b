//go:build linux

package devices

import (
	"bytes"
	"encoding/binary"
	"os"
	"strings"
	"time"
	"unsafe"

	"github.com/MarinX/keylogger"
	"golang.org/x/sys/unix"

	"github.com/dooshek/keymapd/internal/logger"
)

const (
	eviocgrab  = 0x40044590 // EVIOCGRAB
	eviocgname = 0x81004506 // EVIOCGNAME(256)

	inputEventSize = 24 // struct input_event on 64-bit
)

type grabbedDevice struct {
	file *os.File
	name string
}

// EvdevDeviceSet grabs /dev/input event devices exclusively and
// multiplexes their events into a single channel. One goroutine per
// device feeds the channel; ReadInput is the only consumer.
type EvdevDeviceSet struct {
	devices []grabbedDevice
	events  chan RawEvent
	errs    chan error
	done    chan struct{}
	grabbed bool
	timer   *time.Timer
}

func NewEvdevDeviceSet() *EvdevDeviceSet {
	return &EvdevDeviceSet{
		events: make(chan RawEvent, 64),
		errs:   make(chan error, 8),
		done:   make(chan struct{}),
	}
}

func (d *EvdevDeviceSet) Grab(virtualDeviceName string, includePointer bool) bool {
	if d.grabbed {
		return true
	}
	paths := keylogger.FindAllKeyboardDevices()
	if includePointer {
		paths = append(paths, findPointerDevices()...)
	}
	seen := make(map[string]bool)
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true

		file, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			logger.Warnf("Cannot open %s: %v", path, err)
			continue
		}
		name := deviceName(file)
		if name == virtualDeviceName {
			file.Close()
			continue
		}
		if err := unix.IoctlSetInt(int(file.Fd()), eviocgrab, 1); err != nil {
			logger.Warnf("Cannot grab %s (%s): %v", path, name, err)
			file.Close()
			continue
		}
		logger.Debugf("Grabbed %s (%s)", path, name)
		index := len(d.devices)
		d.devices = append(d.devices, grabbedDevice{file: file, name: name})
		go d.readDevice(index, file)
	}
	d.grabbed = true
	return len(d.devices) > 0
}

func (d *EvdevDeviceSet) readDevice(index int, file *os.File) {
	buf := make([]byte, inputEventSize*64)
	for {
		n, err := file.Read(buf)
		if err != nil {
			select {
			case d.errs <- err:
			case <-d.done:
			}
			return
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			ev := RawEvent{
				DeviceIndex: index,
				Type:        binary.LittleEndian.Uint16(buf[off+16:]),
				Code:        binary.LittleEndian.Uint16(buf[off+18:]),
				Value:       int32(binary.LittleEndian.Uint32(buf[off+20:])),
			}
			select {
			case d.events <- ev:
			case <-d.done:
				return
			}
		}
	}
}

func (d *EvdevDeviceSet) ReadInput(timeout time.Duration, interrupt <-chan struct{}) (bool, *RawEvent) {
	var deadline <-chan time.Time
	if timeout >= 0 {
		if d.timer == nil {
			d.timer = time.NewTimer(timeout)
		} else {
			if !d.timer.Stop() {
				select {
				case <-d.timer.C:
				default:
				}
			}
			d.timer.Reset(timeout)
		}
		deadline = d.timer.C
	}

	select {
	case ev := <-d.events:
		return true, &ev
	case <-deadline:
		return true, nil
	case <-interrupt:
		return true, nil
	case err := <-d.errs:
		logger.Error("Device read failed", err)
		return false, nil
	}
}

func (d *EvdevDeviceSet) DeviceNames() []string {
	names := make([]string, len(d.devices))
	for i, dev := range d.devices {
		names[i] = dev.name
	}
	return names
}

func (d *EvdevDeviceSet) Close() {
	close(d.done)
	for _, dev := range d.devices {
		unix.IoctlSetInt(int(dev.file.Fd()), eviocgrab, 0)
		dev.file.Close()
	}
	d.devices = nil
	d.grabbed = false
}

func deviceName(file *os.File) string {
	buf := make([]byte, 256)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), uintptr(eviocgname), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return file.Name()
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}

// DeviceInfo describes one grabbable device for listings.
type DeviceInfo struct {
	Path    string
	Name    string
	Pointer bool
}

// ListAvailable enumerates the devices a grab would capture, without
// grabbing them.
func ListAvailable() []DeviceInfo {
	var infos []DeviceInfo
	seen := make(map[string]bool)
	add := func(paths []string, pointer bool) {
		for _, path := range paths {
			if seen[path] {
				continue
			}
			seen[path] = true
			file, err := os.Open(path)
			if err != nil {
				continue
			}
			infos = append(infos, DeviceInfo{Path: path, Name: deviceName(file), Pointer: pointer})
			file.Close()
		}
	}
	add(keylogger.FindAllKeyboardDevices(), false)
	add(findPointerDevices(), true)
	return infos
}

// findPointerDevices scans /proc/bus/input/devices the same way the
// keyboard discovery does, selecting handlers with a mouse node.
func findPointerDevices() []string {
	data, err := os.ReadFile("/proc/bus/input/devices")
	if err != nil {
		logger.Warnf("Cannot read input device list: %v", err)
		return nil
	}
	var paths []string
	for _, block := range strings.Split(string(data), "\n\n") {
		if !strings.Contains(block, "mouse") {
			continue
		}
		for _, line := range strings.Split(block, "\n") {
			if !strings.HasPrefix(line, "H: Handlers=") {
				continue
			}
			for _, handler := range strings.Fields(line[len("H: Handlers="):]) {
				if strings.HasPrefix(handler, "event") {
					paths = append(paths, "/dev/input/"+handler)
				}
			}
		}
	}
	return paths
}
