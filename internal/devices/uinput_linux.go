//go:build linux

package devices

import (
	"encoding/binary"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dooshek/keymapd/internal/keymap"
	"github.com/dooshek/keymapd/internal/logger"
)

const (
	uiSetEvBit   = 0x40045564 // UI_SET_EVBIT
	uiSetKeyBit  = 0x40045565 // UI_SET_KEYBIT
	uiSetRelBit  = 0x40045566 // UI_SET_RELBIT
	uiDevSetup   = 0x405c5503 // UI_DEV_SETUP
	uiDevCreate  = 0x00005501 // UI_DEV_CREATE
	uiDevDestroy = 0x00005502 // UI_DEV_DESTROY

	busVirtual = 0x06

	maxKeyCode = 0x2ff
	maxRelCode = 0x0f
)

// uinputSetup mirrors struct uinput_setup.
type uinputSetup struct {
	id struct {
		bustype uint16
		vendor  uint16
		product uint16
		version uint16
	}
	name         [80]byte
	ffEffectsMax uint32
}

// UinputDevice is the synthetic device remapped events are written to.
// Events accumulate in the kernel until Flush emits a SYN_REPORT.
type UinputDevice struct {
	file *os.File
}

func NewUinputDevice() *UinputDevice {
	return &UinputDevice{}
}

func (u *UinputDevice) Create(name string) bool {
	file, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		logger.Error("Cannot open /dev/uinput", err)
		return false
	}
	fd := int(file.Fd())

	ok := unix.IoctlSetInt(fd, uiSetEvBit, int(EvSyn)) == nil &&
		unix.IoctlSetInt(fd, uiSetEvBit, int(EvKey)) == nil &&
		unix.IoctlSetInt(fd, uiSetEvBit, int(EvRel)) == nil
	for code := 1; ok && code <= maxKeyCode; code++ {
		ok = unix.IoctlSetInt(fd, uiSetKeyBit, code) == nil
	}
	for code := 0; ok && code <= maxRelCode; code++ {
		ok = unix.IoctlSetInt(fd, uiSetRelBit, code) == nil
	}
	if !ok {
		logger.Errorf("Configuring uinput capabilities failed", nil)
		file.Close()
		return false
	}

	var setup uinputSetup
	setup.id.bustype = busVirtual
	copy(setup.name[:], name)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uiDevSetup, uintptr(unsafe.Pointer(&setup))); errno != 0 {
		logger.Errorf("uinput device setup failed: %v", nil, errno)
		file.Close()
		return false
	}
	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		logger.Error("Creating uinput device failed", err)
		file.Close()
		return false
	}
	u.file = file
	return true
}

func (u *UinputDevice) SendKeyEvent(ev keymap.KeyEvent) bool {
	value := int32(0)
	if ev.State == keymap.Down {
		value = 1
	}
	return u.SendEvent(EvKey, uint16(ev.Key), value)
}

func (u *UinputDevice) SendEvent(typ, code uint16, value int32) bool {
	if u.file == nil {
		return false
	}
	var buf [inputEventSize]byte
	binary.LittleEndian.PutUint16(buf[16:], typ)
	binary.LittleEndian.PutUint16(buf[18:], code)
	binary.LittleEndian.PutUint32(buf[20:], uint32(value))
	_, err := u.file.Write(buf[:])
	return err == nil
}

func (u *UinputDevice) Flush() bool {
	return u.SendEvent(EvSyn, SynReport, 0)
}

func (u *UinputDevice) Close() {
	if u.file == nil {
		return
	}
	unix.IoctlSetInt(int(u.file.Fd()), uiDevDestroy, 0)
	u.file.Close()
	u.file = nil
}
