package dbus

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/dooshek/keymapd/internal/logger"
)

const (
	dbusServiceName = "com.dooshek.keymapd"
	dbusObjectPath  = "/com/dooshek/keymapd/Daemon"
	dbusInterface   = "com.dooshek.keymapd.Daemon"
)

// Server exposes daemon status on the session bus and mirrors
// triggered actions as signals, so desktop tooling can observe the
// daemon without speaking the client protocol.
type Server struct {
	conn *dbus.Conn
	mu   sync.Mutex

	connected bool
	devices   []string
}

func NewServer() *Server {
	return &Server{}
}

// Start connects to the session bus and exports the daemon object.
func (s *Server) Start() error {
	var err error
	s.conn, err = dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}

	reply, err := s.conn.RequestName(dbusServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		s.conn.Close()
		return fmt.Errorf("name already taken")
	}

	if err := s.conn.Export(s, dbusObjectPath, dbusInterface); err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to export object: %w", err)
	}

	node := &introspect.Node{
		Name: dbusObjectPath,
		Interfaces: []introspect.Interface{{
			Name: dbusInterface,
			Methods: []introspect.Method{
				{
					Name: "GetStatus",
					Args: []introspect.Arg{
						{Name: "client_connected", Type: "b", Direction: "out"},
					},
				},
				{
					Name: "ListDevices",
					Args: []introspect.Arg{
						{Name: "devices", Type: "as", Direction: "out"},
					},
				},
			},
			Signals: []introspect.Signal{
				{
					Name: "ActionTriggered",
					Args: []introspect.Arg{
						{Name: "index", Type: "u"},
					},
				},
			},
		}},
	}
	if err := s.conn.Export(introspect.NewIntrospectable(node), dbusObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to export introspectable: %w", err)
	}

	logger.Infof("D-Bus service started: %s", dbusServiceName)
	return nil
}

// Stop releases the bus connection.
func (s *Server) Stop() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// SetSession updates the state reported by GetStatus and ListDevices.
func (s *Server) SetSession(connected bool, devices []string) {
	s.mu.Lock()
	s.connected = connected
	s.devices = devices
	s.mu.Unlock()
}

// GetStatus reports whether a configuration client is connected
// (D-Bus method).
func (s *Server) GetStatus() (bool, *dbus.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected, nil
}

// ListDevices lists the currently grabbed devices (D-Bus method).
func (s *Server) ListDevices() ([]string, *dbus.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.devices...), nil
}

// ActionTriggered emits the signal mirroring an outbound triggered
// action message.
func (s *Server) ActionTriggered(index int) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Emit(dbus.ObjectPath(dbusObjectPath), dbusInterface+".ActionTriggered", uint32(index)); err != nil {
		logger.Errorf("D-Bus: failed to emit ActionTriggered: %v", nil, err)
	}
}
