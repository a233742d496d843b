package server

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"

	"github.com/dooshek/keymapd/internal/keymap"
	"github.com/dooshek/keymapd/internal/logger"
)

// MessageType is the leading byte of every frame on the client socket.
type MessageType byte

const (
	MsgConfiguration   MessageType = 0x01
	MsgActiveContexts  MessageType = 0x02
	MsgTriggeredAction MessageType = 0x81
)

// maxFrameSize bounds a single frame; a compiled configuration is far
// below this.
const maxFrameSize = 1 << 24

// Message is one decoded inbound frame.
type Message struct {
	Type     MessageType
	Config   *keymap.Config
	Contexts []int
}

var errFrameTooLarge = errors.New("server: frame exceeds maximum size")

// ClientPort is the framed unix-socket channel to the configuration
// client. One client is served at a time. A reader goroutine decodes
// frames into a channel; closing that channel signals the session is
// over, which the event loop treats like any transport error.
type ClientPort struct {
	socketPath string
	listener   net.Listener
	conn       net.Conn
	messages   chan Message
	interrupt  chan struct{}
}

func NewClientPort(socketPath string) *ClientPort {
	return &ClientPort{socketPath: socketPath}
}

// Initialize binds the listening socket. Failure here is a startup
// error, not a session error.
func (p *ClientPort) Initialize() error {
	// A stale socket from a previous run would fail the bind.
	if _, err := os.Stat(p.socketPath); err == nil {
		os.Remove(p.socketPath)
	}
	listener, err := net.Listen("unix", p.socketPath)
	if err != nil {
		return err
	}
	p.listener = listener
	return nil
}

// Accept blocks for the next client connection.
func (p *ClientPort) Accept() bool {
	conn, err := p.listener.Accept()
	if err != nil {
		logger.Error("Accepting client connection failed", err)
		return false
	}
	p.conn = conn
	p.messages = make(chan Message, 16)
	p.interrupt = make(chan struct{}, 1)
	go p.readFrames(conn, p.messages, p.interrupt)
	return true
}

func (p *ClientPort) readFrames(conn net.Conn, messages chan Message, interrupt chan struct{}) {
	defer close(messages)
	var header [4]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		size := binary.LittleEndian.Uint32(header[:])
		if size == 0 || size > maxFrameSize {
			logger.Error("Client frame rejected", errFrameTooLarge)
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		msg, err := decodeMessage(payload)
		if err != nil {
			logger.Error("Malformed client message", err)
			return
		}
		messages <- msg
		select {
		case interrupt <- struct{}{}:
		default:
		}
	}
}

func decodeMessage(payload []byte) (Message, error) {
	switch MessageType(payload[0]) {
	case MsgConfiguration:
		cfg, err := keymap.UnmarshalConfig(payload[1:])
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MsgConfiguration, Config: cfg}, nil

	case MsgActiveContexts:
		body := payload[1:]
		if len(body) < 4 {
			return Message{}, errors.New("server: truncated context list")
		}
		count := binary.LittleEndian.Uint32(body)
		if uint32(len(body)) != 4+count*4 {
			return Message{}, errors.New("server: malformed context list")
		}
		contexts := make([]int, count)
		for i := range contexts {
			contexts[i] = int(binary.LittleEndian.Uint32(body[4+i*4:]))
		}
		return Message{Type: MsgActiveContexts, Contexts: contexts}, nil

	default:
		return Message{}, errors.New("server: unknown message type")
	}
}

// Interrupt returns a channel that becomes readable when a client
// message is queued; the device read uses it to wake the loop.
func (p *ClientPort) Interrupt() <-chan struct{} {
	return p.interrupt
}

// Poll returns the next queued message without blocking. alive turns
// false once the session is over.
func (p *ClientPort) Poll() (msg Message, received, alive bool) {
	select {
	case msg, ok := <-p.messages:
		if !ok {
			return Message{}, false, false
		}
		return msg, true, true
	default:
		return Message{}, false, true
	}
}

// Next blocks for the next message; used for the initial configuration
// after accept.
func (p *ClientPort) Next() (Message, bool) {
	msg, ok := <-p.messages
	return msg, ok
}

// SendTriggeredAction reports a fired action mapping to the client.
func (p *ClientPort) SendTriggeredAction(index int) bool {
	if p.conn == nil {
		return false
	}
	var frame [9]byte
	binary.LittleEndian.PutUint32(frame[0:], 5)
	frame[4] = byte(MsgTriggeredAction)
	binary.LittleEndian.PutUint32(frame[5:], uint32(index))
	_, err := p.conn.Write(frame[:])
	return err == nil
}

// Disconnect ends the current session and returns to listening.
func (p *ClientPort) Disconnect() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close tears the port down completely.
func (p *ClientPort) Close() {
	p.Disconnect()
	if p.listener != nil {
		p.listener.Close()
	}
	os.Remove(p.socketPath)
}
