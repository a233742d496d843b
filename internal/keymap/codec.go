package keymap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Compiled configurations travel from the configuration client to the
// daemon as an opaque blob. The encoding is little-endian, prefixed
// with a magic and a format version so incompatible clients are
// rejected before anything is interpreted.

var configMagic = [4]byte{'K', 'M', 'C', 'F'}

const configVersion byte = 1

var (
	ErrBadMagic    = errors.New("keymap: not a compiled configuration")
	ErrBadVersion  = errors.New("keymap: unsupported configuration version")
	errTruncated   = errors.New("keymap: truncated configuration")
	errBadSequence = errors.New("keymap: malformed key sequence")
)

// MarshalConfig encodes a compiled configuration.
func MarshalConfig(c *Config) []byte {
	var b bytes.Buffer
	b.Write(configMagic[:])
	b.WriteByte(configVersion)

	writeUint16(&b, uint16(len(c.Contexts)))
	for ci := range c.Contexts {
		ctx := &c.Contexts[ci]
		writeString(&b, ctx.Filter.DeviceName)
		if ctx.Active {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
		writeUint16(&b, uint16(len(ctx.Mappings)))
		for mi := range ctx.Mappings {
			m := &ctx.Mappings[mi]
			writeString(&b, m.Name)
			writeSequence(&b, m.Input)
			writeSequence(&b, m.Output)
		}
		writeUint16(&b, uint16(len(ctx.CommandOverrides)))
		for name, seq := range ctx.CommandOverrides {
			writeString(&b, name)
			writeSequence(&b, seq)
		}
	}

	writeUint16(&b, uint16(len(c.VirtualKeyNames)))
	for name, key := range c.VirtualKeyNames {
		writeString(&b, name)
		writeUint16(&b, uint16(key))
	}
	return b.Bytes()
}

// UnmarshalConfig decodes a compiled configuration blob.
func UnmarshalConfig(data []byte) (*Config, error) {
	r := bytes.NewReader(data)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, ErrBadMagic
	}
	if magic != configMagic {
		return nil, ErrBadMagic
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, errTruncated
	}
	if version != configVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	contextCount, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	cfg := &Config{Contexts: make([]Context, contextCount)}
	for ci := range cfg.Contexts {
		ctx := &cfg.Contexts[ci]
		if ctx.Filter.DeviceName, err = readString(r); err != nil {
			return nil, err
		}
		active, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		ctx.Active = active != 0

		mappingCount, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		ctx.Mappings = make([]Mapping, mappingCount)
		for mi := range ctx.Mappings {
			m := &ctx.Mappings[mi]
			if m.Name, err = readString(r); err != nil {
				return nil, err
			}
			if m.Input, err = readSequence(r); err != nil {
				return nil, err
			}
			if m.Output, err = readSequence(r); err != nil {
				return nil, err
			}
		}

		overrideCount, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		if overrideCount > 0 {
			ctx.CommandOverrides = make(map[string]KeySequence, overrideCount)
		}
		for i := 0; i < int(overrideCount); i++ {
			name, err := readString(r)
			if err != nil {
				return nil, err
			}
			seq, err := readSequence(r)
			if err != nil {
				return nil, err
			}
			ctx.CommandOverrides[name] = seq
		}
	}

	aliasCount, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if aliasCount > 0 {
		cfg.VirtualKeyNames = make(map[string]Key, aliasCount)
	}
	for i := 0; i < int(aliasCount); i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		key, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		cfg.VirtualKeyNames[name] = Key(key)
	}
	return cfg, nil
}

func writeSequence(b *bytes.Buffer, seq KeySequence) {
	writeUint16(b, uint16(len(seq)))
	for _, ev := range seq {
		writeUint16(b, uint16(ev.Key))
		b.WriteByte(byte(ev.State))
		var ms [4]byte
		binary.LittleEndian.PutUint32(ms[:], uint32(ev.Timeout/time.Millisecond))
		b.Write(ms[:])
	}
}

func readSequence(r *bytes.Reader) (KeySequence, error) {
	count, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if int(count) > r.Len() {
		return nil, errBadSequence
	}
	seq := make(KeySequence, count)
	for i := range seq {
		key, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		state, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		if KeyState(state) > Not {
			return nil, errBadSequence
		}
		var ms [4]byte
		if _, err := io.ReadFull(r, ms[:]); err != nil {
			return nil, errTruncated
		}
		seq[i] = KeyEvent{
			Key:     Key(key),
			State:   KeyState(state),
			Timeout: time.Duration(binary.LittleEndian.Uint32(ms[:])) * time.Millisecond,
		}
	}
	return seq, nil
}

func writeUint16(b *bytes.Buffer, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	b.Write(buf[:])
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errTruncated
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func writeString(b *bytes.Buffer, s string) {
	writeUint16(b, uint16(len(s)))
	b.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", errTruncated
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errTruncated
	}
	return string(buf), nil
}
