package port

import (
	"encoding/binary"

	"github.com/wippyai/hdlsim"
	"github.com/wippyai/hdlsim/errors"
)

// Load reads the port's storage at base+d.Offset. Bits above the port width
// are discarded.
func Load(mem hdlsim.Memory, base uint32, d Descriptor) (Value, error) {
	addr := base + d.Offset
	width := d.Width()

	var raw uint64
	var err error
	switch StorageSize(width) {
	case 1:
		var b uint8
		b, err = mem.ReadU8(addr)
		raw = uint64(b)
	case 2:
		var h uint16
		h, err = mem.ReadU16(addr)
		raw = uint64(h)
	case 4:
		var w uint32
		w, err = mem.ReadU32(addr)
		raw = uint64(w)
	case 8:
		raw, err = mem.ReadU64(addr)
	default:
		return loadWide(mem, addr, d)
	}
	if err != nil {
		return Value{}, storageError(d, addr, err)
	}
	return FromUint64(raw, width, d.Signed), nil
}

func loadWide(mem hdlsim.Memory, addr uint32, d Descriptor) (Value, error) {
	n := wordCount(d.Width())
	data, err := mem.Read(addr, uint32(4*n))
	if err != nil {
		return Value{}, storageError(d, addr, err)
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return FromWords(words, d.Width(), d.Signed), nil
}

// Store writes v into the port's storage at base+d.Offset. v must already be
// shaped for the port (see Convert).
func Store(mem hdlsim.Memory, base uint32, d Descriptor, v Value) error {
	addr := base + d.Offset
	width := d.Width()
	if v.width != width {
		return errors.New(errors.ClassPort, errors.KindWidth).
			Port(d.Name).
			Detail("value is %d bit(s), port is %d", v.width, width).
			Build()
	}

	raw := v.Uint64()
	var err error
	switch StorageSize(width) {
	case 1:
		err = mem.WriteU8(addr, uint8(raw))
	case 2:
		err = mem.WriteU16(addr, uint16(raw))
	case 4:
		err = mem.WriteU32(addr, uint32(raw))
	case 8:
		err = mem.WriteU64(addr, raw)
	default:
		buf := make([]byte, 4*len(v.words))
		for i, w := range v.words {
			binary.LittleEndian.PutUint32(buf[4*i:], w)
		}
		err = mem.Write(addr, buf)
	}
	if err != nil {
		return storageError(d, addr, err)
	}
	return nil
}

func storageError(d Descriptor, addr uint32, cause error) error {
	return errors.New(errors.ClassPort, errors.KindOutOfBounds).
		Port(d.Name).
		Cause(cause).
		Detail("storage at 0x%x is outside model memory", addr).
		Build()
}
