package gxmodbus

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

const (
	TYPE_UINT16 = "uint16"
	TYPE_INT16  = "int16"
	TYPE_UINT32 = "uint32"
	TYPE_INT32  = "int32"
	TYPE_STRING = "string"
)

// Register describes one GX register. Numeric values are divided by Scale on read and
// multiplied by it on write, as in the Venus GX modbus register list.
type Register struct {
	Address uint16
	Type    string
	Size    uint16
	Scale   float64
	Input   bool
}

func (r Register) Quantity() uint16 {
	switch r.Type {
	case TYPE_UINT32, TYPE_INT32:
		return 2
	case TYPE_STRING:
		return max(r.Size, 1)
	}
	return 1
}

func (r Register) scale() float64 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}

func (r Register) Decode(words []uint16) (any, error) {
	if len(words) < int(r.Quantity()) {
		return nil, fmt.Errorf("register %d: got %d words, want %d", r.Address, len(words), r.Quantity())
	}
	var raw float64
	switch r.Type {
	case TYPE_STRING:
		bytes := make([]byte, 0, 2*len(words))
		for _, w := range words {
			bytes = append(bytes, byte(w>>8), byte(w))
		}
		if f := slices.Index(bytes, 0x00); f >= 0 {
			bytes = bytes[:f]
		}
		return strings.TrimSpace(string(bytes)), nil
	case TYPE_UINT16, "":
		raw = float64(words[0])
	case TYPE_INT16:
		raw = float64(int16(words[0]))
	case TYPE_UINT32:
		raw = float64(uint32(words[0])<<16 | uint32(words[1]))
	case TYPE_INT32:
		raw = float64(int32(uint32(words[0])<<16 | uint32(words[1])))
	default:
		return nil, fmt.Errorf("register %d: unknown type %q", r.Address, r.Type)
	}
	return raw / r.scale(), nil
}

func (r Register) Encode(value any) ([]uint16, error) {
	f, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("register %d: %w", r.Address, err)
	}
	raw := math.Round(f * r.scale())
	switch r.Type {
	case TYPE_UINT16, "":
		return []uint16{uint16(raw)}, nil
	case TYPE_INT16:
		return []uint16{uint16(int16(raw))}, nil
	case TYPE_UINT32:
		v := uint32(raw)
		return []uint16{uint16(v >> 16), uint16(v)}, nil
	case TYPE_INT32:
		v := uint32(int32(raw))
		return []uint16{uint16(v >> 16), uint16(v)}, nil
	}
	return nil, fmt.Errorf("register %d: type %q is not writable", r.Address, r.Type)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported value %v (%T)", value, value)
}
