// Package dtype describes the element encodings used by mask, rotary and
// cache buffers handed to a model executor.
package dtype

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
	"gopkg.in/yaml.v3"
)

type Type uint8

const (
	Bool Type = iota
	Int16
	FP16
	FP32
)

// Int16Scale is the fixed-point step used for INT16 rotary tables.
const Int16Scale = 0.000030518509447574615

// MaskedFloat is the additive bias used for invisible positions in float masks.
const MaskedFloat = -100

func (t Type) Size() int {
	switch t {
	case Bool:
		return 1
	case Int16, FP16:
		return 2
	case FP32:
		return 4
	default:
		return 0
	}
}

func (t Type) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int16:
		return "int16"
	case FP16:
		return "fp16"
	case FP32:
		return "fp32"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(t))
	}
}

// Parse accepts the names printed by String plus a few common aliases.
func Parse(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean":
		return Bool, nil
	case "int16", "i16":
		return Int16, nil
	case "fp16", "float16", "half", "f16":
		return FP16, nil
	case "fp32", "float32", "float", "f32":
		return FP32, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

func (t *Type) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Type) MarshalYAML() (any, error) {
	return t.String(), nil
}

// PutMask writes one mask element.
func (t Type) PutMask(dst []byte, visible bool) {
	switch t {
	case Bool:
		if visible {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	case Int16:
		v := int16(math.MinInt16)
		if visible {
			v = 0
		}
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case FP16:
		v := float16.Fromfloat32(MaskedFloat)
		if visible {
			v = float16.Fromfloat32(0)
		}
		binary.LittleEndian.PutUint16(dst, v.Bits())
	case FP32:
		v := float32(MaskedFloat)
		if visible {
			v = 0
		}
		binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
	}
}

// FillMask writes the same mask element into every slot of dst.
func (t Type) FillMask(dst []byte, visible bool) {
	size := t.Size()
	if len(dst) < size {
		return
	}
	t.PutMask(dst[:size], visible)
	for filled := size; filled < len(dst); filled *= 2 {
		copy(dst[filled:], dst[:filled])
	}
}

// Visible decodes one mask element.
func (t Type) Visible(src []byte) bool {
	switch t {
	case Bool:
		return src[0] != 0
	case Int16:
		return int16(binary.LittleEndian.Uint16(src)) == 0
	case FP16:
		return float16.Frombits(binary.LittleEndian.Uint16(src)).Float32() == 0
	case FP32:
		return math.Float32frombits(binary.LittleEndian.Uint32(src)) == 0
	default:
		return false
	}
}

// PutFloat encodes v. Int16 uses the Int16Scale fixed point.
func (t Type) PutFloat(dst []byte, v float64) {
	switch t {
	case Int16:
		binary.LittleEndian.PutUint16(dst, uint16(QuantizeInt16(v)))
	case FP16:
		binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(float32(v)).Bits())
	case FP32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
	case Bool:
		if v != 0 {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	}
}

// Float decodes one element written by PutFloat.
func (t Type) Float(src []byte) float64 {
	switch t {
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(src))) * Int16Scale
	case FP16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(src)).Float32())
	case FP32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src)))
	case Bool:
		if src[0] != 0 {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// QuantizeInt16 rounds half away from zero, not half to even, and saturates.
func QuantizeInt16(v float64) int16 {
	q := math.Round(v / Int16Scale)
	if q > math.MaxInt16 {
		return math.MaxInt16
	}
	if q < math.MinInt16 {
		return math.MinInt16
	}
	return int16(q)
}
