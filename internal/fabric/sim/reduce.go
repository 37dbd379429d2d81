package sim

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/Mellanox/ucc/internal/fabric"
)

// Reduce folds in into acc element-wise: acc[i] = op(acc[i], in[i]).
// Elements are little-endian.
func Reduce(dt fabric.Datatype, op fabric.ReductionOp, acc, in []byte) error {
	if len(acc) != len(in) {
		return fmt.Errorf("reduce length mismatch: %d != %d", len(acc), len(in))
	}
	size := dt.Size()
	if size == 0 || len(acc)%size != 0 {
		return fmt.Errorf("%w: %d bytes of %s", fabric.ErrUnsupported, len(acc), dt)
	}

	switch dt {
	case fabric.DtInt8, fabric.DtInt16, fabric.DtInt32, fabric.DtInt64:
		return reduceInts(op, acc, in, size, true)
	case fabric.DtUint8, fabric.DtUint16, fabric.DtUint32, fabric.DtUint64:
		return reduceInts(op, acc, in, size, false)
	case fabric.DtFloat16, fabric.DtBfloat16, fabric.DtFloat32, fabric.DtFloat64:
		return reduceFloats(dt, op, acc, in, size)
	}
	return fmt.Errorf("%w: reduce of %s", fabric.ErrUnsupported, dt)
}

func loadUint(b []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func storeUint(b []byte, size int, v uint64) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// signExtend widens a size-byte two's complement value.
func signExtend(v uint64, size int) int64 {
	shift := uint(64 - 8*size)
	return int64(v<<shift) >> shift
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func reduceInts(op fabric.ReductionOp, acc, in []byte, size int, signed bool) error {
	for off := 0; off < len(acc); off += size {
		a := loadUint(acc[off:], size)
		b := loadUint(in[off:], size)
		var r uint64
		switch op {
		case fabric.OpSum:
			r = a + b
		case fabric.OpProd:
			r = a * b
		case fabric.OpMax, fabric.OpMin:
			var less bool
			if signed {
				less = signExtend(a, size) < signExtend(b, size)
			} else {
				less = a < b
			}
			if less == (op == fabric.OpMin) {
				r = a
			} else {
				r = b
			}
		case fabric.OpLand:
			r = boolToUint(a != 0 && b != 0)
		case fabric.OpLor:
			r = boolToUint(a != 0 || b != 0)
		case fabric.OpLxor:
			r = boolToUint((a != 0) != (b != 0))
		case fabric.OpBand:
			r = a & b
		case fabric.OpBor:
			r = a | b
		case fabric.OpBxor:
			r = a ^ b
		default:
			return fmt.Errorf("%w: op %s", fabric.ErrUnsupported, op)
		}
		storeUint(acc[off:], size, r)
	}
	return nil
}

func loadFloat(dt fabric.Datatype, b []byte) float64 {
	switch dt {
	case fabric.DtFloat16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
	case fabric.DtBfloat16:
		return float64(math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16))
	case fabric.DtFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
}

func storeFloat(dt fabric.Datatype, b []byte, v float64) {
	switch dt {
	case fabric.DtFloat16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case fabric.DtBfloat16:
		binary.LittleEndian.PutUint16(b, uint16(math.Float32bits(float32(v))>>16))
	case fabric.DtFloat32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	default:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

func reduceFloats(dt fabric.Datatype, op fabric.ReductionOp, acc, in []byte, size int) error {
	for off := 0; off < len(acc); off += size {
		a := loadFloat(dt, acc[off:])
		b := loadFloat(dt, in[off:])
		var r float64
		switch op {
		case fabric.OpSum:
			r = a + b
		case fabric.OpProd:
			r = a * b
		case fabric.OpMax:
			r = math.Max(a, b)
		case fabric.OpMin:
			r = math.Min(a, b)
		default:
			return fmt.Errorf("%w: op %s on %s", fabric.ErrUnsupported, op, dt)
		}
		storeFloat(dt, acc[off:], r)
	}
	return nil
}
