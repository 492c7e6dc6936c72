package grid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrBadDescriptor is returned when a box descriptor cannot be decoded
var ErrBadDescriptor = errors.New("grid: malformed box descriptor")

// descriptor layout: uint32 d, then per direction int64 origin, int64 size,
// float64 h, float64 r, all little endian
const axisBytes = 32

// EncodedLen returns the number of bytes MarshalBinary produces for a box of dimension d
func EncodedLen(d int) int { return 4 + d*axisBytes }

// MarshalBinary encodes the box into its fixed size descriptor
func (b Box) MarshalBinary() ([]byte, error) {
	d := b.Dim()
	buf := make([]byte, EncodedLen(d))
	binary.LittleEndian.PutUint32(buf, uint32(d))
	p := buf[4:]
	for i := 0; i < d; i++ {
		binary.LittleEndian.PutUint64(p[0:], uint64(int64(b.origin[i])))
		binary.LittleEndian.PutUint64(p[8:], uint64(int64(b.size[i])))
		binary.LittleEndian.PutUint64(p[16:], math.Float64bits(b.h[i]))
		binary.LittleEndian.PutUint64(p[24:], math.Float64bits(b.r[i]))
		p = p[axisBytes:]
	}
	return buf, nil
}

// UnmarshalBinary decodes a descriptor produced by MarshalBinary
func (b *Box) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: %d bytes", ErrBadDescriptor, len(data))
	}
	d := int(binary.LittleEndian.Uint32(data))
	if len(data) != EncodedLen(d) {
		return fmt.Errorf("%w: dimension %d needs %d bytes, have %d",
			ErrBadDescriptor, d, EncodedLen(d), len(data))
	}
	if d == 0 {
		*b = Box{}
		return nil
	}
	var (
		origin = make([]int, d)
		size   = make([]int, d)
		h      = make([]float64, d)
		r      = make([]float64, d)
		rd     = bytes.NewReader(data[4:])
		axis   struct {
			Origin, Size int64
			H, R         float64
		}
	)
	for i := 0; i < d; i++ {
		if err := binary.Read(rd, binary.LittleEndian, &axis); err != nil {
			return fmt.Errorf("%w: %v", ErrBadDescriptor, err)
		}
		origin[i], size[i], h[i], r[i] = int(axis.Origin), int(axis.Size), axis.H, axis.R
	}
	*b = NewBox(origin, size, h, r)
	return nil
}
