package transport

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Datatype is a struct-format element code as used in instrument manuals
// ('B' unsigned byte, 'h' int16, 'f' float32 ...).
type Datatype byte

const (
	DatatypeInt8    Datatype = 'b'
	DatatypeUint8   Datatype = 'B'
	DatatypeInt16   Datatype = 'h'
	DatatypeUint16  Datatype = 'H'
	DatatypeInt32   Datatype = 'i'
	DatatypeUint32  Datatype = 'I'
	DatatypeLong    Datatype = 'l'
	DatatypeULong   Datatype = 'L'
	DatatypeInt64   Datatype = 'q'
	DatatypeUint64  Datatype = 'Q'
	DatatypeFloat32 Datatype = 'f'
	DatatypeFloat64 Datatype = 'd'
)

// ParseDatatype accepts a single struct-format character. Empty means 'B'.
func ParseDatatype(s string) (Datatype, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DatatypeUint8, nil
	}
	if len(s) != 1 || !strings.ContainsRune("bBhHiIlLqQfd", rune(s[0])) {
		return 0, fmt.Errorf("unknown datatype %q", s)
	}
	return Datatype(s[0]), nil
}

func (d Datatype) String() string {
	return string(rune(d))
}

// Size returns the element width in bytes.
func (d Datatype) Size() int {
	switch d {
	case DatatypeInt8, DatatypeUint8:
		return 1
	case DatatypeInt16, DatatypeUint16:
		return 2
	case DatatypeInt32, DatatypeUint32, DatatypeLong, DatatypeULong, DatatypeFloat32:
		return 4
	case DatatypeInt64, DatatypeUint64, DatatypeFloat64:
		return 8
	default:
		return 0
	}
}

func (d Datatype) isFloat() bool {
	return d == DatatypeFloat32 || d == DatatypeFloat64
}

func (d Datatype) isSigned() bool {
	switch d {
	case DatatypeInt8, DatatypeInt16, DatatypeInt32, DatatypeLong, DatatypeInt64:
		return true
	}
	return false
}

// Container is the shape a binary query result is decoded into.
type Container int

const (
	ContainerBytes Container = iota
	ContainerWordList
	ContainerFloatArray
)

// ParseContainer maps the profile table names onto the closed set.
func ParseContainer(s string) (Container, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bytearray", "bytes":
		return ContainerBytes, nil
	case "list":
		return ContainerWordList, nil
	case "array":
		return ContainerFloatArray, nil
	default:
		return 0, fmt.Errorf("unknown container %q", s)
	}
}

func (c Container) String() string {
	switch c {
	case ContainerBytes:
		return "bytes"
	case ContainerWordList:
		return "word-list"
	case ContainerFloatArray:
		return "float-array"
	default:
		return fmt.Sprintf("container(%d)", int(c))
	}
}

// BinaryParams control how a binary block query is read and decoded.
type BinaryParams struct {
	Datatype  Datatype
	Container Container
	Delay     time.Duration
	BigEndian bool
}

// Values is a decoded binary block. Exactly one of Bytes, Words, Floats is
// populated, matching Container.
type Values struct {
	Datatype  Datatype
	Container Container
	BigEndian bool

	Bytes  []byte
	Words  []int64
	Floats []float64
}

// DecodeValues interprets a block payload as the container described by p.
func DecodeValues(payload []byte, p BinaryParams) (*Values, error) {
	dt := p.Datatype
	if dt == 0 {
		dt = DatatypeUint8
	}
	size := dt.Size()
	if size == 0 {
		return nil, &DecodeError{Datatype: dt, Container: p.Container, Reason: "unknown datatype"}
	}
	if len(payload)%size != 0 {
		return nil, &DecodeError{
			Datatype:  dt,
			Container: p.Container,
			Reason:    fmt.Sprintf("payload of %d bytes is not a multiple of %d", len(payload), size),
		}
	}

	v := &Values{Datatype: dt, Container: p.Container, BigEndian: p.BigEndian}
	order := byteOrder(p.BigEndian)
	count := len(payload) / size

	switch p.Container {
	case ContainerBytes:
		if size == 1 {
			v.Bytes = append([]byte(nil), payload...)
			return v, nil
		}
		v.Bytes = make([]byte, count)
		for i := 0; i < count; i++ {
			if dt.isFloat() {
				return nil, &DecodeError{Datatype: dt, Container: p.Container, Reason: "float elements do not fit a byte buffer"}
			}
			w := readInt(payload[i*size:], dt, order)
			if w < 0 || w > math.MaxUint8 {
				return nil, &DecodeError{Datatype: dt, Container: p.Container, Reason: fmt.Sprintf("element %d out of byte range: %d", i, w)}
			}
			v.Bytes[i] = byte(w)
		}

	case ContainerWordList:
		if dt.isFloat() {
			return nil, &DecodeError{Datatype: dt, Container: p.Container, Reason: "word list needs an integer datatype"}
		}
		v.Words = make([]int64, count)
		for i := range v.Words {
			v.Words[i] = readInt(payload[i*size:], dt, order)
		}

	case ContainerFloatArray:
		v.Floats = make([]float64, count)
		for i := range v.Floats {
			if dt.isFloat() {
				v.Floats[i] = readFloat(payload[i*size:], dt, order)
			} else {
				v.Floats[i] = float64(readInt(payload[i*size:], dt, order))
			}
		}

	default:
		return nil, &DecodeError{Datatype: dt, Container: p.Container, Reason: "unknown container"}
	}

	return v, nil
}

// Buffer normalises the decoded values back into an immutable byte buffer
// suitable for writing to disk.
func (v *Values) Buffer() []byte {
	switch v.Container {
	case ContainerWordList:
		out := make([]byte, 0, len(v.Words)*v.Datatype.Size())
		for _, w := range v.Words {
			out = appendInt(out, w, v.Datatype, byteOrder(v.BigEndian))
		}
		return out
	case ContainerFloatArray:
		out := make([]byte, 0, len(v.Floats)*v.Datatype.Size())
		for _, f := range v.Floats {
			if v.Datatype.isFloat() {
				out = appendFloat(out, f, v.Datatype, byteOrder(v.BigEndian))
			} else {
				out = appendInt(out, int64(f), v.Datatype, byteOrder(v.BigEndian))
			}
		}
		return out
	default:
		return append([]byte(nil), v.Bytes...)
	}
}

// Len returns the element count.
func (v *Values) Len() int {
	switch v.Container {
	case ContainerWordList:
		return len(v.Words)
	case ContainerFloatArray:
		return len(v.Floats)
	default:
		return len(v.Bytes)
	}
}

type endian interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func byteOrder(bigEndian bool) endian {
	if bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func readInt(b []byte, dt Datatype, order endian) int64 {
	switch dt.Size() {
	case 1:
		if dt.isSigned() {
			return int64(int8(b[0]))
		}
		return int64(b[0])
	case 2:
		u := order.Uint16(b)
		if dt.isSigned() {
			return int64(int16(u))
		}
		return int64(u)
	case 4:
		u := order.Uint32(b)
		if dt.isSigned() {
			return int64(int32(u))
		}
		return int64(u)
	default:
		return int64(order.Uint64(b))
	}
}

func readFloat(b []byte, dt Datatype, order endian) float64 {
	if dt == DatatypeFloat32 {
		return float64(math.Float32frombits(order.Uint32(b)))
	}
	return math.Float64frombits(order.Uint64(b))
}

func appendInt(out []byte, w int64, dt Datatype, order endian) []byte {
	switch dt.Size() {
	case 1:
		return append(out, byte(w))
	case 2:
		return order.AppendUint16(out, uint16(w))
	case 4:
		return order.AppendUint32(out, uint32(w))
	default:
		return order.AppendUint64(out, uint64(w))
	}
}

func appendFloat(out []byte, f float64, dt Datatype, order endian) []byte {
	if dt == DatatypeFloat32 {
		return order.AppendUint32(out, math.Float32bits(float32(f)))
	}
	return order.AppendUint64(out, math.Float64bits(f))
}
