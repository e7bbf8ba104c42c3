package transport

import (
	"bytes"
	"fmt"
	"strconv"
)

// IEEE 488.2 definite length arbitrary block:
//
//	#<d><d ASCII digits = L><L payload bytes>[terminator]
//
// "#0" starts an indefinite length block that runs up to the final LF.
const blockMarker = '#'

// DecodeBlock extracts the payload of a binary block. Input that does not
// start with '#' is not framed and is returned unchanged.
func DecodeBlock(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != blockMarker {
		return data, nil
	}

	if len(data) < 2 {
		return nil, &FramingError{Reason: "header truncated after '#'"}
	}

	digit := data[1]
	if digit == '0' {
		return bytes.TrimSuffix(data[2:], []byte{'\n'}), nil
	}
	if digit < '1' || digit > '9' {
		return nil, &FramingError{Reason: fmt.Sprintf("invalid digit count %q", digit)}
	}

	n := int(digit - '0')
	if len(data) < 2+n {
		return nil, &FramingError{Reason: "length field truncated"}
	}

	length, err := parseBlockLength(data[2 : 2+n])
	if err != nil {
		return nil, err
	}

	start := 2 + n
	if available := len(data) - start; available < length {
		return nil, &FramingError{Declared: length, Available: available, Reason: "payload short"}
	}

	return data[start : start+length], nil
}

// EncodeBlock frames payload as a definite length block.
func EncodeBlock(payload []byte) []byte {
	length := strconv.Itoa(len(payload))

	frame := make([]byte, 0, 2+len(length)+len(payload))
	frame = append(frame, blockMarker, byte('0'+len(length)))
	frame = append(frame, length...)
	frame = append(frame, payload...)

	return frame
}

// blockNeed reports how many bytes the block at the start of buf still
// needs. It returns -1 while the header is incomplete and ok=false when buf
// is not a definite length block.
func blockNeed(buf []byte) (need int, ok bool, err error) {
	if len(buf) == 0 || buf[0] != blockMarker {
		return 0, false, nil
	}
	if len(buf) < 2 {
		return -1, true, nil
	}
	if buf[1] == '0' {
		return 0, false, nil
	}
	if buf[1] < '1' || buf[1] > '9' {
		return 0, true, &FramingError{Reason: fmt.Sprintf("invalid digit count %q", buf[1])}
	}

	n := int(buf[1] - '0')
	if len(buf) < 2+n {
		return -1, true, nil
	}

	length, err := parseBlockLength(buf[2 : 2+n])
	if err != nil {
		return 0, true, err
	}

	need = 2 + n + length - len(buf)
	if need < 0 {
		need = 0
	}
	return need, true, nil
}

func parseBlockLength(field []byte) (int, error) {
	length := 0
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, &FramingError{Reason: fmt.Sprintf("non-digit %q in length field", c)}
		}
		length = length*10 + int(c-'0')
	}
	return length, nil
}
