// Package protocol implements the wire codec for the server protocol: it
// serializes Commands to byte frames and parses byte frames into RValues.
// It knows nothing about connections, pipelining, or pools — those are the
// concern of the connection and pool packages, which consume this one.
package protocol

import (
	"fmt"
	"strconv"

	"github.com/fleipold/akre"
)

// MalformedFrame is returned when a frame's leading type byte is not one of
// the five recognized markers.
type MalformedFrame struct {
	Byte byte
}

func (e *MalformedFrame) Error() string {
	return fmt.Sprintf("protocol: malformed frame: unexpected leading byte %q", e.Byte)
}

// BadLength is returned when a length or count field fails to parse as a
// decimal integer, or parses to a value less than -1.
type BadLength struct {
	Text string
}

func (e *BadLength) Error() string {
	return fmt.Sprintf("protocol: bad length %q", e.Text)
}

// UnexpectedTerminator is returned when a required CRLF terminator is
// missing.
type UnexpectedTerminator struct {
	Context string
}

func (e *UnexpectedTerminator) Error() string {
	return fmt.Sprintf("protocol: missing CRLF terminator: %s", e.Context)
}

// MaxNestingDepth bounds the recursion depth of nested arrays a decoder will
// accept before failing with MalformedFrame, per the reconstructor's
// contract.
const MaxNestingDepth = 128

// crlf is the line terminator used throughout the protocol.
var crlf = []byte("\r\n")

// EncodeCommand serializes cmd as a RESP array of bulk strings: the command
// never emits inline commands.
//
//	*n\r\n
//	$len\r\n
//	bytes\r\n
//	... (repeated for each argument)
func EncodeCommand(cmd akre.Command) []byte {
	args := cmd.Args()

	buf := make([]byte, 0, 64)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, crlf...)

	for _, arg := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, crlf...)
		buf = append(buf, arg...)
		buf = append(buf, crlf...)
	}

	return buf
}

// DecodeFrame parses exactly one complete frame from buf, returning the
// decoded value and the number of bytes consumed. It returns (zero, 0, nil)
// if buf does not yet hold a complete frame — the caller should wait for
// more bytes and retry; this is never a decode error.
//
// DecodeFrame is pure: it performs no I/O and retains no state across calls.
// The incremental buffering and retry-on-incomplete-frame behavior lives in
// package reconstruct, which is the only intended caller.
func DecodeFrame(buf []byte, depth int) (akre.RValue, int, error) {
	if len(buf) == 0 {
		return akre.RValue{}, 0, nil
	}

	if depth > MaxNestingDepth {
		return akre.RValue{}, 0, &MalformedFrame{Byte: buf[0]}
	}

	switch buf[0] {
	case '+':
		return decodeLine(buf, akre.SimpleString)
	case '-':
		return decodeLine(buf, akre.ErrorValue)
	case ':':
		return decodeInteger(buf)
	case '$':
		return decodeBulk(buf)
	case '*':
		return decodeArray(buf, depth)
	default:
		return akre.RValue{}, 0, &MalformedFrame{Byte: buf[0]}
	}
}

// findCRLF returns the index of the first CRLF in buf at or after start, or
// -1 if none is present yet.
func findCRLF(buf []byte, start int) int {
	for i := start; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func decodeLine(buf []byte, build func(string) akre.RValue) (akre.RValue, int, error) {
	end := findCRLF(buf, 1)
	if end < 0 {
		return akre.RValue{}, 0, nil
	}
	return build(string(buf[1:end])), end + 2, nil
}

func decodeInteger(buf []byte) (akre.RValue, int, error) {
	end := findCRLF(buf, 1)
	if end < 0 {
		return akre.RValue{}, 0, nil
	}
	text := string(buf[1:end])
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return akre.RValue{}, 0, &BadLength{Text: text}
	}
	return akre.Integer(n), end + 2, nil
}

// parseLength reads the decimal length/count field starting at buf[1] up to
// the next CRLF. It returns the parsed value, the index just past the CRLF,
// and ok=false if buf does not yet contain the terminator.
func parseLength(buf []byte) (n int64, next int, ok bool, err error) {
	end := findCRLF(buf, 1)
	if end < 0 {
		return 0, 0, false, nil
	}
	text := string(buf[1:end])
	n, convErr := strconv.ParseInt(text, 10, 64)
	if convErr != nil || n < -1 {
		return 0, 0, false, &BadLength{Text: text}
	}
	return n, end + 2, true, nil
}

func decodeBulk(buf []byte) (akre.RValue, int, error) {
	length, next, ok, err := parseLength(buf)
	if err != nil {
		return akre.RValue{}, 0, err
	}
	if !ok {
		return akre.RValue{}, 0, nil
	}
	if length == -1 {
		return akre.NullBulkString(), next, nil
	}

	want := next + int(length) + 2
	if len(buf) < want {
		return akre.RValue{}, 0, nil
	}
	if buf[want-2] != '\r' || buf[want-1] != '\n' {
		return akre.RValue{}, 0, &UnexpectedTerminator{Context: "bulk string"}
	}

	data := make([]byte, length)
	copy(data, buf[next:next+int(length)])
	return akre.BulkString(data), want, nil
}

func decodeArray(buf []byte, depth int) (akre.RValue, int, error) {
	count, next, ok, err := parseLength(buf)
	if err != nil {
		return akre.RValue{}, 0, err
	}
	if !ok {
		return akre.RValue{}, 0, nil
	}
	if count == -1 {
		return akre.NullArray(), next, nil
	}

	elems := make([]akre.RValue, 0, count)
	offset := next
	for i := int64(0); i < count; i++ {
		elem, n, err := DecodeFrame(buf[offset:], depth+1)
		if err != nil {
			return akre.RValue{}, 0, err
		}
		if n == 0 {
			return akre.RValue{}, 0, nil
		}
		elems = append(elems, elem)
		offset += n
	}

	return akre.Array(elems), offset, nil
}
