package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxBlobLen caps bulk and verbatim payloads at the server's proto-max-bulk-len
// default.
const maxBlobLen = 512 << 20

var errProtocol = errors.New("resp protocol error")

// Null is the decoded form of every null encoding: the RESP2 null bulk
// string and null array, and the RESP3 "_" type.
type Null struct{}

func (Null) String() string { return "(nil)" }

// ErrorReply is an error returned by the server itself: a RESP2 "-" simple
// error or a RESP3 "!" blob error. The connection remains usable after one.
type ErrorReply struct {
	// Code is the leading upper-case word, e.g. ERR, MOVED, BUSYKEY.
	Code string
	Msg  string
}

func newErrorReply(s string) ErrorReply {
	code, msg, _ := strings.Cut(s, " ")
	if code == "" || strings.ToUpper(code) != code {
		return ErrorReply{Msg: s}
	}
	return ErrorReply{Code: code, Msg: msg}
}

func (e ErrorReply) Error() string {
	switch {
	case e.Code == "":
		return e.Msg
	case e.Msg == "":
		return e.Code
	default:
		return e.Code + " " + e.Msg
	}
}

func appendCommand(buf []byte, args []string) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, arg := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, arg...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}

// readReply decodes one reply. Strings (simple, bulk, verbatim, big number)
// become string, integers int64, doubles float64, booleans bool, nulls Null,
// and aggregates []any. Maps are flattened to key, value, key, value. An
// error inside an aggregate is kept as an ErrorReply item.
// Attribute frames are read and dropped.
func readReply(r *bufio.Reader) (any, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	switch kind {
	case '+', '(':
		return line, nil
	case '-':
		return nil, newErrorReply(line)
	case ':':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: integer %q", errProtocol, line)
		}
		return n, nil
	case ',':
		f, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: double %q", errProtocol, line)
		}
		return f, nil
	case '#':
		switch line {
		case "t":
			return true, nil
		case "f":
			return false, nil
		}
		return nil, fmt.Errorf("%w: boolean %q", errProtocol, line)
	case '_':
		return Null{}, nil
	case '$', '!', '=':
		n, err := parseLen(line)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return Null{}, nil
		}
		b, err := readBlob(r, n)
		if err != nil {
			return nil, err
		}
		switch kind {
		case '!':
			return nil, newErrorReply(b)
		case '=':
			// Verbatim strings carry a three-letter format and a colon.
			if len(b) < 4 || b[3] != ':' {
				return nil, fmt.Errorf("%w: verbatim string without format", errProtocol)
			}
			return b[4:], nil
		}
		return b, nil
	case '*', '~', '>', '%', '|':
		n, err := parseLen(line)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return Null{}, nil
		}
		if kind == '%' || kind == '|' {
			n *= 2
		}
		items := make([]any, n)
		for i := range items {
			item, err := readReply(r)
			var nested ErrorReply
			if errors.As(err, &nested) {
				item, err = nested, nil
			}
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		if kind == '|' {
			return readReply(r)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("%w: unknown type byte %q", errProtocol, kind)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", fmt.Errorf("%w: line not terminated by CRLF", errProtocol)
	}
	return line[:len(line)-2], nil
}

func parseLen(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < -1 || n > maxBlobLen {
		return 0, fmt.Errorf("%w: length %q", errProtocol, s)
	}
	return n, nil
}

func readBlob(r *bufio.Reader, n int) (string, error) {
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return "", fmt.Errorf("%w: blob of %d bytes not terminated by CRLF", errProtocol, n)
	}
	return string(buf[:n]), nil
}

// String converts a simple, bulk or verbatim string reply.
func String(reply any) (string, error) {
	s, ok := reply.(string)
	if !ok {
		return "", fmt.Errorf("resp: expected string reply, got %s", typeName(reply))
	}
	return s, nil
}

// Strings converts an array reply whose items are all strings.
func Strings(reply any) ([]string, error) {
	items, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("resp: expected array reply, got %s", typeName(reply))
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("resp: array[%d]: expected string, got %s", i, typeName(item))
		}
		out = append(out, s)
	}
	return out, nil
}

func typeName(reply any) string {
	if _, ok := reply.(Null); ok {
		return "nil"
	}
	return fmt.Sprintf("%T", reply)
}
