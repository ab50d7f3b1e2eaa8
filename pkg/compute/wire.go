package compute

import (
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// The daemon speaks length-prefixed s-expressions over its unix socket:
// a 4-byte big-endian length followed by that many bytes of UTF-8 alist text.

var (
	typeRe    = regexp.MustCompile(`\(type\s+\.\s+(\w+)\)`)
	valueRe   = regexp.MustCompile(`\(value\s+\.\s+"((?:[^"\\]|\\.)*)"\)`)
	messageRe = regexp.MustCompile(`\(message\s+\.\s+"((?:[^"\\]|\\.)*)"\)`)
)

func escapeExpr(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	return strings.ReplaceAll(s, `\\`, `\`)
}

func encodeRequest(id, session, expr string) []byte {
	msg := fmt.Sprintf(`((type . request) (id . "%s") (session . "%s") (expr . "%s"))`,
		id, session, escapeExpr(expr))
	return []byte(msg)
}

// parseResponse extracts the value from a result alist or an EvalError from
// an error alist. Anything else is a protocol error.
func parseResponse(payload []byte) (string, error) {
	text := string(payload)
	var msgType string
	if m := typeRe.FindStringSubmatch(text); m != nil {
		msgType = m[1]
	}
	switch msgType {
	case "result":
		if m := valueRe.FindStringSubmatch(text); m != nil {
			return unescape(m[1]), nil
		}
		return "", nil
	case "error":
		msg := "unknown error"
		if m := messageRe.FindStringSubmatch(text); m != nil {
			msg = unescape(m[1])
		}
		return "", &EvalError{Message: msg}
	default:
		preview := text
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return "", &EvalError{Message: fmt.Sprintf("Unexpected response: %s", preview)}
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame. An announced length over
// maxBytes is rejected before any of the body is read, so an oversized reply
// cannot be pulled into memory.
func readFrame(r io.Reader, maxBytes uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxBytes {
		return nil, &ResponseTooLargeError{Size: length, Limit: maxBytes}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
