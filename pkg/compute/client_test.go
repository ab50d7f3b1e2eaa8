package compute

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDaemon runs a stub daemon behind a real unix socket with a ready file
// pointing at it, the way the launch script would leave things.
func startDaemon(t *testing.T, handle func(req []byte) []byte) *Client {
	t.Helper()
	root := t.TempDir()
	replDir := filepath.Join(root, replDirName)
	require.NoError(t, os.MkdirAll(replDir, 0o755))

	sockPath := filepath.Join(root, "loom.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(replDir, readyFilename), []byte("socket:loom.sock\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(replDir, pidFilename), []byte("1234\n"), 0o644))

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				req, err := readFrame(conn, 16<<20)
				if err != nil {
					return
				}
				if resp := handle(req); resp != nil {
					_ = writeFrame(conn, resp)
				}
			}(conn)
		}
	}()

	return NewClient(Options{Root: root})
}

func TestEvaluateRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var seen string
	c := startDaemon(t, func(req []byte) []byte {
		mu.Lock()
		seen = string(req)
		mu.Unlock()
		return []byte(`((type . result) (value . "42"))`)
	})

	got, err := c.Evaluate(context.Background(), `(+ 21 21)`, "sess1")
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, `(session . "sess1")`)
	assert.Contains(t, seen, `(expr . "(+ 21 21)")`)
	assert.Contains(t, seen, `(type . request)`)
}

func TestEvaluateUnescapesValue(t *testing.T) {
	c := startDaemon(t, func(req []byte) []byte {
		return []byte(`((type . result) (value . "say \"hi\" back\\slash"))`)
	})
	got, err := c.Evaluate(context.Background(), `(greet)`, "s")
	require.NoError(t, err)
	assert.Equal(t, `say "hi" back\slash`, got)
}

func TestEvalErrorSurfaced(t *testing.T) {
	c := startDaemon(t, func(req []byte) []byte {
		return []byte(`((type . error) (message . "unbound variable: foo"))`)
	})
	_, err := c.Evaluate(context.Background(), `foo`, "s")
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "unbound variable: foo", evalErr.Message)
}

func TestResultTruncation(t *testing.T) {
	long := strings.Repeat("x", 50)
	c := startDaemon(t, func(req []byte) []byte {
		return []byte(`((type . result) (value . "` + long + `"))`)
	})
	got, err := c.call(context.Background(), `(big)`, "s", CallLimits{
		Timeout:          5 * time.Second,
		MaxResultChars:   10,
		MaxResponseBytes: 16 << 20,
		TimeoutLabel:     "timed out",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "xxxxxxxxxx\n(truncated"))
	assert.Contains(t, got, "50 chars total")
}

func TestOversizedResponseRejectedBeforeBody(t *testing.T) {
	// The peer announces a giant frame and never sends the body. The frame
	// must be rejected on the header alone instead of blocking on the read.
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go func() {
		server.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	}()
	_, err := readFrame(client, 1<<20)
	var tooBig *ResponseTooLargeError
	require.ErrorAs(t, err, &tooBig)
	assert.Equal(t, uint32(0xFFFFFFFF), tooBig.Size)
}

func TestEvalTimeout(t *testing.T) {
	c := startDaemon(t, func(req []byte) []byte {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	_, err := c.call(context.Background(), `(loop)`, "s", CallLimits{
		Timeout:          100 * time.Millisecond,
		MaxResultChars:   2000,
		MaxResponseBytes: 16 << 20,
		TimeoutLabel:     "timed out",
	})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, PhaseEval, te.Phase)
}

func TestDaemonUnavailable(t *testing.T) {
	c := NewClient(Options{Root: t.TempDir()})
	_, err := c.Evaluate(context.Background(), `(+ 1 1)`, "s")
	assert.True(t, errors.Is(err, ErrDaemonUnavailable))
}

func TestSessionStaleAfterPidFileChange(t *testing.T) {
	c := startDaemon(t, func(req []byte) []byte {
		return []byte(`((type . result) (value . "ok"))`)
	})

	// Unknown session is never stale.
	assert.False(t, c.SessionStale("s"))

	_, err := c.Evaluate(context.Background(), `(+ 1 1)`, "s")
	require.NoError(t, err)
	assert.False(t, c.SessionStale("s"))

	// Simulate a daemon restart by bumping the pid file mtime.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(c.pidPath, later, later))
	assert.True(t, c.SessionStale("s"))
}

func TestEncodeRequestEscapes(t *testing.T) {
	msg := string(encodeRequest("abcd1234", "s", `(display "a\b")`))
	assert.Contains(t, msg, `(expr . "(display \"a\\b\")")`)
	assert.Contains(t, msg, `(id . "abcd1234")`)
}

func TestParseResponseUnexpected(t *testing.T) {
	_, err := parseResponse([]byte(`((type . banana))`))
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "Unexpected response")
}
