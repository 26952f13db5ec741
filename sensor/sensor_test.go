package sensor

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hivetrap/hivetrap/config"

	"github.com/stretchr/testify/require"
)

// eventCollector is the emit sink used across the listener tests.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *eventCollector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *eventCollector) byKind(kind string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, evt := range c.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Env.ScanDuration = 500 * time.Millisecond
	cfg.Env.KeysDir = "/keys"
	cfg.Env.LogDir = "/logs"
	return &cfg
}

// fastAuthDelay shrinks the credential rejection stall for the duration of
// a test.
func fastAuthDelay(t *testing.T) {
	t.Helper()
	original := authFailureDelay
	authFailureDelay = time.Millisecond
	t.Cleanup(func() { authFailureDelay = original })
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := fmt.Fprintf(conn, "%s\r\n", line)
	require.NoError(t, err, "the command should be written to the session")
}

func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	require.NoError(t, err, "a response line should be readable")
	return strings.TrimRight(line, "\r\n")
}
