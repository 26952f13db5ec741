// Package sensor holds the protocol listeners and their session detectors.
// Each listener speaks just enough of its protocol to elicit attacker
// behavior and emits observation events when a detection rule fires. A
// listener never talks to the backend, emit is its only output.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hivetrap/hivetrap/logger"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is one raw observation before classification. Kind is drawn from the
// listener's own vocabulary, the classification adapter maps it onto the
// canonical taxonomy. Frequency carries a repetition hint when the emitting
// rule counted something, zero otherwise.
type Event struct {
	SourceIP    string
	SourcePort  int
	Protocol    string
	Kind        string
	Description string
	Evidence    []string
	Frequency   int
	Time        time.Time
}

// EmitFunc receives observation events. Implementations must be safe for
// concurrent use, every session goroutine calls it directly.
type EmitFunc func(Event)

// Listener is the shared contract of the protocol modules. Start binds the
// port and returns any bind failure synchronously so the supervisor can mark
// the module errored without stopping the rest. On success the listener
// serves in the background until the context is cancelled.
type Listener interface {
	Name() string
	Port() int
	Start(ctx context.Context) error
}

// fact JSON-encodes one structured evidence entry. Encoding failures fall
// back to fmt so evidence is never silently dropped.
func fact(value map[string]any) string {
	encoded, err := json.MarshalToString(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return encoded
}

// remoteIP splits a connection's remote address into host and port.
func remoteIP(conn net.Conn) (string, int) {
	return splitAddr(conn.RemoteAddr().String())
}

// splitAddr splits a host:port string, tolerating a bare host.
func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// serveLoop accepts connections until the context is cancelled, handling
// each in its own goroutine. Temporary accept errors back off briefly
// instead of spinning.
func serveLoop(ctx context.Context, name string, lis net.Listener, handle func(conn net.Conn)) {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var opErr *net.OpError
			lg := logger.GetLogger()
			if errors.As(err, &opErr) && opErr.Temporary() { //nolint:staticcheck
				lg.Debug().Err(err).Str("listener", name).Msg("temporary accept error")
				time.Sleep(100 * time.Millisecond)
				continue
			}
			lg.Err(err).Str("listener", name).Msg("accept failed, listener stopping")
			return
		}

		go handle(conn)
	}
}

// listen binds a TCP port, wrapping bind failures with the module name so
// the supervisor's module status is readable.
func listen(name string, port int) (net.Listener, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("unable to bind %s listener on port %d: %w", name, port, err)
	}
	return lis, nil
}
