package sensor

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func startIMAPSession(t *testing.T) (*eventCollector, net.Conn, *bufio.Reader) {
	t.Helper()

	collector := &eventCollector{}
	listener := NewIMAP(testConfig(), collector.emit, NewTrackers())

	server, client := net.Pipe()
	done := make(chan struct{})
	sess := NewSession("imap", server)
	go func() {
		defer close(done)
		listener.handle(context.Background(), sess, server)
	}()
	t.Cleanup(func() {
		client.Close()
		server.Close()
		<-done
	})

	reader := bufio.NewReader(client)
	require.True(t, strings.HasPrefix(readLine(t, reader), "* OK"), "the session should open with an untagged OK")
	return collector, client, reader
}

func TestIMAPLoginAlwaysFails(t *testing.T) {
	fastAuthDelay(t)
	collector, client, reader := startIMAPSession(t)

	sendLine(t, client, "a1 CAPABILITY")
	require.True(t, strings.HasPrefix(readLine(t, reader), "* CAPABILITY"), "capabilities should be advertised")
	require.True(t, strings.HasPrefix(readLine(t, reader), "a1 OK"), "the tagged completion should follow")

	for i := 0; i < 3; i++ {
		sendLine(t, client, fmt.Sprintf("a%d LOGIN \"admin\" \"guess%d\"", i+2, i))
		response := readLine(t, reader)
		require.True(t, strings.HasPrefix(response, fmt.Sprintf("a%d NO", i+2)), "LOGIN must always be rejected")
		require.Contains(t, response, "AUTHENTICATIONFAILED", "the rejection should carry the response code")
	}

	sendLine(t, client, "a9 LOGOUT")
	require.True(t, strings.HasPrefix(readLine(t, reader), "* BYE"), "LOGOUT should announce BYE")
	require.True(t, strings.HasPrefix(readLine(t, reader), "a9 OK"), "the tagged completion should follow")

	events := collector.byKind("imap_bruteforce")
	require.Len(t, events, 1, "the third rejection should fire the bruteforce rule")
	require.Contains(t, strings.Join(events[0].Evidence, " "), "admin", "the attempted username should be in the evidence")
}

func TestIMAPAuthenticatePlainIsCaptured(t *testing.T) {
	fastAuthDelay(t)
	collector, client, reader := startIMAPSession(t)

	for i := 0; i < 3; i++ {
		sendLine(t, client, fmt.Sprintf("a%d AUTHENTICATE PLAIN", i+1))
		require.True(t, strings.HasPrefix(readLine(t, reader), "+"), "the server should request the credentials")
		sendLine(t, client, base64.StdEncoding.EncodeToString([]byte("\x00root\x00toor")))
		require.Contains(t, readLine(t, reader), "NO", "authentication must always fail")
	}

	events := collector.byKind("imap_bruteforce")
	require.Len(t, events, 1, "the third rejection should fire the bruteforce rule")
	require.Contains(t, strings.Join(events[0].Evidence, " "), "root", "the decoded username should be in the evidence")
}

func TestIMAPMailboxCommandsRequireAuth(t *testing.T) {
	_, client, reader := startIMAPSession(t)

	sendLine(t, client, "a1 SELECT INBOX")
	require.True(t, strings.HasPrefix(readLine(t, reader), "a1 NO"), "SELECT must be refused before authentication")

	sendLine(t, client, "a2 NOOP")
	require.True(t, strings.HasPrefix(readLine(t, reader), "a2 OK"), "NOOP should succeed")

	sendLine(t, client, "garbage")
	require.True(t, strings.HasPrefix(readLine(t, reader), "* BAD"), "a line without a tag should be rejected")
}
