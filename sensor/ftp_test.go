package sensor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startFTPSession(t *testing.T) (*eventCollector, net.Conn, *bufio.Reader) {
	t.Helper()

	collector := &eventCollector{}
	listener := NewFTP(testConfig(), collector.emit, NewTrackers())

	server, client := net.Pipe()
	done := make(chan struct{})
	sess := NewSession("ftp", server)
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
	require.True(t, strings.HasPrefix(readLine(t, reader), "220 "), "the session should open with a 220 greeting")
	return collector, client, reader
}

func parsePasvPort(t *testing.T, line string) int {
	t.Helper()
	start := strings.Index(line, "(")
	end := strings.Index(line, ")")
	require.True(t, start >= 0 && end > start, "the 227 response should carry the address tuple: %q", line)

	parts := strings.Split(line[start+1:end], ",")
	require.Len(t, parts, 6, "the address tuple should have six fields")

	high, err := strconv.Atoi(parts[4])
	require.NoError(t, err, "the high port byte should parse")
	low, err := strconv.Atoi(parts[5])
	require.NoError(t, err, "the low port byte should parse")
	return high*256 + low
}

func TestFTPLoginAlwaysFails(t *testing.T) {
	fastAuthDelay(t)
	collector, client, reader := startFTPSession(t)

	for i := 0; i < 3; i++ {
		sendLine(t, client, fmt.Sprintf("USER backup%d", i))
		require.True(t, strings.HasPrefix(readLine(t, reader), "331 "), "USER should prompt for a password")
		sendLine(t, client, "PASS secret")
		require.True(t, strings.HasPrefix(readLine(t, reader), "530 "), "PASS must always be rejected")
	}

	sendLine(t, client, "QUIT")
	readLine(t, reader)

	events := collector.byKind("ftp_bruteforce")
	require.Len(t, events, 1, "the third rejection should fire the bruteforce rule")
	require.Equal(t, 3, events[0].Frequency, "the event should carry the attempt count")
}

func TestFTPUploadIsCapturedAndCapped(t *testing.T) {
	collector, client, reader := startFTPSession(t)

	sendLine(t, client, "PASV")
	port := parsePasvPort(t, readLine(t, reader))

	sendLine(t, client, "STOR payload.sh")
	require.True(t, strings.HasPrefix(readLine(t, reader), "150 "), "the upload should be invited")

	dataConn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 5*time.Second)
	require.NoError(t, err, "the passive data port should accept a connection")
	payload := strings.Repeat("#!/bin/sh\necho pwned\n", 100) // just over 2 KiB
	_, err = dataConn.Write([]byte(payload))
	require.NoError(t, err, "the upload should be written")
	dataConn.Close()

	require.True(t, strings.HasPrefix(readLine(t, reader), "226 "), "the transfer should be acknowledged as complete")

	sendLine(t, client, "QUIT")
	readLine(t, reader)

	events := collector.byKind("ftp_upload_abuse")
	require.Len(t, events, 1, "the upload should be reported")
	joined := strings.Join(events[0].Evidence, " ")
	require.Contains(t, joined, "payload.sh", "the filename should be in the evidence")
	require.Contains(t, joined, `"bytes":1024`, "the slurp should stop at the cap")
	require.Contains(t, joined, `"truncated":true`, "the truncation should be flagged")
	require.Contains(t, joined, "echo pwned", "a snippet of the content should be in the evidence")
}

func TestFTPDownloadsAreRefused(t *testing.T) {
	_, client, reader := startFTPSession(t)

	sendLine(t, client, "RETR /etc/passwd")
	require.True(t, strings.HasPrefix(readLine(t, reader), "550 "), "downloads must be refused")

	sendLine(t, client, "STOR x")
	require.True(t, strings.HasPrefix(readLine(t, reader), "425 "), "STOR without PASV should ask for a data connection")

	sendLine(t, client, "QUIT")
	require.True(t, strings.HasPrefix(readLine(t, reader), "221 "), "QUIT should say goodbye")
}
