package sensor

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func startMySQLSession(t *testing.T, listener *MySQLListener) net.Conn {
	t.Helper()

	server, client := net.Pipe()
	done := make(chan struct{})
	sess := NewSession("mysql", server)
	go func() {
		defer close(done)
		listener.handle(context.Background(), sess, server)
	}()
	t.Cleanup(func() {
		client.Close()
		server.Close()
		<-done
	})
	return client
}

func newMySQLListener(t *testing.T) (*MySQLListener, *eventCollector) {
	t.Helper()
	collector := &eventCollector{}
	return NewMySQL(testConfig(), collector.emit, NewTrackers()), collector
}

// buildAuthResponse assembles a protocol 4.1 HandshakeResponse with the
// given username and an opaque 20 byte auth token.
func buildAuthResponse(username string) []byte {
	var buf bytes.Buffer
	var scratch [4]byte

	binary.LittleEndian.PutUint32(scratch[:], capProtocol41|capSecureConnection)
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:], 1<<24)
	buf.Write(scratch[:])
	buf.WriteByte(mysqlCharsetUTF8)
	buf.Write(make([]byte, 23))
	buf.WriteString(username)
	buf.WriteByte(0x00)
	buf.WriteByte(20)
	buf.Write(make([]byte, 20))

	return buf.Bytes()
}

func TestMySQLHandshakeShape(t *testing.T) {
	listener, _ := newMySQLListener(t)
	client := startMySQLSession(t, listener)

	seq, payload, err := readMySQLPacket(client)
	require.NoError(t, err, "the handshake should be readable")
	require.EqualValues(t, 0, seq, "the handshake carries sequence id zero")
	require.Equal(t, byte(mysqlProtocolVersion), payload[0], "the protocol version should lead the payload")

	nul := bytes.IndexByte(payload[1:], 0x00)
	require.Greater(t, nul, 0, "the server version should be null-terminated")
	require.Equal(t, "8.0.28", string(payload[1:1+nul]), "the configured server version should be announced")

	rest := payload[1+nul+1:]
	require.Equal(t, byte(0x00), rest[12], "the filler byte should follow the first salt half")
	require.Equal(t, byte(mysqlCharsetUTF8), rest[15], "the charset byte should be utf8")
	require.Equal(t, byte(mysqlSaltLen+1), rest[20], "the auth data length should cover the salt and terminator")
	require.Equal(t, make([]byte, 10), rest[21:31], "the reserved block should be zeroed")
	require.True(t, bytes.HasSuffix(payload, append([]byte(mysqlAuthPlugin), 0x00)),
		"the auth plugin name should close the payload")
}

func TestMySQLAuthAlwaysDenied(t *testing.T) {
	fastAuthDelay(t)
	listener, _ := newMySQLListener(t)
	client := startMySQLSession(t, listener)

	_, _, err := readMySQLPacket(client)
	require.NoError(t, err, "the handshake should be readable")

	require.NoError(t, writeMySQLPacket(client, 1, buildAuthResponse("root")), "the auth response should be written")

	seq, payload, err := readMySQLPacket(client)
	require.NoError(t, err, "the denial should be readable")
	require.EqualValues(t, 2, seq, "the denial should continue the sequence")
	require.Equal(t, byte(0xFF), payload[0], "the response must be an ERR packet")
	require.EqualValues(t, mysqlErrAccessDenied, binary.LittleEndian.Uint16(payload[1:3]), "the error code should be access denied")
	require.Equal(t, byte('#'), payload[3], "the sqlstate marker should follow the code")
	require.Equal(t, mysqlSQLStateDenied, string(payload[4:9]), "the sqlstate should be 28000")
	require.Contains(t, string(payload[9:]), "Access denied for user 'root'", "the message should name the user")
}

func TestMySQLQueryInspectionAfterDenial(t *testing.T) {
	fastAuthDelay(t)
	listener, collector := newMySQLListener(t)
	client := startMySQLSession(t, listener)

	_, _, err := readMySQLPacket(client)
	require.NoError(t, err, "the handshake should be readable")
	writeMySQLPacket(client, 1, buildAuthResponse("root"))
	_, _, err = readMySQLPacket(client)
	require.NoError(t, err, "the denial should be readable")

	query := "SELECT * FROM users WHERE name='' OR 1=1"
	require.NoError(t, writeMySQLPacket(client, 0, append([]byte{comQuery}, query...)), "the query should be written")

	_, payload, err := readMySQLPacket(client)
	require.NoError(t, err, "the query response should be readable")
	require.Equal(t, byte(0xFF), payload[0], "queries must be answered with ERR, never OK")

	events := collector.byKind("mysql_sqli_attempt")
	require.Len(t, events, 1, "the injection pattern should be reported")
	require.Contains(t, strings.Join(events[0].Evidence, " "), "or 1=1", "the matched token should be in the evidence")

	writeMySQLPacket(client, 0, []byte{comQuit})
}

func TestMySQLBruteforceAcrossConnections(t *testing.T) {
	fastAuthDelay(t)
	listener, collector := newMySQLListener(t)

	for i := 0; i < 3; i++ {
		client := startMySQLSession(t, listener)
		_, _, err := readMySQLPacket(client)
		require.NoError(t, err, "the handshake should be readable")
		writeMySQLPacket(client, 1, buildAuthResponse("admin"))
		_, _, err = readMySQLPacket(client)
		require.NoError(t, err, "the denial should be readable")
		client.Close()
	}

	events := collector.byKind("mysql_bruteforce")
	require.Len(t, events, 1, "the third denied connection should fire the bruteforce rule")
	require.Contains(t, strings.Join(events[0].Evidence, " "), "admin", "the attempted username should be in the evidence")
}
