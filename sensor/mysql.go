package sensor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/hivetrap/hivetrap/config"
)

// The MySQL emulation is wire-level only. It sends a real HandshakeV10,
// parses the client's auth response far enough to lift the username, and
// answers everything after that with access-denied errors. No credential
// ever authenticates, and no query is ever executed.
const (
	mysqlProtocolVersion  = 0x0a
	mysqlAuthPlugin       = "mysql_native_password"
	mysqlSaltLen          = 20
	mysqlCharsetUTF8      = 0x21
	mysqlStatusAutocommit = 0x0002
	mysqlErrAccessDenied  = 1045
	mysqlSQLStateDenied   = "28000"

	// mysqlMaxPayload bounds accepted client packets. Nothing legitimate in
	// the pre-auth phase comes close.
	mysqlMaxPayload = 1 << 16

	comQuit  = 0x01
	comQuery = 0x03

	capLongPassword     = 0x00000001
	capProtocol41       = 0x00000200
	capSecureConnection = 0x00008000
	capPluginAuth       = 0x00080000
)

var mysqlCapabilities = uint32(capLongPassword | capProtocol41 | capSecureConnection | capPluginAuth)

// MySQLListener emulates a MySQL server that always denies access.
type MySQLListener struct {
	tcpListener
	version string
	connID  atomic.Uint32
}

func NewMySQL(cfg *config.Config, emit EmitFunc, trackers *Trackers) *MySQLListener {
	return &MySQLListener{
		tcpListener: tcpListener{
			name:       "mysql",
			protocol:   "mysql",
			port:       cfg.Env.Modules.MySQL.Port,
			scanWindow: cfg.Env.ScanDuration,
			emit:       emit,
			trackers:   trackers,
		},
		version: cfg.Lures.MySQLVersion,
	}
}

func (l *MySQLListener) Start(ctx context.Context) error {
	return l.open(ctx, l.handle)
}

func (l *MySQLListener) handle(ctx context.Context, sess *Session, conn net.Conn) {
	salt := newMySQLSalt()
	if err := writeMySQLPacket(conn, 0, handshakePayload(l.version, l.connID.Add(1), salt)); err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
	seq, payload, err := readMySQLPacket(conn)
	if err != nil {
		return
	}

	username := parseHandshakeResponse(payload)
	l.failAuth(ctx, sess, username, "")
	writeMySQLPacket(conn, seq+1, errPacket(mysqlErrAccessDenied,
		fmt.Sprintf("Access denied for user '%s'@'%s' (using password: YES)", username, sess.SourceIP)))

	// Clients that keep talking after the denial are worth listening to,
	// their queries show what they came for.
	for {
		conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
		seq, payload, err := readMySQLPacket(conn)
		if err != nil || len(payload) == 0 {
			return
		}

		switch payload[0] {
		case comQuit:
			return
		case comQuery:
			query := string(payload[1:])
			sess.RecordCommand("QUERY")
			if token, hit := MatchSQLi(query); hit {
				l.emit(sess.Event(
					"mysql_sqli_attempt",
					"sql injection pattern in a query sent without authentication",
					fact(map[string]any{"query": truncate(query, 512)}),
					fact(map[string]any{"matched": token}),
				))
			}
			writeMySQLPacket(conn, seq+1, errPacket(mysqlErrAccessDenied, "Access denied"))
		default:
			writeMySQLPacket(conn, seq+1, errPacket(mysqlErrAccessDenied, "Access denied"))
		}
	}
}

// handshakePayload builds the HandshakeV10 body: protocol version, server
// version, connection id, the salt split into its 8 and 13 byte halves
// around the capability and status fields, and the auth plugin name.
func handshakePayload(version string, connID uint32, salt [mysqlSaltLen]byte) []byte {
	var buf bytes.Buffer
	var scratch [4]byte

	buf.WriteByte(mysqlProtocolVersion)
	buf.WriteString(version)
	buf.WriteByte(0x00)

	binary.LittleEndian.PutUint32(scratch[:], connID)
	buf.Write(scratch[:4])

	buf.Write(salt[:8])
	buf.WriteByte(0x00)

	binary.LittleEndian.PutUint16(scratch[:2], uint16(mysqlCapabilities))
	buf.Write(scratch[:2])

	buf.WriteByte(mysqlCharsetUTF8)

	binary.LittleEndian.PutUint16(scratch[:2], mysqlStatusAutocommit)
	buf.Write(scratch[:2])

	binary.LittleEndian.PutUint16(scratch[:2], uint16(mysqlCapabilities>>16))
	buf.Write(scratch[:2])

	// length of the auth plugin data, salt plus its terminator
	buf.WriteByte(mysqlSaltLen + 1)
	buf.Write(make([]byte, 10))

	buf.Write(salt[8:])
	buf.WriteByte(0x00)

	buf.WriteString(mysqlAuthPlugin)
	buf.WriteByte(0x00)

	return buf.Bytes()
}

// errPacket builds an ERR body with the marker byte, the error code, and
// the SQLSTATE block the 4.1 protocol expects.
func errPacket(code uint16, message string) []byte {
	var buf bytes.Buffer
	var scratch [2]byte

	buf.WriteByte(0xFF)
	binary.LittleEndian.PutUint16(scratch[:], code)
	buf.Write(scratch[:])
	buf.WriteByte('#')
	buf.WriteString(mysqlSQLStateDenied)
	buf.WriteString(message)

	return buf.Bytes()
}

// parseHandshakeResponse lifts the username out of the client's auth
// packet, handling both the 4.1 layout and the pre-4.1 one.
func parseHandshakeResponse(payload []byte) string {
	if len(payload) < 5 {
		return ""
	}

	clientCaps := uint32(binary.LittleEndian.Uint16(payload[:2]))
	offset := 2 + 3 // capabilities, max packet size
	if clientCaps&capProtocol41 != 0 {
		// capabilities(4), max packet(4), charset(1), reserved(23)
		offset = 4 + 4 + 1 + 23
	}
	if len(payload) <= offset {
		return ""
	}

	rest := payload[offset:]
	if idx := bytes.IndexByte(rest, 0x00); idx >= 0 {
		rest = rest[:idx]
	}
	return string(rest)
}

// writeMySQLPacket frames a payload with the 3 byte little-endian length
// and the sequence id.
func writeMySQLPacket(conn net.Conn, seq byte, payload []byte) error {
	header := []byte{
		byte(len(payload)),
		byte(len(payload) >> 8),
		byte(len(payload) >> 16),
		seq,
	}
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

// readMySQLPacket reads one framed packet, returning its sequence id and
// payload.
func readMySQLPacket(conn net.Conn) (byte, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, nil, err
	}

	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if length > mysqlMaxPayload {
		return 0, nil, fmt.Errorf("refusing %d byte mysql packet", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	return header[3], payload, nil
}

// newMySQLSalt draws the 20 byte auth challenge, folded into the printable
// range the way real servers send it.
func newMySQLSalt() [mysqlSaltLen]byte {
	var salt [mysqlSaltLen]byte
	rand.Read(salt[:])
	for i := range salt {
		salt[i] = 0x21 + salt[i]%0x5e
	}
	return salt
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
