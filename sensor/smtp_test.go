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

func startSMTPSession(t *testing.T) (*eventCollector, net.Conn, *bufio.Reader, chan struct{}) {
	t.Helper()

	collector := &eventCollector{}
	cfg := testConfig()
	listener := NewSMTP(cfg, collector.emit, NewTrackers(), NewPatterns(cfg.Detection), "smtp", 25)

	server, client := net.Pipe()
	done := make(chan struct{})
	sess := NewSession("smtp", server)
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
	return collector, client, reader, done
}

func readEhloResponse(t *testing.T, reader *bufio.Reader) {
	t.Helper()
	for {
		line := readLine(t, reader)
		if strings.HasPrefix(line, "250 ") {
			return
		}
		require.True(t, strings.HasPrefix(line, "250-"), "EHLO lines should all carry a 250 code")
	}
}

func TestSMTPRelayProbeEmitsOnClose(t *testing.T) {
	collector, client, reader, done := startSMTPSession(t)

	sendLine(t, client, "EHLO relay.test")
	readEhloResponse(t, reader)
	sendLine(t, client, "MAIL FROM:<bulk@sender.example>")
	readLine(t, reader)

	domains := []string{"a.example", "b.example", "c.example", "d.example"}
	for i := 0; i < 6; i++ {
		sendLine(t, client, fmt.Sprintf("RCPT TO:<user%d@%s>", i, domains[i%len(domains)]))
		require.True(t, strings.HasPrefix(readLine(t, reader), "250 "), "recipients should be accepted")
	}

	sendLine(t, client, "QUIT")
	readLine(t, reader)
	<-done

	relays := collector.byKind("smtp_relay_attempt")
	require.Len(t, relays, 1, "six recipients across four domains should read as a relay probe")
	require.Equal(t, 6, relays[0].Frequency, "the event should carry the recipient count")
	require.Empty(t, collector.byKind("email_harvesting"), "the harvesting rule must not fire for six recipients")
}

func TestSMTPHarvestingOutranksRelay(t *testing.T) {
	collector, client, reader, done := startSMTPSession(t)

	sendLine(t, client, "HELO harvester.test")
	readLine(t, reader)
	sendLine(t, client, "MAIL FROM:<probe@sender.example>")
	readLine(t, reader)

	for i := 0; i < 11; i++ {
		sendLine(t, client, fmt.Sprintf("RCPT TO:<target%d@victim.example>", i))
		readLine(t, reader)
	}

	sendLine(t, client, "QUIT")
	readLine(t, reader)
	<-done

	require.Len(t, collector.byKind("email_harvesting"), 1, "eleven recipients should read as harvesting")
	require.Empty(t, collector.byKind("smtp_relay_attempt"), "harvesting should win over the relay rule")
}

func TestSMTPVerifyProbesCountTowardHarvesting(t *testing.T) {
	collector, client, reader, done := startSMTPSession(t)

	sendLine(t, client, "HELO probe.test")
	readLine(t, reader)
	for i := 0; i < 6; i++ {
		sendLine(t, client, fmt.Sprintf("VRFY user%d", i))
		readLine(t, reader)
	}

	sendLine(t, client, "QUIT")
	readLine(t, reader)
	<-done

	require.Len(t, collector.byKind("email_harvesting"), 1, "six VRFY probes should read as harvesting")
}

func TestSMTPSpamBodyDetection(t *testing.T) {
	collector, client, reader, done := startSMTPSession(t)

	sendLine(t, client, "HELO spam.test")
	readLine(t, reader)
	sendLine(t, client, "MAIL FROM:<offers@sender.example>")
	readLine(t, reader)
	sendLine(t, client, "RCPT TO:<victim@victim.example>")
	readLine(t, reader)

	sendLine(t, client, "DATA")
	require.True(t, strings.HasPrefix(readLine(t, reader), "354 "), "DATA should be accepted")
	for i := 0; i < 11; i++ {
		sendLine(t, client, fmt.Sprintf("Check out http://deals.example/%d", i))
	}
	sendLine(t, client, ".")
	require.True(t, strings.HasPrefix(readLine(t, reader), "250 "), "the message should be accepted")

	sendLine(t, client, "QUIT")
	readLine(t, reader)
	<-done

	spam := collector.byKind("smtp_spam_attempt")
	require.Len(t, spam, 1, "a body with eleven links should read as spam")
	require.Contains(t, strings.Join(spam[0].Evidence, " "), "url_count", "the event should carry the link count")
}

func TestSMTPSpamPhraseDetection(t *testing.T) {
	collector, client, reader, done := startSMTPSession(t)

	sendLine(t, client, "HELO spam.test")
	readLine(t, reader)
	sendLine(t, client, "MAIL FROM:<offers@sender.example>")
	readLine(t, reader)
	sendLine(t, client, "RCPT TO:<victim@victim.example>")
	readLine(t, reader)

	sendLine(t, client, "DATA")
	readLine(t, reader)
	sendLine(t, client, "Act fast and claim your CRYPTO INVESTMENT returns")
	sendLine(t, client, ".")
	readLine(t, reader)

	sendLine(t, client, "QUIT")
	readLine(t, reader)
	<-done

	spam := collector.byKind("smtp_spam_attempt")
	require.Len(t, spam, 1, "a configured spam phrase should fire the rule")
	require.Contains(t, strings.Join(spam[0].Evidence, " "), "crypto investment", "the matched phrase should be in the evidence")
}

func TestSMTPAuthRejectionsAccumulate(t *testing.T) {
	fastAuthDelay(t)
	collector, client, reader, done := startSMTPSession(t)

	sendLine(t, client, "EHLO client.test")
	readEhloResponse(t, reader)

	for i := 0; i < 3; i++ {
		token := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("\x00admin\x00guess%d", i)))
		sendLine(t, client, "AUTH PLAIN "+token)
		require.True(t, strings.HasPrefix(readLine(t, reader), "535 "), "authentication must always fail")
	}

	sendLine(t, client, "QUIT")
	readLine(t, reader)
	<-done

	events := collector.byKind("smtp_bruteforce")
	require.Len(t, events, 1, "the third rejection should fire the bruteforce rule")
	require.Equal(t, 3, events[0].Frequency, "the event should carry the attempt count")
	require.Contains(t, strings.Join(events[0].Evidence, " "), "admin", "the attempted username should be in the evidence")
}

func TestSMTPCleanSessionEmitsNothing(t *testing.T) {
	collector, client, reader, done := startSMTPSession(t)

	sendLine(t, client, "EHLO friendly.test")
	readEhloResponse(t, reader)
	sendLine(t, client, "MAIL FROM:<a@friendly.example>")
	readLine(t, reader)
	sendLine(t, client, "RCPT TO:<b@victim.example>")
	readLine(t, reader)
	sendLine(t, client, "QUIT")
	readLine(t, reader)
	<-done

	require.Empty(t, collector.all(), "an ordinary short transaction must not emit anything")
}
