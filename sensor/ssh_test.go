package sensor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newSSHListener(t *testing.T, afs afero.Fs) (*SSHListener, *eventCollector) {
	t.Helper()
	collector := &eventCollector{}
	listener, err := NewSSH(testConfig(), afs, collector.emit, NewTrackers())
	require.NoError(t, err, "the listener should build with a fresh key store")
	return listener, collector
}

func dialSSHSession(t *testing.T, listener *SSHListener) (net.Conn, chan struct{}) {
	t.Helper()

	server, client := net.Pipe()
	done := make(chan struct{})
	sess := NewSession("ssh", server)
	go func() {
		defer close(done)
		listener.handle(context.Background(), sess, server)
	}()
	t.Cleanup(func() {
		client.Close()
		server.Close()
		<-done
	})
	return client, done
}

func sshClientConfig(user, password string) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
}

func TestSSHRejectsAllPasswords(t *testing.T) {
	fastAuthDelay(t)
	listener, collector := newSSHListener(t, afero.NewMemMapFs())

	for i := 0; i < 3; i++ {
		client, done := dialSSHSession(t, listener)
		_, _, _, err := ssh.NewClientConn(client, "honeypot", sshClientConfig("root", "toor"))
		require.Error(t, err, "authentication must never succeed")
		client.Close()
		<-done
	}

	events := collector.byKind("ssh_bruteforce")
	require.Len(t, events, 1, "the third rejected connection should fire the bruteforce rule")
	require.Equal(t, 3, events[0].Frequency, "the event should carry the attempt count")
}

func TestSSHScanTimerFiresWithoutAuth(t *testing.T) {
	originalTimeout := sshScanTimeout
	sshScanTimeout = 50 * time.Millisecond
	t.Cleanup(func() { sshScanTimeout = originalTimeout })

	listener, collector := newSSHListener(t, afero.NewMemMapFs())
	client, _ := dialSSHSession(t, listener)

	// hold the connection open without speaking ssh at all
	require.Eventually(t, func() bool {
		return len(collector.byKind("port_scan")) == 1
	}, 2*time.Second, 10*time.Millisecond, "an idle connection should be reported as a port scan")

	client.Close()
}

func TestSSHScanTimerCancelledByAuth(t *testing.T) {
	fastAuthDelay(t)
	originalTimeout := sshScanTimeout
	sshScanTimeout = 200 * time.Millisecond
	t.Cleanup(func() { sshScanTimeout = originalTimeout })

	listener, collector := newSSHListener(t, afero.NewMemMapFs())
	client, done := dialSSHSession(t, listener)

	_, _, _, err := ssh.NewClientConn(client, "honeypot", sshClientConfig("admin", "admin"))
	require.Error(t, err, "authentication must never succeed")
	client.Close()
	<-done

	time.Sleep(300 * time.Millisecond)
	require.Empty(t, collector.byKind("port_scan"), "an authentication attempt must cancel the scan timer")
}

func TestSSHHostKeyPersistsAcrossRestarts(t *testing.T) {
	afs := afero.NewMemMapFs()

	first, _ := newSSHListener(t, afs)
	keyBytes, err := afero.ReadFile(afs, "/keys/"+hostKeyFile)
	require.NoError(t, err, "the generated key should be written to the key store")
	require.NotEmpty(t, keyBytes, "the key file should not be empty")

	second, _ := newSSHListener(t, afs)
	require.Equal(t, first.hostKey.PublicKey().Marshal(), second.hostKey.PublicKey().Marshal(),
		"a rebuilt listener should present the same host key")

	unchanged, err := afero.ReadFile(afs, "/keys/"+hostKeyFile)
	require.NoError(t, err, "the key file should still be readable")
	require.Equal(t, keyBytes, unchanged, "loading must not rewrite the key file")
}

func TestSSHServerAnnouncesConfiguredBanner(t *testing.T) {
	listener, _ := newSSHListener(t, afero.NewMemMapFs())
	client, _ := dialSSHSession(t, listener)

	buf := make([]byte, 256)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err, "the version banner should be readable")
	require.Contains(t, string(buf[:n]), "SSH-2.0-OpenSSH_8.2p1", "the configured banner should be announced")
}
