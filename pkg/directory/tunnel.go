package directory

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/newtexec/pkg/util"
)

// SSHTunnel forwards a local TCP port to an address reachable from an SSH
// host. It is used to reach a Redis directory that only listens on the
// loopback interface of a remote machine.
type SSHTunnel struct {
	localAddr  string
	remoteAddr string
	client     *ssh.Client
	listener   net.Listener
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewSSHTunnel connects to sshAddr and starts forwarding a random local port
// to remoteAddr as seen from that host.
func NewSSHTunnel(ctx context.Context, sshAddr string, config *ssh.ClientConfig, remoteAddr string) (*SSHTunnel, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", sshAddr)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", sshAddr, err)
	}
	if config.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(config.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, sshAddr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", sshAddr, err)
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("local listen: %w", err)
	}

	t := &SSHTunnel{
		localAddr:  listener.Addr().String(),
		remoteAddr: remoteAddr,
		client:     client,
		listener:   listener,
		done:       make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()

	util.Logger.WithField("ssh", sshAddr).Debugf("Tunnel %s -> %s", t.localAddr, remoteAddr)
	return t, nil
}

// LocalAddr returns the local address (e.g. "127.0.0.1:54321") that forwards
// to the remote address.
func (t *SSHTunnel) LocalAddr() string {
	return t.localAddr
}

// Close stops the listener, waits for forwarded connections to finish and
// closes the SSH connection. It is safe to call more than once.
func (t *SSHTunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.listener.Close()
		// unblocks forwarders still copying
		err = t.client.Close()
		t.wg.Wait()
	})
	return err
}

func (t *SSHTunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *SSHTunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.client.Dial("tcp", t.remoteAddr)
	if err != nil {
		util.Warnf("tunnel: dialing %s: %v", t.remoteAddr, err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}
