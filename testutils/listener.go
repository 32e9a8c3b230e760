package testutils

import (
	"net"
	"sync"
	"testing"
)

// ManualListener is a net.Listener fed by the test. Close does not stop
// Accept, so a server keeps accepting after its own shutdown; Accept only
// fails once the test ends.
type ManualListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func NewManualListener(t testing.TB) *ManualListener {
	l := &ManualListener{conns: make(chan net.Conn), done: make(chan struct{})}
	t.Cleanup(func() { l.once.Do(func() { close(l.done) }) })
	return l
}

// Connect hands the server end of a pipe to Accept and returns the client end.
func (l *ManualListener) Connect() net.Conn {
	client, server := net.Pipe()
	l.conns <- server
	return client
}

func (l *ManualListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *ManualListener) Close() error {
	return nil
}

func (l *ManualListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}
