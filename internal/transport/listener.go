package transport

import (
	"context"
	"fmt"
	"net"
)

// Listener accepts peers for the server role.
type Listener struct {
	ln   net.Listener
	auth Authenticator
}

func Listen(ctx context.Context, addr string) (*Listener, error) {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return &Listener{ln: ln}, nil
}

// SetAuthenticator is handed to every accepted transport.
func (l *Listener) SetAuthenticator(auth Authenticator) {
	l.auth = auth
}

// Accept waits for the next peer. Cancelling ctx closes the listener.
func (l *Listener) Accept(ctx context.Context) (*TCP, error) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = l.ln.Close()
		case <-done:
		}
	}()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("accept: %w", err)
	}

	t := NewTCP(conn, true)
	t.SetAuthenticator(l.auth)

	return t, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
