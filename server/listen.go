package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Listen opens a TCP listener on address. With a non-nil tlsConfig every
// accepted connection performs an implicit TLS handshake (POP3S/SMTPS).
func Listen(ctx context.Context, address string, tlsConfig *tls.Config) (net.Listener, error) {
	lc := &net.ListenConfig{KeepAlive: 3 * time.Minute}
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	if tlsConfig != nil {
		return tls.NewListener(listener, tlsConfig), nil
	}
	return listener, nil
}
