package testutils

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

// Listen opens a TCP listener on a random loopback port. The listener is
// closed when the test ends.
func Listen(t testing.TB) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// LineClient speaks a CRLF line protocol such as POP3 or SMTP.
type LineClient struct {
	t    testing.TB
	Conn net.Conn
	r    *bufio.Reader
}

// Dial connects to addr. Every read is bounded by a five second deadline.
func Dial(t testing.TB, addr string) *LineClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &LineClient{t: t, Conn: conn, r: bufio.NewReader(conn)}
}

// ReadLine returns the next line without its terminator.
func (c *LineClient) ReadLine() string {
	c.t.Helper()
	c.Conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v (partial %q)", err, line)
	}
	return strings.TrimRight(line, "\r\n")
}

// Send writes line followed by CRLF.
func (c *LineClient) Send(line string) {
	c.t.Helper()
	if _, err := c.Conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

// Cmd sends line and returns the first response line.
func (c *LineClient) Cmd(line string) string {
	c.t.Helper()
	c.Send(line)
	return c.ReadLine()
}

// ReadMultiline reads lines up to the "." terminator and returns them
// as received, still dot-stuffed.
func (c *LineClient) ReadMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.ReadLine()
		if line == "." {
			return lines
		}
		lines = append(lines, line)
	}
}

// Closed reports whether the server closed the connection.
func (c *LineClient) Closed() bool {
	c.Conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.r.ReadByte()
	return err != nil
}
