package pop3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/migadu/mop3/social"
	"github.com/migadu/mop3/testutils"
	"github.com/migadu/mop3/translator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDomain = "mop3.test"

func timeline() []social.Post {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// Newest first, as the API returns them.
	return []social.Post{
		{ID: "p3", Author: "carol@example.social", CreatedAt: base.Add(2 * time.Minute), Content: "<p>third post</p>", IsHTML: true},
		{ID: "p2", Author: "bob@example.social", CreatedAt: base.Add(time.Minute), Content: "second\n.dot line", IsHTML: false},
		{ID: "p1", Author: "alice@example.social", CreatedAt: base, Content: "<p>first post</p>", IsHTML: true},
	}
}

func startServer(t *testing.T, fake *testutils.FakeSocial, opts POP3ServerOptions) (*POP3Server, string) {
	t.Helper()
	srv, err := New(context.Background(), "pop3-test", testDomain, "", fake, opts)
	require.NoError(t, err)

	ln := testutils.Listen(t)
	go srv.Serve(ln)
	t.Cleanup(srv.Close)
	return srv, ln.Addr().String()
}

func login(t *testing.T, addr string) *testutils.LineClient {
	t.Helper()
	c := testutils.Dial(t, addr)
	require.Equal(t, "+OK MOP3 ready", c.ReadLine())
	require.True(t, strings.HasPrefix(c.Cmd("USER alice@example.social"), "+OK"))
	resp := c.Cmd("PASS token")
	require.True(t, strings.HasPrefix(resp, "+OK maildrop has"), resp)
	return c
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(context.Background(), "pop3", testDomain, "", nil, POP3ServerOptions{})
	assert.Error(t, err)
}

func TestSessionTransaction(t *testing.T) {
	fake := testutils.NewFakeSocial(timeline()...)
	_, addr := startServer(t, fake, POP3ServerOptions{TimelineLimit: 20})
	c := login(t, addr)

	assert.Equal(t, []int{20}, fake.Limits())

	stat := c.Cmd("STAT")
	var count, size int
	_, err := fmt.Sscanf(stat, "+OK %d %d", &count, &size)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.True(t, strings.HasPrefix(c.Cmd("LIST"), "+OK 3 messages"))
	sum := 0
	for i, line := range c.ReadMultiline() {
		var n, sz int
		_, err := fmt.Sscanf(line, "%d %d", &n, &sz)
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
		sum += sz
	}
	assert.Equal(t, size, sum)

	require.True(t, strings.HasPrefix(c.Cmd("UIDL"), "+OK"))
	assert.Equal(t, []string{
		"1 " + translator.UID("p1"),
		"2 " + translator.UID("p2"),
		"3 " + translator.UID("p3"),
	}, c.ReadMultiline())

	// Oldest post is message 1.
	require.True(t, strings.HasPrefix(c.Cmd("RETR 1"), "+OK"))
	body := strings.Join(c.ReadMultiline(), "\n")
	assert.Contains(t, body, "Message-Id: "+translator.MessageID("p1", testDomain))
	assert.Contains(t, body, "first post")

	assert.Equal(t, "+OK "+"3 "+translator.UID("p3"), c.Cmd("UIDL 3"))
	assert.True(t, strings.HasPrefix(c.Cmd("NOOP"), "+OK"))
	assert.Equal(t, "+OK MOP3 signing off", c.Cmd("QUIT"))
	assert.True(t, c.Closed())
}

func TestSessionDeleteAndReset(t *testing.T) {
	fake := testutils.NewFakeSocial(timeline()...)
	_, addr := startServer(t, fake, POP3ServerOptions{})
	c := login(t, addr)

	stat := c.Cmd("STAT")
	assert.True(t, strings.HasPrefix(stat, "+OK 3 "))

	assert.Equal(t, "+OK Message 2 deleted", c.Cmd("DELE 2"))
	assert.Equal(t, "-ERR Message already deleted", c.Cmd("DELE 2"))
	assert.Equal(t, "-ERR Message already deleted", c.Cmd("RETR 2"))
	assert.Equal(t, "-ERR No such message", c.Cmd("DELE 9"))
	assert.Equal(t, "-ERR No such message", c.Cmd("LIST 2"))
	assert.Equal(t, "-ERR Invalid message number", c.Cmd("DELE x"))

	assert.True(t, strings.HasPrefix(c.Cmd("STAT"), "+OK 2 "))
	require.True(t, strings.HasPrefix(c.Cmd("LIST"), "+OK"))
	lines := c.ReadMultiline()
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "1 "))
	assert.True(t, strings.HasPrefix(lines[1], "3 "))

	assert.True(t, strings.HasPrefix(c.Cmd("RSET"), "+OK maildrop has 3 messages"))
	assert.Equal(t, stat, c.Cmd("STAT"))

	c.Cmd("DELE 1")
	c.Cmd("QUIT")

	// Deletion never reaches the social network.
	c2 := login(t, addr)
	assert.True(t, strings.HasPrefix(c2.Cmd("STAT"), "+OK 3 "))
	assert.Zero(t, fake.Calls(testutils.OpPostStatus))
}

func TestSessionDotStuffing(t *testing.T) {
	fake := testutils.NewFakeSocial(timeline()...)
	_, addr := startServer(t, fake, POP3ServerOptions{})
	c := login(t, addr)

	require.True(t, strings.HasPrefix(c.Cmd("RETR 2"), "+OK"))
	lines := c.ReadMultiline()
	assert.Contains(t, lines, "..dot line")
	assert.NotContains(t, lines, ".dot line")
}

func TestSessionTop(t *testing.T) {
	fake := testutils.NewFakeSocial(timeline()...)
	_, addr := startServer(t, fake, POP3ServerOptions{})
	c := login(t, addr)

	require.Equal(t, "+OK top of message follows", c.Cmd("TOP 1 0"))
	lines := c.ReadMultiline()
	require.NotEmpty(t, lines)
	assert.Equal(t, "", lines[len(lines)-1])
	assert.Contains(t, strings.Join(lines, "\n"), "Subject:")

	assert.Equal(t, "-ERR Missing argument for TOP", c.Cmd("TOP 1"))
	assert.Equal(t, "-ERR Invalid line count", c.Cmd("TOP 1 -1"))
}

func TestSessionCapa(t *testing.T) {
	fake := testutils.NewFakeSocial()
	_, addr := startServer(t, fake, POP3ServerOptions{})
	c := testutils.Dial(t, addr)
	c.ReadLine()

	require.True(t, strings.HasPrefix(c.Cmd("CAPA"), "+OK"))
	assert.Equal(t, []string{"USER", "TOP", "UIDL", "RESP-CODES", "AUTH-RESP-CODE", "IMPLEMENTATION MOP3"}, c.ReadMultiline())
}

func TestSessionInvalidState(t *testing.T) {
	fake := testutils.NewFakeSocial(timeline()...)
	_, addr := startServer(t, fake, POP3ServerOptions{})
	c := testutils.Dial(t, addr)
	c.ReadLine()

	for _, cmd := range []string{"STAT", "LIST", "RETR 1", "DELE 1", "UIDL", "TOP 1 1", "RSET", "NOOP"} {
		assert.Equal(t, "-ERR Command not valid in this state", c.Cmd(cmd), cmd)
	}
	assert.Equal(t, "-ERR Must provide USER first", c.Cmd("PASS token"))
	assert.Equal(t, "-ERR Unknown command: XYZZY", c.Cmd("XYZZY"))
	assert.Zero(t, fake.Calls(testutils.OpAuthenticate))

	c.Cmd("USER alice")
	require.True(t, strings.HasPrefix(c.Cmd("PASS token"), "+OK"))
	assert.Equal(t, "-ERR Already authenticated", c.Cmd("USER bob"))
}

func TestSessionAuthFailures(t *testing.T) {
	tests := []struct {
		name     string
		op       string
		err      error
		expected string
	}{
		{name: "timeout", op: testutils.OpAuthenticate, err: social.ErrTimeout, expected: "-ERR [SYS/TEMP]"},
		{name: "invalid", op: testutils.OpAuthenticate, err: social.ErrAuthInvalid, expected: "-ERR [AUTH]"},
		{name: "timeline unavailable", op: testutils.OpFetchTimeline, err: social.ErrBackend, expected: "-ERR [SYS/TEMP]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutils.NewFakeSocial(timeline()...)
			fake.Fail(tt.op, tt.err, 1)
			_, addr := startServer(t, fake, POP3ServerOptions{MaxErrors: 1})

			c := testutils.Dial(t, addr)
			c.ReadLine()
			c.Cmd("USER alice")
			assert.True(t, strings.HasPrefix(c.Cmd("PASS token"), tt.expected))

			// Still in AUTHORIZATION and free to retry.
			assert.Equal(t, "-ERR Command not valid in this state", c.Cmd("STAT"))
			assert.True(t, strings.HasPrefix(c.Cmd("PASS token"), "+OK maildrop has 3 messages"))
		})
	}
}

func TestSessionWrongToken(t *testing.T) {
	fake := testutils.NewFakeSocial(timeline()...)
	fake.RequireToken("alice", "right")
	_, addr := startServer(t, fake, POP3ServerOptions{})

	c := testutils.Dial(t, addr)
	c.ReadLine()
	c.Cmd("USER alice")
	assert.Equal(t, "-ERR [AUTH] Authentication failed", c.Cmd("PASS wrong"))
	assert.True(t, strings.HasPrefix(c.Cmd("PASS right"), "+OK"))
}

func TestConfiguredCredentials(t *testing.T) {
	fake := testutils.NewFakeSocial(timeline()...)
	fake.RequireToken("alice@example.social", "secret")
	_, addr := startServer(t, fake, POP3ServerOptions{Account: "alice@example.social", Token: "secret"})

	c := testutils.Dial(t, addr)
	c.ReadLine()
	c.Cmd("USER whoever")
	assert.True(t, strings.HasPrefix(c.Cmd("PASS anything"), "+OK maildrop has 3 messages"))
}

func TestSessionMediaDownload(t *testing.T) {
	const proxy = "http://proxy.test/?u="
	post := social.Post{
		ID:        "m1",
		Author:    "alice@example.social",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Content:   "look",
		Media: []social.Media{
			{URL: "https://cdn.example/cat.png", ContentType: "image/png"},
			{URL: "https://cdn.example/gone.png", ContentType: "image/png"},
		},
	}
	fake := testutils.NewFakeSocial(post)
	fake.AddMedia(proxy+"https://cdn.example/cat.png", []byte("\x89PNG cat"), "image/png")

	_, addr := startServer(t, fake, POP3ServerOptions{Translate: translator.Options{Attachment: true, Proxy: proxy}})
	c := login(t, addr)

	assert.Equal(t, 2, fake.Calls(testutils.OpFetchMedia))
	require.True(t, strings.HasPrefix(c.Cmd("RETR 1"), "+OK"))
	body := strings.Join(c.ReadMultiline(), "\n")
	assert.Contains(t, body, "cat.png")
	assert.NotContains(t, body, "gone.png")
}

func TestSessionMediaDownloadIsBounded(t *testing.T) {
	post := social.Post{
		ID:        "m2",
		Author:    "alice@example.social",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Content:   "slow cdn",
	}
	// Three stalled downloads, a fast one, then three more stalled ones.
	var slow []string
	for i := 0; i < 6; i++ {
		url := fmt.Sprintf("https://slow.example/%d.png", i)
		slow = append(slow, url)
		post.Media = append(post.Media, social.Media{URL: url, ContentType: "image/png"})
		if i == 2 {
			post.Media = append(post.Media, social.Media{URL: "https://cdn.example/cat.png", ContentType: "image/png"})
		}
	}

	fake := testutils.NewFakeSocial(post)
	for _, url := range slow {
		fake.StallMedia(url)
	}
	fake.AddMedia("https://cdn.example/cat.png", []byte("\x89PNG cat"), "image/png")

	const budget = 300 * time.Millisecond
	_, addr := startServer(t, fake, POP3ServerOptions{
		Translate:    translator.Options{Attachment: true},
		MediaTimeout: budget,
	})

	c := testutils.Dial(t, addr)
	c.ReadLine()
	c.Cmd("USER alice@example.social")
	start := time.Now()
	resp := c.Cmd("PASS token")
	elapsed := time.Since(start)

	require.True(t, strings.HasPrefix(resp, "+OK maildrop has 1 messages"), resp)
	assert.Less(t, elapsed, 4*budget, "stalled downloads share one deadline")
	assert.GreaterOrEqual(t, fake.Calls(testutils.OpFetchMedia), 4)

	require.True(t, strings.HasPrefix(c.Cmd("RETR 1"), "+OK"))
	body := strings.Join(c.ReadMultiline(), "\n")
	assert.Contains(t, body, "cat.png")
	assert.NotContains(t, body, "0.png")
}

func TestSessionSkipsMediaWithoutFlags(t *testing.T) {
	post := timeline()[0]
	post.Media = []social.Media{{URL: "https://cdn.example/cat.png"}}
	fake := testutils.NewFakeSocial(post)
	_, addr := startServer(t, fake, POP3ServerOptions{})
	login(t, addr)

	assert.Zero(t, fake.Calls(testutils.OpFetchMedia))
}

func TestTooManyErrors(t *testing.T) {
	fake := testutils.NewFakeSocial()
	_, addr := startServer(t, fake, POP3ServerOptions{MaxErrors: 2})
	c := testutils.Dial(t, addr)
	c.ReadLine()

	assert.True(t, strings.HasPrefix(c.Cmd("BOGUS"), "-ERR Unknown command"))
	assert.True(t, strings.HasPrefix(c.Cmd("BOGUS"), "-ERR Unknown command"))
	assert.Equal(t, "-ERR Too many errors, closing connection", c.Cmd("BOGUS"))
	assert.True(t, c.Closed())
}

func TestIdleTimeout(t *testing.T) {
	fake := testutils.NewFakeSocial()
	_, addr := startServer(t, fake, POP3ServerOptions{IdleTimeout: 100 * time.Millisecond})
	c := testutils.Dial(t, addr)
	c.ReadLine()

	assert.Equal(t, "-ERR Connection timed out due to inactivity", c.ReadLine())
	assert.True(t, c.Closed())
}

func TestCommandLineTooLong(t *testing.T) {
	fake := testutils.NewFakeSocial()
	_, addr := startServer(t, fake, POP3ServerOptions{})
	c := testutils.Dial(t, addr)
	c.ReadLine()

	assert.Equal(t, "-ERR Line too long", c.Cmd("USER "+strings.Repeat("a", 2*maxCommandLength)))
	assert.True(t, c.Closed())
}

func TestGracefulShutdown(t *testing.T) {
	fake := testutils.NewFakeSocial(timeline()...)
	srv, addr := startServer(t, fake, POP3ServerOptions{})
	c := login(t, addr)

	require.Eventually(t, func() bool { return srv.GetAuthenticatedConnections() == 1 }, time.Second, 10*time.Millisecond)

	srv.Close()
	assert.Equal(t, "-ERR [SYS/TEMP] Server shutting down, please reconnect", c.ReadLine())
	assert.True(t, c.Closed())
	assert.Eventually(t, func() bool { return srv.GetTotalConnections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConnectionAfterCloseIsRejected(t *testing.T) {
	fake := testutils.NewFakeSocial(timeline()...)
	srv, err := New(context.Background(), "pop3-test", testDomain, "", fake, POP3ServerOptions{})
	require.NoError(t, err)

	ln := testutils.NewManualListener(t)
	go srv.Serve(ln)
	srv.Close()

	conn := ln.Connect()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	n, err := conn.Read(make([]byte, 64))
	assert.Zero(t, n, "no greeting after Close")
	assert.ErrorIs(t, err, io.EOF)
	assert.Eventually(t, func() bool { return srv.GetTotalConnections() == 0 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, fake.Calls(testutils.OpAuthenticate))
}
