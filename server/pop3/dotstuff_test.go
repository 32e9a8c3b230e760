package pop3

import (
	"strings"
	"testing"

	"github.com/migadu/mop3/social"
	"github.com/migadu/mop3/translator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unstuff reverses the byte-stuffing a POP3 client undoes on a multi-line
// response.
func unstuff(body string) string {
	lines := strings.Split(body, "\r\n")
	for i, l := range lines {
		lines[i] = strings.TrimPrefix(l, ".")
	}
	return strings.Join(lines, "\r\n")
}

func TestMultilineBody(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "empty", raw: "", want: ""},
		{name: "ends with crlf", raw: "a\r\nb\r\n", want: "a\r\nb\r\n"},
		{name: "missing final crlf", raw: "a\r\nb", want: "a\r\nb\r\n"},
		{name: "bare lf at the end", raw: "a\r\nb\n", want: "a\r\nb\r\n"},
		{name: "leading dot", raw: ".hidden\r\n", want: "..hidden\r\n"},
		{name: "dot after a line break", raw: "a\r\n.b\r\n", want: "a\r\n..b\r\n"},
		{name: "lone dot line", raw: "a\r\n.\r\nb\r\n", want: "a\r\n..\r\nb\r\n"},
		{name: "dot in the middle of a line", raw: "a.b\r\n", want: "a.b\r\n"},
		{name: "already doubled", raw: "..x\r\n", want: "...x\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, multilineBody([]byte(tt.raw)))
		})
	}
}

func TestMultilineBodyFramesTranslatedPosts(t *testing.T) {
	tests := []struct {
		name string
		post social.Post
		opts translator.Options
	}{
		{
			name: "plain text with dot lines",
			post: social.Post{ID: "1", Author: "bob", Content: ".\n.hidden\n..\nend."},
		},
		{
			name: "html body",
			post: social.Post{ID: "2", Author: "bob", Content: "<p>.</p><p>.dot</p>", IsHTML: true},
			opts: translator.Options{HTML: true},
		},
		{
			name: "with link",
			post: social.Post{ID: "3", Author: "bob", Content: "see\n.https://example.org/x", URL: "https://example.social/@bob/3"},
			opts: translator.Options{IncludeURL: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Domain = "mop3.test"
			msg, err := translator.PostToMessage(tt.post, tt.opts)
			require.NoError(t, err)

			body := multilineBody(msg.Raw)
			require.True(t, strings.HasSuffix(body, "\r\n"))
			for _, line := range strings.Split(strings.TrimSuffix(body, "\r\n"), "\r\n") {
				assert.NotEqual(t, ".", line, "terminator inside the body")
			}

			want := string(msg.Raw)
			if !strings.HasSuffix(want, "\r\n") {
				want = strings.TrimSuffix(want, "\n") + "\r\n"
			}
			assert.Equal(t, want, unstuff(body))
		})
	}
}

func TestTopOfTranslatedPost(t *testing.T) {
	post := social.Post{ID: "4", Author: "bob", Content: "first\nsecond\nthird"}
	msg, err := translator.PostToMessage(post, translator.Options{Domain: "mop3.test"})
	require.NoError(t, err)

	header, _, found := strings.Cut(string(msg.Raw), "\r\n\r\n")
	require.True(t, found)

	tests := []struct {
		name  string
		n     int
		lines int
	}{
		{name: "header only", n: 0, lines: 0},
		{name: "one line", n: 1, lines: 1},
		{name: "beyond the body", n: 100, lines: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			top := string(topOfMessage(msg.Raw, tt.n))
			require.True(t, strings.HasPrefix(top, header+"\r\n\r\n"))
			body := strings.TrimPrefix(top, header+"\r\n\r\n")
			if tt.lines < 0 {
				assert.Equal(t, string(msg.Raw), top)
				return
			}
			assert.Equal(t, tt.lines, strings.Count(body, "\n"))
		})
	}
}
