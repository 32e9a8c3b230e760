package pop3

import (
	"bytes"
	"fmt"
	"strings"
)

// buildListResponseLines builds the multi-line response body for the LIST command.
// Per RFC 1939 §5, message numbers must remain stable throughout a POP3 session.
// Deleted messages must be skipped, but remaining messages keep their original numbers.
func buildListResponseLines(mb *Mailbox) []string {
	var lines []string
	for i, e := range mb.entries {
		if !e.deleted {
			lines = append(lines, fmt.Sprintf("%d %d", i+1, e.msg.Size()))
		}
	}
	return lines
}

// buildUIDLResponseLines builds the multi-line response body for the UIDL command.
func buildUIDLResponseLines(mb *Mailbox) []string {
	var lines []string
	for i, e := range mb.entries {
		if !e.deleted {
			lines = append(lines, fmt.Sprintf("%d %s", i+1, e.msg.UID))
		}
	}
	return lines
}

// buildSingleListResponse builds the response for a single-message LIST query.
// Returns (false, "") if the message number is out of range or deleted.
func buildSingleListResponse(mb *Mailbox, msgNumber int) (bool, string) {
	msg, err := mb.Get(msgNumber)
	if err != nil {
		return false, ""
	}
	return true, fmt.Sprintf("%d %d", msgNumber, msg.Size())
}

func buildSingleUIDLResponse(mb *Mailbox, msgNumber int) (bool, string) {
	msg, err := mb.Get(msgNumber)
	if err != nil {
		return false, ""
	}
	return true, fmt.Sprintf("%d %s", msgNumber, msg.UID)
}

// dotStuffPOP3 doubles the leading dot of every line so that no line of the
// body can be taken for the terminator.
func dotStuffPOP3(s string) string {
	if !strings.HasPrefix(s, ".") && !strings.Contains(s, "\n.") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	atLineStart := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if atLineStart && c == '.' {
			b.WriteByte('.')
		}
		b.WriteByte(c)
		atLineStart = c == '\n'
	}
	return b.String()
}

// multilineBody prepares a message for a RETR or TOP response: dot-stuffed,
// with a final CRLF so the terminator starts on its own line.
func multilineBody(raw []byte) string {
	body := dotStuffPOP3(string(raw))
	if body != "" && !strings.HasSuffix(body, "\r\n") {
		body = strings.TrimSuffix(body, "\n") + "\r\n"
	}
	return body
}

// topOfMessage returns the header, the separating blank line and the first
// n lines of the body.
func topOfMessage(raw []byte, n int) []byte {
	sep := []byte("\r\n\r\n")
	i := bytes.Index(raw, sep)
	if i < 0 {
		return raw
	}
	head := raw[:i+len(sep)]
	body := raw[i+len(sep):]

	end := 0
	for lines := 0; lines < n && end < len(body); lines++ {
		next := bytes.IndexByte(body[end:], '\n')
		if next < 0 {
			end = len(body)
			break
		}
		end += next + 1
	}

	out := make([]byte, 0, len(head)+end)
	out = append(out, head...)
	return append(out, body[:end]...)
}
