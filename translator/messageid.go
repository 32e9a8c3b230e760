package translator

import (
	"encoding/base32"
	"encoding/hex"
	"strings"

	"lukechampine.com/blake3"
)

// idEncoding keeps arbitrary post ids (Mastodon snowflakes, at:// URIs) inside
// the dot-atom charset allowed in a msg-id and in an address local part.
var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const replyPrefix = "reply+"

// EncodeID encodes a post id for use in a Message-Id or an address.
func EncodeID(postID string) string {
	return strings.ToLower(idEncoding.EncodeToString([]byte(postID)))
}

// DecodeID reverses EncodeID.
func DecodeID(encoded string) (string, bool) {
	if encoded == "" {
		return "", false
	}
	raw, err := idEncoding.DecodeString(strings.ToUpper(encoded))
	if err != nil || len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

func idHash(postID string) string {
	sum := blake3.Sum256([]byte(postID))
	return hex.EncodeToString(sum[:4])
}

// MessageID returns the Message-Id of a post including angle brackets. It
// depends only on the post id and the domain.
func MessageID(postID, domain string) string {
	return "<" + messageIDValue(postID, domain) + ">"
}

func messageIDValue(postID, domain string) string {
	return idHash(postID) + "." + EncodeID(postID) + "@" + domain
}

// ParseMessageID recovers the post id from a Message-Id produced by
// MessageID. Angle brackets are optional. Ids of the form <postid@domain>
// with an alphanumeric local part are accepted only when their domain is the
// given one, so ids minted by other mail systems never name a post.
func ParseMessageID(id, domain string) (string, bool) {
	id = strings.TrimSpace(id)
	id = strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
	at := strings.LastIndex(id, "@")
	if at <= 0 {
		return "", false
	}
	local := id[:at]

	if hash, encoded, ok := strings.Cut(local, "."); ok {
		if postID, ok := DecodeID(encoded); ok && idHash(postID) == hash {
			return postID, true
		}
		return "", false
	}

	if domain == "" || !strings.EqualFold(id[at+1:], domain) {
		return "", false
	}
	for _, r := range local {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return "", false
		}
	}
	return local, true
}

// UID returns the POP3 unique id of a post: 32 hex characters, stable across
// sessions.
func UID(postID string) string {
	sum := blake3.Sum256([]byte(postID))
	return hex.EncodeToString(sum[:16])
}

// ReplyAddress returns an address that, used as a recipient, makes an
// inbound message a reply to postID.
func ReplyAddress(postID, domain string) string {
	return replyPrefix + EncodeID(postID) + "@" + domain
}

// ReplyHint extracts the post id from the first recipient created by
// ReplyAddress. The result is empty when no recipient carries one.
func ReplyHint(recipients []string) string {
	for _, rcpt := range recipients {
		rcpt = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(rcpt), "<"), ">")
		at := strings.LastIndex(rcpt, "@")
		if at < 0 {
			continue
		}
		local := strings.ToLower(rcpt[:at])
		if !strings.HasPrefix(local, replyPrefix) {
			continue
		}
		if postID, ok := DecodeID(local[len(replyPrefix):]); ok {
			return postID
		}
	}
	return ""
}
