// Package translator converts social network posts to MIME messages for POP3
// clients and inbound SMTP messages to post requests.
//
// Both directions are pure: PostToMessage yields byte-identical output for the
// same post and options, and MessageToPostRequest depends only on its input.
// Media must already be downloaded into social.Media.Data; media without data
// is left out of the message.
package translator

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/migadu/mop3/social"
	"lukechampine.com/blake3"
)

// Options controls how a post is rendered.
type Options struct {
	ASCII      bool // transliterate text to ASCII
	Attachment bool // media as attachments
	Inline     bool // media as inline parts referenced by Content-ID
	HTML       bool // text/html body instead of text/plain
	IncludeURL bool // append the post URL to the body
	// Proxy is prepended to every link in the body. Empty disables it.
	Proxy string
	// Domain is the right hand side of Message-Ids and synthetic addresses.
	Domain string
	// Recipient fills the To header when set.
	Recipient string
}

// Message is a post rendered as an RFC 5322 message.
type Message struct {
	PostID    string
	MessageID string
	UID       string
	Subject   string
	Raw       []byte
}

// Size returns the message size in octets.
func (m *Message) Size() int {
	return len(m.Raw)
}

// epoch stands in for posts without a timestamp so output stays deterministic.
var epoch = time.Unix(0, 0).UTC()

// mimePart is a node of the MIME tree built before serialization.
type mimePart struct {
	header message.Header
	body   []byte
	parts  []*mimePart
}

// PostToMessage renders post as a MIME message.
//
// With neither Attachment nor Inline the media is omitted. Inline alone yields
// multipart/related, Attachment alone multipart/mixed. With both, a
// multipart/mixed wraps the multipart/related body and every media item
// appears once inline and once as an attachment.
func PostToMessage(post social.Post, opts Options) (*Message, error) {
	if post.ID == "" {
		return nil, fmt.Errorf("%w: post has no id", ErrMalformed)
	}
	domain := opts.Domain
	if domain == "" {
		domain = "localhost"
	}

	plain := post.Content
	if post.IsHTML {
		plain = HTMLToText(post.Content)
	} else {
		plain = normalizeText(plain)
	}

	subject := Subject(post, plain)
	fromName := post.DisplayName
	if opts.ASCII {
		subject = Transliterate(subject)
		fromName = Transliterate(fromName)
	}

	var media []social.Media
	if opts.Attachment || opts.Inline {
		for _, m := range post.Media {
			if len(m.Data) > 0 {
				media = append(media, m)
			}
		}
	}
	cids := make([]string, len(media))
	for i := range media {
		cids[i] = contentID(post.ID, i, domain)
	}

	var root *mimePart
	if opts.HTML {
		root = textPart("text/html", renderHTML(post, plain, media, cids, opts), opts.ASCII)
	} else {
		root = textPart("text/plain", renderText(post, plain, media, cids, opts), opts.ASCII)
	}

	if opts.Inline && len(media) > 0 {
		related := multipartPart("related", boundary(post.ID, "related"), root)
		for i, m := range media {
			related.parts = append(related.parts, mediaPart(m, i, "inline", cids[i]))
		}
		root = related
	}
	if opts.Attachment && len(media) > 0 {
		mixed := multipartPart("mixed", boundary(post.ID, "mixed"), root)
		for i, m := range media {
			mixed.parts = append(mixed.parts, mediaPart(m, i, "attachment", ""))
		}
		root = mixed
	}

	var h mail.Header
	date := post.CreatedAt
	if date.IsZero() {
		date = epoch
	}
	h.SetDate(date.UTC())
	h.SetAddressList("From", []*mail.Address{{Name: fromName, Address: authorAddress(post.Author, domain)}})
	if opts.Recipient != "" {
		h.SetAddressList("To", []*mail.Address{{Address: opts.Recipient}})
	}
	h.SetAddressList("Reply-To", []*mail.Address{{Address: ReplyAddress(post.ID, domain)}})
	h.SetSubject(subject)
	h.SetMessageID(messageIDValue(post.ID, domain))
	if post.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{messageIDValue(post.InReplyTo, domain)})
		h.SetMsgIDList("References", []string{messageIDValue(post.InReplyTo, domain)})
	}
	if post.BoostedBy != "" {
		h.SetText("X-Boosted-By", post.BoostedBy)
	}
	if post.URL != "" {
		h.Set("X-Original-Url", post.URL)
	}
	for _, f := range []string{"Content-Type", "Content-Transfer-Encoding"} {
		if v := root.header.Get(f); v != "" {
			h.Set(f, v)
		}
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if err := writePart(w, root); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}

	return &Message{
		PostID:    post.ID,
		MessageID: MessageID(post.ID, domain),
		UID:       UID(post.ID),
		Subject:   subject,
		Raw:       buf.Bytes(),
	}, nil
}

// Subject derives the subject line: boosts name the booster, other posts use
// an excerpt of their first line.
func Subject(post social.Post, plain string) string {
	if post.BoostedBy != "" {
		return "Boost from " + post.BoostedBy
	}
	if s := excerpt(plain); s != "" {
		return s
	}
	return "Post"
}

func authorAddress(author, domain string) string {
	author = strings.TrimPrefix(author, "@")
	switch {
	case author == "":
		return "unknown@" + domain
	case strings.Contains(author, "@"):
		return author
	default:
		return author + "@" + domain
	}
}

func renderText(post social.Post, plain string, media []social.Media, cids []string, opts Options) string {
	text := applyProxy(plain, opts.Proxy)
	if opts.Inline {
		for i, m := range media {
			label := m.Alt
			if label == "" {
				label = m.Filename(i)
			}
			text += "\n\n[image: " + label + " <cid:" + cids[i] + ">]"
		}
	}
	if opts.IncludeURL && post.URL != "" {
		text += "\n\n---\nOriginal: " + post.URL
	}
	if opts.ASCII {
		text = Transliterate(text)
	}
	return text + "\n"
}

func renderHTML(post social.Post, plain string, media []social.Media, cids []string, opts Options) string {
	var body string
	if post.IsHTML {
		body = strings.TrimSpace(post.Content)
	} else {
		body = textToHTML(plain)
	}
	body = applyProxy(body, opts.Proxy)
	if opts.Inline {
		for i, m := range media {
			body += `<p><img src="cid:` + cids[i] + `" alt="` + html.EscapeString(m.Alt) + `"></p>`
		}
	}
	if opts.IncludeURL && post.URL != "" {
		u := html.EscapeString(post.URL)
		body += `<hr><p>Original: <a href="` + u + `">` + u + `</a></p>`
	}
	if opts.ASCII {
		body = Transliterate(body)
	}
	return "<html><body>" + body + "</body></html>\n"
}

func textPart(mediaType, body string, ascii bool) *mimePart {
	charset := "utf-8"
	if ascii {
		charset = "us-ascii"
	}
	p := &mimePart{body: []byte(body)}
	p.header.SetContentType(mediaType, map[string]string{"charset": charset})
	p.header.Set("Content-Transfer-Encoding", "quoted-printable")
	return p
}

func multipartPart(subtype, boundary string, first *mimePart) *mimePart {
	p := &mimePart{parts: []*mimePart{first}}
	params := map[string]string{"boundary": boundary}
	if subtype == "related" {
		mt, _, _ := first.header.ContentType()
		params["type"] = mt
	}
	p.header.SetContentType("multipart/"+subtype, params)
	return p
}

func mediaPart(m social.Media, index int, disposition, cid string) *mimePart {
	name := m.Filename(index)
	contentType := m.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	p := &mimePart{body: m.Data}
	p.header.SetContentType(contentType, map[string]string{"name": name})
	p.header.SetContentDisposition(disposition, map[string]string{"filename": name})
	p.header.Set("Content-Transfer-Encoding", "base64")
	if cid != "" {
		p.header.Set("Content-Id", "<"+cid+">")
	}
	if m.Alt != "" {
		p.header.SetText("Content-Description", m.Alt)
	}
	return p
}

func writePart(w *message.Writer, p *mimePart) error {
	if p.parts == nil {
		_, err := w.Write(p.body)
		return err
	}
	for _, child := range p.parts {
		cw, err := w.CreatePart(child.header)
		if err != nil {
			return err
		}
		if err := writePart(cw, child); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
	}
	return nil
}

// boundary is derived from the post id so that rendering is deterministic.
func boundary(postID, kind string) string {
	sum := blake3.Sum256([]byte(kind + "\x00" + postID))
	return "mop3-" + kind + "-" + hex.EncodeToString(sum[:12])
}

func contentID(postID string, index int, domain string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(postID+"#"+strconv.Itoa(index))).String() + "@" + domain
}
