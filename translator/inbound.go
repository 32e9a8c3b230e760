package translator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/mop3/consts"
)

var (
	ErrMalformed = consts.ErrMalformedMessage
	ErrEmpty     = consts.ErrEmptyMessage
)

// maxPartSize bounds a single decoded part. The SMTP engine already limits the
// whole message, this only guards against decoding bombs.
const maxPartSize = 64 << 20

// TranslationError reports why an inbound message could not become a post.
// It matches both its Kind (ErrMalformed or ErrEmpty) and the cause.
type TranslationError struct {
	Kind error
	Err  error
}

func (e *TranslationError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *TranslationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func malformed(err error) error {
	return &TranslationError{Kind: ErrMalformed, Err: err}
}

// Attachment is a decoded non-text part of an inbound message.
type Attachment struct {
	Data        []byte
	ContentType string
	Filename    string
}

// PostRequest is the content of an inbound message ready to be published.
type PostRequest struct {
	Text        string
	Attachments []Attachment
	// ReplyTo is the post id the message answers, empty for a new post.
	ReplyTo string
}

// MessageToPostRequest parses raw as an RFC 5322 message. The first
// text/plain part becomes the post text; without one the first text/html part
// is converted to text. Every other leaf part becomes an attachment. domain is
// the gateway's message domain, used to recognise reply targets. The text is
// kept verbatim apart from normalisation: quoted lines and signatures are
// part of the post.
func MessageToPostRequest(raw []byte, domain string) (*PostRequest, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &TranslationError{Kind: ErrEmpty}
	}

	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, malformed(err)
	}
	if e == nil {
		return nil, malformed(errors.New("no message header"))
	}
	if e.Header.Len() == 0 {
		return nil, malformed(errors.New("no header fields"))
	}

	req := &PostRequest{}
	var plain, htmlBody string
	var havePlain, haveHTML bool

	walkErr := e.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}

		mediaType, params, ctErr := part.Header.ContentType()
		if ctErr != nil || mediaType == "" {
			mediaType = "text/plain"
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}

		disp, dispParams, _ := part.Header.ContentDisposition()
		isAttachment := strings.EqualFold(disp, "attachment")

		body, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize+1))
		if err != nil {
			return err
		}
		if len(body) > maxPartSize {
			return fmt.Errorf("part %v exceeds %d bytes", path, maxPartSize)
		}

		switch {
		case !isAttachment && mediaType == "text/plain" && !havePlain:
			plain, havePlain = string(body), true
		case !isAttachment && mediaType == "text/html" && !haveHTML:
			htmlBody, haveHTML = string(body), true
		case !isAttachment && mediaType == "message/rfc822":
			// Forwarded messages are not published.
		default:
			if len(body) == 0 {
				return nil
			}
			req.Attachments = append(req.Attachments, Attachment{
				Data:        body,
				ContentType: mediaType,
				Filename:    partFilename(dispParams, params),
			})
		}
		return nil
	})
	if walkErr != nil {
		return nil, malformed(walkErr)
	}

	switch {
	case havePlain:
		req.Text = normalizeText(plain)
	case haveHTML:
		req.Text = HTMLToText(htmlBody)
	}

	h := mail.Header{Header: e.Header}
	req.ReplyTo = replyTarget(h, domain)

	if req.Text == "" && len(req.Attachments) == 0 {
		return nil, &TranslationError{Kind: ErrEmpty}
	}
	return req, nil
}

// replyTarget resolves In-Reply-To, then the last References entry, to a
// post id.
func replyTarget(h mail.Header, domain string) string {
	for _, key := range []string{"In-Reply-To", "References"} {
		ids, _ := h.MsgIDList(key)
		if len(ids) == 0 {
			continue
		}
		id := ids[0]
		if key == "References" {
			id = ids[len(ids)-1]
		}
		if postID, ok := ParseMessageID(id, domain); ok {
			return postID
		}
	}
	return ""
}

func partFilename(dispParams, ctParams map[string]string) string {
	name := dispParams["filename"]
	if name == "" {
		name = ctParams["name"]
	}
	if name == "" {
		return ""
	}
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(name); err == nil {
		name = decoded
	}
	return name
}
