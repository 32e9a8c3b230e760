// Package social defines the post model shared by the gateway and the
// capability interface every social network backend implements.
//
// A backend is selected once at startup and shared read-only by all POP3 and
// SMTP sessions. Implementations must be safe for concurrent use.
package social

import (
	"context"
	"mime"
	"path"
	"strconv"
	"strings"
	"time"
)

// Media is a single attachment of a post. Data is empty until the media has
// been downloaded with Capability.FetchMedia.
type Media struct {
	URL         string
	ContentType string
	Alt         string
	Data        []byte
}

// Filename returns a file name for the media, derived from its URL when
// possible and from its content type otherwise.
func (m Media) Filename(index int) string {
	if m.URL != "" {
		base := path.Base(strings.SplitN(m.URL, "?", 2)[0])
		if base != "" && base != "." && base != "/" && strings.Contains(base, ".") {
			return base
		}
	}
	name := "media-" + strconv.Itoa(index+1)
	if exts, err := mime.ExtensionsByType(m.ContentType); err == nil && len(exts) > 0 {
		return name + exts[0]
	}
	return name
}

// Post is a single timeline entry. Posts are immutable once fetched.
type Post struct {
	ID          string
	Author      string // handle, e.g. user@instance.social or alice.bsky.social
	DisplayName string
	CreatedAt   time.Time
	Content     string
	IsHTML      bool
	Media       []Media
	InReplyTo   string
	URL         string
	// BoostedBy holds the display name of the account that reblogged the post.
	BoostedBy string
}

// Session is an authenticated handle on the remote service.
type Session struct {
	Account string
	Token   string
	// Subject is a backend specific identity, e.g. the DID on Bluesky.
	Subject string
}

// MediaHandle identifies uploaded media on the remote service.
type MediaHandle string

// StatusRequest describes a post to publish. ReplyTo is empty for new posts.
type StatusRequest struct {
	Text     string
	MediaIDs []MediaHandle
	ReplyTo  string
}

// MediaUpload is a binary attachment to upload before publishing a post.
type MediaUpload struct {
	Data        []byte
	ContentType string
	Filename    string
	Description string
}

// Capability is the operation set of a social network backend.
//
// Partial backends return an error wrapping ErrNotSupported for operations they
// do not implement. Every call is bounded by consts.APITimeout.
type Capability interface {
	// Name returns the backend name, used in logs and metrics.
	Name() string

	Authenticate(ctx context.Context, account, token string) (*Session, error)

	// FetchTimeline returns at most limit posts of the home timeline, newest first.
	FetchTimeline(ctx context.Context, sess *Session, limit int) ([]Post, error)

	PostStatus(ctx context.Context, sess *Session, req StatusRequest) (*Post, error)

	// UploadMedia must complete before the handle is passed to PostStatus.
	UploadMedia(ctx context.Context, sess *Session, upload MediaUpload) (MediaHandle, error)

	// FetchMedia downloads a media file and returns its content and content type.
	FetchMedia(ctx context.Context, url string) ([]byte, string, error)
}
