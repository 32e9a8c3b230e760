package testutils

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/migadu/mop3/social"
)

// Operation names accepted by FakeSocial.Fail and FakeSocial.Calls.
const (
	OpAuthenticate  = "authenticate"
	OpFetchTimeline = "fetch_timeline"
	OpPostStatus    = "post_status"
	OpUploadMedia   = "upload_media"
	OpFetchMedia    = "fetch_media"
)

type injectedError struct {
	err   error
	times int // remaining failures, <= 0 fails forever
}

// FakeSocial is an in-memory social network. Posts are kept newest first
// as FetchTimeline returns them.
type FakeSocial struct {
	mu sync.Mutex

	posts  []social.Post
	tokens map[string]string         // account -> token, nil accepts anything
	media  map[string]mediaFile      // url -> content
	stall  map[string]bool           // urls whose download never completes
	errors map[string]*injectedError // op -> error
	calls  map[string]int

	statuses []social.StatusRequest
	uploads  []social.MediaUpload
	limits   []int
}

type mediaFile struct {
	data        []byte
	contentType string
}

// NewFakeSocial creates a fake whose home timeline holds posts, newest first.
func NewFakeSocial(posts ...social.Post) *FakeSocial {
	return &FakeSocial{
		posts:  posts,
		media:  make(map[string]mediaFile),
		errors: make(map[string]*injectedError),
		calls:  make(map[string]int),
	}
}

// RequireToken makes Authenticate accept only token for account.
func (f *FakeSocial) RequireToken(account, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokens == nil {
		f.tokens = make(map[string]string)
	}
	f.tokens[account] = token
}

// AddMedia registers a downloadable media file.
func (f *FakeSocial) AddMedia(url string, data []byte, contentType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media[url] = mediaFile{data: data, contentType: contentType}
}

// StallMedia makes downloads of url block until their context ends.
func (f *FakeSocial) StallMedia(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stall == nil {
		f.stall = make(map[string]bool)
	}
	f.stall[url] = true
}

// Fail makes the next times calls of op return err. times <= 0 fails every call.
func (f *FakeSocial) Fail(op string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[op] = &injectedError{err: err, times: times}
}

// Calls returns how often op was invoked.
func (f *FakeSocial) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Statuses returns the published status requests in call order.
func (f *FakeSocial) Statuses() []social.StatusRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]social.StatusRequest(nil), f.statuses...)
}

// Uploads returns the uploaded media in call order.
func (f *FakeSocial) Uploads() []social.MediaUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]social.MediaUpload(nil), f.uploads...)
}

// Limits returns the limit argument of every FetchTimeline call.
func (f *FakeSocial) Limits() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.limits...)
}

// enter records a call and returns the injected error for op, if any.
// The caller must hold f.mu.
func (f *FakeSocial) enter(op string) error {
	f.calls[op]++
	inj, ok := f.errors[op]
	if !ok {
		return nil
	}
	if inj.times > 0 {
		inj.times--
		if inj.times == 0 {
			delete(f.errors, op)
		}
	}
	return inj.err
}

func (f *FakeSocial) Name() string {
	return "fake"
}

func (f *FakeSocial) Authenticate(ctx context.Context, account, token string) (*social.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpAuthenticate); err != nil {
		return nil, &social.AuthError{Backend: "fake", Account: account, Err: err}
	}
	if want, ok := f.tokens[account]; f.tokens != nil && (!ok || want != token) {
		return nil, &social.AuthError{Backend: "fake", Account: account, Err: social.ErrAuthInvalid}
	}
	return &social.Session{Account: account, Token: token}, nil
}

func (f *FakeSocial) FetchTimeline(ctx context.Context, sess *social.Session, limit int) ([]social.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if err := f.enter(OpFetchTimeline); err != nil {
		return nil, &social.APIError{Backend: "fake", Op: OpFetchTimeline, Err: err}
	}
	n := min(limit, len(f.posts))
	out := make([]social.Post, n)
	copy(out, f.posts[:n])
	// Media slices are filled in place by callers.
	for i := range out {
		out[i].Media = append([]social.Media(nil), out[i].Media...)
	}
	return out, nil
}

func (f *FakeSocial) PostStatus(ctx context.Context, sess *social.Session, req social.StatusRequest) (*social.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpPostStatus); err != nil {
		return nil, &social.APIError{Backend: "fake", Op: OpPostStatus, Err: err}
	}
	f.statuses = append(f.statuses, req)
	post := social.Post{
		ID:        strconv.Itoa(len(f.statuses)),
		Author:    sess.Account,
		Content:   req.Text,
		InReplyTo: req.ReplyTo,
	}
	f.posts = append([]social.Post{post}, f.posts...)
	return &post, nil
}

func (f *FakeSocial) UploadMedia(ctx context.Context, sess *social.Session, upload social.MediaUpload) (social.MediaHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpUploadMedia); err != nil {
		return "", &social.APIError{Backend: "fake", Op: OpUploadMedia, Err: err}
	}
	f.uploads = append(f.uploads, upload)
	return social.MediaHandle(fmt.Sprintf("media-%d", len(f.uploads))), nil
}

func (f *FakeSocial) FetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	f.mu.Lock()
	err := f.enter(OpFetchMedia)
	m, ok := f.media[url]
	stalled := f.stall[url]
	f.mu.Unlock()

	if err != nil {
		return nil, "", &social.APIError{Backend: "fake", Op: OpFetchMedia, Err: err}
	}
	if stalled {
		<-ctx.Done()
	}
	if ctx.Err() != nil {
		return nil, "", &social.APIError{Backend: "fake", Op: OpFetchMedia, Err: social.ErrTimeout}
	}
	if !ok {
		return nil, "", &social.APIError{Backend: "fake", Op: OpFetchMedia, Status: 404, Err: social.ErrBackend}
	}
	return m.data, m.contentType, nil
}

var _ social.Capability = (*FakeSocial)(nil)
