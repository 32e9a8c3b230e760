// Package bluesky is a partial social.Capability backend for the AT Protocol
// (Bluesky) XRPC API. It can log in and read the home timeline; publishing
// and media uploads are reported as not supported.
package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/mop3/consts"
	"github.com/migadu/mop3/logger"
	"github.com/migadu/mop3/pkg/metrics"
	"github.com/migadu/mop3/pkg/resilient"
	"github.com/migadu/mop3/social"
)

const backendName = "bluesky"

// DefaultServiceURL is the XRPC root of the main Bluesky PDS.
const DefaultServiceURL = "https://bsky.social/xrpc"

const (
	maxBodySize  = 8 << 20
	maxMediaSize = 40 << 20
)

// Options configures a Client.
type Options struct {
	// ServiceURL is the XRPC root. DefaultServiceURL is used when empty.
	ServiceURL string
	HTTP       *resilient.HTTPClient
}

// Client is safe for concurrent use.
type Client struct {
	serviceURL string
	http       *resilient.HTTPClient
}

var _ social.Capability = (*Client)(nil)

func New(opts Options) *Client {
	serviceURL := strings.TrimRight(opts.ServiceURL, "/")
	if serviceURL == "" {
		serviceURL = DefaultServiceURL
	}
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = resilient.NewHTTPClient(resilient.DefaultHTTPClientConfig(backendName))
	}
	return &Client{serviceURL: serviceURL, http: httpClient}
}

func (c *Client) Name() string {
	return backendName
}

// Authenticate creates a session with a handle and an app password. The
// returned session carries the access JWT as its token and the DID as subject.
func (c *Client) Authenticate(ctx context.Context, account, token string) (sess *social.Session, err error) {
	start := time.Now()
	defer func() { metrics.ObserveAPICall(backendName, "authenticate", social.Kind(err), start) }()

	authErr := func(err error) error {
		return &social.AuthError{Backend: backendName, Account: account, Err: err}
	}
	if account == "" || token == "" {
		return nil, authErr(social.ErrAuthInvalid)
	}

	payload, err := json.Marshal(map[string]string{"identifier": account, "password": token})
	if err != nil {
		return nil, authErr(err)
	}

	ctx, cancel := context.WithTimeout(ctx, consts.APITimeout)
	defer cancel()

	var out struct {
		AccessJwt string `json:"accessJwt"`
		Handle    string `json:"handle"`
		DID       string `json:"did"`
	}
	status, err := c.call(ctx, false, "", http.MethodPost, "com.atproto.server.createSession", nil, payload, &out)
	if err != nil {
		if status == http.StatusUnauthorized || status == http.StatusBadRequest {
			return nil, authErr(social.ErrAuthInvalid)
		}
		return nil, authErr(social.Classify(err))
	}
	if out.AccessJwt == "" {
		return nil, authErr(fmt.Errorf("%w: createSession returned no token", social.ErrBackend))
	}

	handle := out.Handle
	if handle == "" {
		handle = account
	}
	logger.Debug("Bluesky session created", "handle", handle, "did", out.DID)
	return &social.Session{Account: handle, Token: out.AccessJwt, Subject: out.DID}, nil
}

// FetchTimeline reads app.bsky.feed.getTimeline, newest first.
func (c *Client) FetchTimeline(ctx context.Context, sess *social.Session, limit int) (posts []social.Post, err error) {
	const op = "fetch_timeline"
	start := time.Now()
	defer func() { metrics.ObserveAPICall(backendName, op, social.Kind(err), start) }()

	if limit <= 0 {
		limit = consts.DefaultTimelineLimit
	}
	if limit > 100 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, consts.APITimeout)
	defer cancel()

	var out timelineResponse
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if status, err := c.call(ctx, true, sess.Token, http.MethodGet, "app.bsky.feed.getTimeline", query, nil, &out); err != nil {
		return nil, apiError(op, status, err)
	}

	posts = make([]social.Post, 0, len(out.Feed))
	for _, item := range out.Feed {
		posts = append(posts, item.toPost())
	}
	return posts, nil
}

func (c *Client) PostStatus(ctx context.Context, sess *social.Session, req social.StatusRequest) (*social.Post, error) {
	metrics.ObserveAPICall(backendName, "post_status", "not_supported", time.Now())
	return nil, social.NotSupported(backendName, "post_status")
}

func (c *Client) UploadMedia(ctx context.Context, sess *social.Session, upload social.MediaUpload) (social.MediaHandle, error) {
	metrics.ObserveAPICall(backendName, "upload_media", "not_supported", time.Now())
	return "", social.NotSupported(backendName, "upload_media")
}

// FetchMedia downloads an image from the Bluesky CDN.
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) (data []byte, contentType string, err error) {
	const op = "fetch_media"
	start := time.Now()
	defer func() { metrics.ObserveAPICall(backendName, op, social.Kind(err), start) }()

	ctx, cancel := context.WithTimeout(ctx, consts.APITimeout)
	defer cancel()

	resp, err := c.http.Do(ctx, true, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", consts.UserAgent())
		return req, nil
	})
	if err != nil {
		return nil, "", apiError(op, 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, "", apiError(op, resp.StatusCode, &statusError{status: resp.StatusCode})
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, "", apiError(op, resp.StatusCode, err)
	}
	if len(data) > maxMediaSize {
		return nil, "", &social.APIError{Backend: backendName, Op: op, Err: fmt.Errorf("%w: media too large", social.ErrBackend)}
	}

	contentType = "image/jpeg"
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		contentType = mt
	}
	return data, contentType, nil
}

type statusError struct {
	status  int
	code    string
	message string
}

func (e *statusError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.status, e.code, e.message)
	}
	return fmt.Sprintf("HTTP %d", e.status)
}

// call invokes an XRPC method. payload, when set, is sent as JSON.
func (c *Client) call(ctx context.Context, idempotent bool, token, method, nsid string, query url.Values, payload []byte, out any) (int, error) {
	endpoint := c.serviceURL + "/" + nsid
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	resp, err := c.http.Do(ctx, idempotent, func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", consts.UserAgent())
		return req, nil
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode/100 != 2 {
		var xrpcErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &xrpcErr)
		return resp.StatusCode, &statusError{status: resp.StatusCode, code: xrpcErr.Error, message: xrpcErr.Message}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", nsid, err)
		}
	}
	return resp.StatusCode, nil
}

func apiError(op string, status int, err error) error {
	var cause error
	var statusErr *statusError
	switch {
	case errors.As(err, &statusErr) && statusErr.status == http.StatusUnauthorized:
		cause = fmt.Errorf("%w: %v", social.ErrAuthInvalid, err)
	case errors.As(err, &statusErr):
		cause = fmt.Errorf("%w: %v", social.ErrBackend, err)
	default:
		cause = social.Classify(err)
	}
	apiErr := &social.APIError{Backend: backendName, Op: op, Status: status, Err: cause}
	logger.Warn("Bluesky API call failed", "operation", op, "status", status, "kind", social.Kind(apiErr), "error", err)
	return apiErr
}
