// Package mastodon implements social.Capability on top of the Mastodon REST
// API (v1 statuses and timelines, v2 media).
package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mop3/consts"
	"github.com/migadu/mop3/logger"
	"github.com/migadu/mop3/pkg/metrics"
	"github.com/migadu/mop3/pkg/resilient"
	"github.com/migadu/mop3/social"
)

const backendName = "mastodon"

// maxMediaSize bounds a single media download.
const maxMediaSize = 40 << 20

// maxBodySize bounds JSON responses.
const maxBodySize = 8 << 20

// Options configures a Client.
type Options struct {
	// BaseURL replaces the instance URL derived from the account, e.g.
	// "http://localhost:3000" for a development instance.
	BaseURL string
	// HTTP is the shared outbound client. A default one is created when nil.
	HTTP *resilient.HTTPClient
}

// Client is a Mastodon backend. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *resilient.HTTPClient
}

var _ social.Capability = (*Client)(nil)

// New creates a Mastodon backend.
func New(opts Options) *Client {
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = resilient.NewHTTPClient(resilient.DefaultHTTPClientConfig(backendName))
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
	}
}

func (c *Client) Name() string {
	return backendName
}

// instanceURL returns the API root for an account of the form user@instance.
func (c *Client) instanceURL(account string) (string, error) {
	if c.baseURL != "" {
		return c.baseURL, nil
	}
	i := strings.LastIndex(account, "@")
	if i < 0 || i == len(account)-1 {
		return "", fmt.Errorf("account %q is not user@instance", account)
	}
	host := account[i+1:]
	if strings.HasPrefix(host, "https://") || strings.HasPrefix(host, "http://") {
		return strings.TrimRight(host, "/"), nil
	}
	return "https://" + host, nil
}

// instanceDomain is the host part used to qualify local account names.
func instanceDomain(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return base
	}
	return u.Hostname()
}

// Authenticate verifies the token with verify_credentials and returns a
// session whose Account is the canonical username@instance.
func (c *Client) Authenticate(ctx context.Context, account, token string) (sess *social.Session, err error) {
	start := time.Now()
	defer func() { metrics.ObserveAPICall(backendName, "authenticate", social.Kind(err), start) }()

	authErr := func(err error) error {
		return &social.AuthError{Backend: backendName, Account: account, Err: err}
	}

	if token == "" {
		return nil, authErr(social.ErrAuthInvalid)
	}
	base, err := c.instanceURL(account)
	if err != nil {
		return nil, authErr(fmt.Errorf("%w: %v", social.ErrAuthInvalid, err))
	}

	ctx, cancel := context.WithTimeout(ctx, consts.APITimeout)
	defer cancel()

	var acct apiAccount
	status, err := c.doJSON(ctx, true, token, http.MethodGet, base+"/api/v1/accounts/verify_credentials", nil, &acct)
	if err != nil {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, authErr(social.ErrAuthInvalid)
		}
		return nil, authErr(social.Classify(err))
	}
	if acct.Username == "" {
		return nil, authErr(fmt.Errorf("%w: verify_credentials returned no username", social.ErrBackend))
	}

	logger.Debug("Mastodon credentials verified", "account", account, "username", acct.Username)
	return &social.Session{
		Account: acct.Username + "@" + instanceDomain(base),
		Token:   token,
		Subject: acct.ID,
	}, nil
}

// FetchTimeline returns the home timeline, newest first.
func (c *Client) FetchTimeline(ctx context.Context, sess *social.Session, limit int) (posts []social.Post, err error) {
	const op = "fetch_timeline"
	start := time.Now()
	defer func() { metrics.ObserveAPICall(backendName, op, social.Kind(err), start) }()

	base, err := c.instanceURL(sess.Account)
	if err != nil {
		return nil, &social.APIError{Backend: backendName, Op: op, Err: err}
	}
	if limit <= 0 {
		limit = consts.DefaultTimelineLimit
	}

	ctx, cancel := context.WithTimeout(ctx, consts.APITimeout)
	defer cancel()

	var statuses []apiStatus
	endpoint := base + "/api/v1/timelines/home?limit=" + strconv.Itoa(limit)
	if status, err := c.doJSON(ctx, true, sess.Token, http.MethodGet, endpoint, nil, &statuses); err != nil {
		return nil, c.apiError(op, status, err)
	}

	domain := instanceDomain(base)
	posts = make([]social.Post, 0, len(statuses))
	for _, st := range statuses {
		posts = append(posts, st.toPost(domain))
	}
	if len(posts) > limit {
		posts = posts[:limit]
	}
	logger.Debug("Mastodon timeline fetched", "account", sess.Account, "posts", len(posts))
	return posts, nil
}

// PostStatus publishes a status. Media handles must come from UploadMedia.
func (c *Client) PostStatus(ctx context.Context, sess *social.Session, req social.StatusRequest) (post *social.Post, err error) {
	const op = "post_status"
	start := time.Now()
	defer func() { metrics.ObserveAPICall(backendName, op, social.Kind(err), start) }()

	base, err := c.instanceURL(sess.Account)
	if err != nil {
		return nil, &social.APIError{Backend: backendName, Op: op, Err: err}
	}

	body := statusRequest{Status: req.Text, InReplyToID: req.ReplyTo}
	for _, id := range req.MediaIDs {
		body.MediaIDs = append(body.MediaIDs, string(id))
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &social.APIError{Backend: backendName, Op: op, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, consts.APITimeout)
	defer cancel()

	// Mastodon deduplicates statuses carrying the same key for an hour.
	idempotencyKey := uuid.NewString()
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Idempotency-Key", idempotencyKey)

	var created apiStatus
	status, err := c.doJSON(ctx, false, sess.Token, http.MethodPost, base+"/api/v1/statuses", &requestBody{data: payload, header: header}, &created)
	if err != nil {
		return nil, c.apiError(op, status, err)
	}

	p := created.toPost(instanceDomain(base))
	logger.Info("Status published", "account", sess.Account, "id", p.ID, "reply_to", req.ReplyTo, "media", len(req.MediaIDs))
	return &p, nil
}

// UploadMedia uploads an attachment through /api/v2/media.
func (c *Client) UploadMedia(ctx context.Context, sess *social.Session, upload social.MediaUpload) (handle social.MediaHandle, err error) {
	const op = "upload_media"
	start := time.Now()
	defer func() { metrics.ObserveAPICall(backendName, op, social.Kind(err), start) }()

	base, err := c.instanceURL(sess.Account)
	if err != nil {
		return "", &social.APIError{Backend: backendName, Op: op, Err: err}
	}

	payload, contentType, err := multipartMedia(upload)
	if err != nil {
		return "", &social.APIError{Backend: backendName, Op: op, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, consts.APITimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Content-Type", contentType)

	var media apiAttachment
	status, err := c.doJSON(ctx, false, sess.Token, http.MethodPost, base+"/api/v2/media", &requestBody{data: payload, header: header}, &media)
	if err != nil {
		return "", c.apiError(op, status, err)
	}
	if media.ID == "" {
		return "", &social.APIError{Backend: backendName, Op: op, Status: status, Err: fmt.Errorf("%w: no media id in response", social.ErrBackend)}
	}

	logger.Debug("Media uploaded", "account", sess.Account, "id", media.ID, "filename", upload.Filename, "size", len(upload.Data))
	return social.MediaHandle(media.ID), nil
}

// FetchMedia downloads a media file. No credentials are sent; media URLs on
// Mastodon are public.
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
		return nil, "", c.apiError(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, "", c.apiError(op, resp.StatusCode, fmt.Errorf("download %s", mediaURL))
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, "", c.apiError(op, resp.StatusCode, err)
	}
	if len(data) > maxMediaSize {
		return nil, "", &social.APIError{Backend: backendName, Op: op, Err: fmt.Errorf("%w: media larger than %d bytes", social.ErrBackend, maxMediaSize)}
	}

	contentType = resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	} else {
		contentType = guessContentType(mediaURL, "")
	}
	return data, contentType, nil
}

type requestBody struct {
	data   []byte
	header http.Header
}

// httpStatusError carries a non-2xx response.
type httpStatusError struct {
	status  int
	message string
}

func (e *httpStatusError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.status, e.message)
	}
	return fmt.Sprintf("HTTP %d", e.status)
}

// doJSON sends an authenticated request and decodes a JSON response into out.
// It returns the HTTP status, or 0 when no response was received.
func (c *Client) doJSON(ctx context.Context, idempotent bool, token, method, endpoint string, body *requestBody, out any) (int, error) {
	resp, err := c.http.Do(ctx, idempotent, func(ctx context.Context) (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body.data)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, r)
		if err != nil {
			return nil, err
		}
		if body != nil {
			for k, v := range body.header {
				req.Header[k] = v
			}
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", consts.UserAgent())
		req.Header.Set("Authorization", "Bearer "+token)
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
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		return resp.StatusCode, &httpStatusError{status: resp.StatusCode, message: apiErr.Error}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// apiError maps a failed call to a *social.APIError with a classified cause.
func (c *Client) apiError(op string, status int, err error) error {
	var cause error
	var statusErr *httpStatusError
	switch {
	case errors.As(err, &statusErr) && (statusErr.status == http.StatusUnauthorized || statusErr.status == http.StatusForbidden):
		cause = fmt.Errorf("%w: %v", social.ErrAuthInvalid, err)
	case errors.As(err, &statusErr):
		cause = fmt.Errorf("%w: %v", social.ErrBackend, err)
	default:
		cause = social.Classify(err)
	}
	apiErr := &social.APIError{Backend: backendName, Op: op, Status: status, Err: cause}
	logger.Warn("Mastodon API call failed", "operation", op, "status", status, "kind", social.Kind(apiErr), "error", err)
	return apiErr
}

func multipartMedia(upload social.MediaUpload) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := upload.Filename
	if filename == "" {
		filename = "upload"
	}
	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": filename}))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(upload.Data); err != nil {
		return nil, "", err
	}
	if upload.Description != "" {
		if err := w.WriteField("description", upload.Description); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// guessContentType maps a media URL and the Mastodon attachment type to a
// MIME type.
func guessContentType(mediaURL, kind string) string {
	if u, err := url.Parse(mediaURL); err == nil {
		if t := mime.TypeByExtension(strings.ToLower(path.Ext(u.Path))); t != "" {
			if mt, _, err := mime.ParseMediaType(t); err == nil {
				return mt
			}
		}
	}
	switch kind {
	case "image":
		return "image/jpeg"
	case "gifv", "video":
		return "video/mp4"
	case "audio":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
