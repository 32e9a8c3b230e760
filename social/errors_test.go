package social

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"auth", &AuthError{Backend: "mastodon", Err: ErrAuthInvalid}, "auth_invalid"},
		{"not supported", NotSupported("bluesky", "post_status"), "not_supported"},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), "timeout"},
		{"net timeout", timeoutErr{}, "timeout"},
		{"backend", &APIError{Backend: "mastodon", Op: "fetch_timeline", Status: 500, Err: ErrBackend}, "backend"},
		{"plain", errors.New("boom"), "backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.ErrorIs(t, Classify(context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, Classify(timeoutErr{}), ErrTimeout)
	assert.ErrorIs(t, Classify(errors.New("connection refused")), ErrBackend)

	notSupported := NotSupported("bluesky", "upload_media")
	assert.Same(t, notSupported, Classify(notSupported))
}

func TestErrorMessages(t *testing.T) {
	err := &APIError{Backend: "mastodon", Op: "post_status", Status: 422, Err: ErrBackend}
	assert.Equal(t, "mastodon: post_status: status 422: backend error", err.Error())

	authErr := &AuthError{Backend: "mastodon", Account: "alice@example.social", Err: ErrTimeout}
	assert.Contains(t, authErr.Error(), "alice@example.social")
	assert.ErrorIs(t, authErr, ErrTimeout)
}

func TestMediaFilename(t *testing.T) {
	assert.Equal(t, "cat.png", Media{URL: "https://files.example/media/cat.png?x=1"}.Filename(0))
	assert.True(t, strings.HasPrefix(Media{URL: "https://cdn.example/blob", ContentType: "image/jpeg"}.Filename(1), "media-2."))
	assert.Equal(t, "media-3", Media{ContentType: "application/x-unknown-type"}.Filename(2))
}
