package bluesky

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/migadu/mop3/pkg/resilient"
	"github.com/migadu/mop3/social"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedJSON = `{
  "feed": [
    {
      "post": {
        "uri": "at://did:plc:bob/app.bsky.feed.post/3kb",
        "author": {"did": "did:plc:bob", "handle": "bob.bsky.social", "displayName": "Bob"},
        "record": {"text": "second", "createdAt": "2024-05-01T12:00:02Z",
                   "reply": {"parent": {"uri": "at://did:plc:al/app.bsky.feed.post/3ka"}}},
        "embed": {"$type": "app.bsky.embed.images#view",
                  "images": [{"thumb": "https://cdn/t.jpg", "fullsize": "https://cdn/f.jpg", "alt": "sky"}]},
        "indexedAt": "2024-05-01T12:00:02Z"
      },
      "reason": {"$type": "app.bsky.feed.defs#reasonRepost",
                 "by": {"did": "did:plc:carol", "handle": "carol.bsky.social", "displayName": ""},
                 "indexedAt": "2024-05-01T12:00:05Z"}
    },
    {
      "post": {
        "uri": "at://did:plc:al/app.bsky.feed.post/3ka",
        "author": {"did": "did:plc:al", "handle": "alice.bsky.social"},
        "record": {"text": "first", "createdAt": "2024-05-01T12:00:01Z"},
        "indexedAt": "2024-05-01T12:00:01Z"
      }
    }
  ],
  "cursor": "abc"
}`

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{
		ServiceURL: srv.URL + "/xrpc",
		HTTP: resilient.NewHTTPClient(resilient.HTTPClientConfig{
			Name:      "bluesky-test",
			Timeout:   2 * time.Second,
			BaseDelay: time.Millisecond,
		}),
	})
}

func TestAuthenticate(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.server.createSession", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["password"] != "app-pass" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"AuthenticationRequired","message":"Invalid identifier or password"}`))
			return
		}
		w.Write([]byte(`{"accessJwt":"jwt","refreshJwt":"r","handle":"alice.bsky.social","did":"did:plc:al"}`))
	})

	sess, err := c.Authenticate(context.Background(), "alice.bsky.social", "app-pass")
	require.NoError(t, err)
	assert.Equal(t, &social.Session{Account: "alice.bsky.social", Token: "jwt", Subject: "did:plc:al"}, sess)

	_, err = c.Authenticate(context.Background(), "alice.bsky.social", "wrong")
	assert.ErrorIs(t, err, social.ErrAuthInvalid)
}

func TestFetchTimeline(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/app.bsky.feed.getTimeline", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer jwt", r.Header.Get("Authorization"))
		w.Write([]byte(feedJSON))
	})

	posts, err := c.FetchTimeline(context.Background(), &social.Session{Account: "alice.bsky.social", Token: "jwt"}, 10)
	require.NoError(t, err)
	require.Len(t, posts, 2)

	repost := posts[0]
	assert.Equal(t, "at://did:plc:bob/app.bsky.feed.post/3kb#repost:did:plc:carol", repost.ID)
	assert.Equal(t, "carol.bsky.social", repost.BoostedBy)
	assert.Equal(t, "bob.bsky.social", repost.Author)
	assert.Equal(t, "second", repost.Content)
	assert.False(t, repost.IsHTML)
	assert.Equal(t, "at://did:plc:al/app.bsky.feed.post/3ka", repost.InReplyTo)
	assert.Equal(t, "https://bsky.app/profile/bob.bsky.social/post/3kb", repost.URL)
	require.Len(t, repost.Media, 1)
	assert.Equal(t, "https://cdn/f.jpg", repost.Media[0].URL)
	assert.Equal(t, "sky", repost.Media[0].Alt)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 5, 0, time.UTC), repost.CreatedAt.UTC())

	assert.Equal(t, "at://did:plc:al/app.bsky.feed.post/3ka", posts[1].ID)
	assert.Empty(t, posts[1].BoostedBy)
}

func TestFetchTimelineExpiredToken(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"ExpiredToken","message":"Token has expired"}`))
	})

	_, err := c.FetchTimeline(context.Background(), &social.Session{Token: "old"}, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, social.ErrAuthInvalid)
	assert.Contains(t, err.Error(), "ExpiredToken")
}

func TestWritesNotSupported(t *testing.T) {
	c := New(Options{})
	sess := &social.Session{Account: "alice.bsky.social"}

	_, err := c.PostStatus(context.Background(), sess, social.StatusRequest{Text: "hi"})
	assert.ErrorIs(t, err, social.ErrNotSupported)
	assert.Equal(t, "not_supported", social.Kind(err))

	_, err = c.UploadMedia(context.Background(), sess, social.MediaUpload{Data: []byte("x")})
	assert.ErrorIs(t, err, social.ErrNotSupported)
}

func TestWebURL(t *testing.T) {
	assert.Equal(t, "https://bsky.app/profile/a.b/post/xyz", webURL("at://did:plc:1/app.bsky.feed.post/xyz", "a.b"))
	assert.Empty(t, webURL("at://did:plc:1/app.bsky.feed.like/xyz", "a.b"))
}
