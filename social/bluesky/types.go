package bluesky

import (
	"strings"
	"time"

	"github.com/migadu/mop3/social"
)

type profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
}

type imageView struct {
	Thumb    string `json:"thumb"`
	Fullsize string `json:"fullsize"`
	Alt      string `json:"alt"`
}

type postView struct {
	URI    string  `json:"uri"`
	Author profile `json:"author"`
	Record struct {
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"createdAt"`
		Reply     *struct {
			Parent struct {
				URI string `json:"uri"`
			} `json:"parent"`
		} `json:"reply"`
	} `json:"record"`
	Embed *struct {
		Type   string      `json:"$type"`
		Images []imageView `json:"images"`
	} `json:"embed"`
	IndexedAt time.Time `json:"indexedAt"`
}

type feedItem struct {
	Post   postView `json:"post"`
	Reason *struct {
		Type      string    `json:"$type"`
		By        profile   `json:"by"`
		IndexedAt time.Time `json:"indexedAt"`
	} `json:"reason"`
}

type timelineResponse struct {
	Feed   []feedItem `json:"feed"`
	Cursor string     `json:"cursor"`
}

const reasonRepost = "app.bsky.feed.defs#reasonRepost"

func (item feedItem) toPost() social.Post {
	pv := item.Post
	created := pv.Record.CreatedAt
	if created.IsZero() {
		created = pv.IndexedAt
	}

	p := social.Post{
		ID:          pv.URI,
		Author:      pv.Author.Handle,
		DisplayName: pv.Author.DisplayName,
		CreatedAt:   created,
		Content:     pv.Record.Text,
		URL:         webURL(pv.URI, pv.Author.Handle),
	}
	if pv.Record.Reply != nil {
		p.InReplyTo = pv.Record.Reply.Parent.URI
	}
	if pv.Embed != nil {
		for _, img := range pv.Embed.Images {
			if img.Fullsize == "" {
				continue
			}
			p.Media = append(p.Media, social.Media{URL: img.Fullsize, ContentType: "image/jpeg", Alt: img.Alt})
		}
	}

	if item.Reason != nil && item.Reason.Type == reasonRepost {
		by := item.Reason.By.DisplayName
		if by == "" {
			by = item.Reason.By.Handle
		}
		p.BoostedBy = by
		// A repost has no URI of its own.
		p.ID = pv.URI + "#repost:" + item.Reason.By.DID
		if !item.Reason.IndexedAt.IsZero() {
			p.CreatedAt = item.Reason.IndexedAt
		}
	}
	return p
}

// webURL converts at://did/app.bsky.feed.post/rkey to the bsky.app link.
func webURL(uri, handle string) string {
	const collection = "/app.bsky.feed.post/"
	i := strings.Index(uri, collection)
	if i < 0 || handle == "" {
		return ""
	}
	return "https://bsky.app/profile/" + handle + "/post/" + uri[i+len(collection):]
}
