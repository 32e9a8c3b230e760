package mastodon

import (
	"strings"
	"time"

	"github.com/migadu/mop3/social"
)

type apiAccount struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
}

type apiAttachment struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	PreviewURL  string `json:"preview_url"`
	Description string `json:"description"`
}

type apiStatus struct {
	ID               string          `json:"id"`
	CreatedAt        time.Time       `json:"created_at"`
	InReplyToID      string          `json:"in_reply_to_id"`
	SpoilerText      string          `json:"spoiler_text"`
	Content          string          `json:"content"`
	URL              string          `json:"url"`
	URI              string          `json:"uri"`
	Account          apiAccount      `json:"account"`
	Reblog           *apiStatus      `json:"reblog"`
	MediaAttachments []apiAttachment `json:"media_attachments"`
}

type statusRequest struct {
	Status      string   `json:"status"`
	InReplyToID string   `json:"in_reply_to_id,omitempty"`
	MediaIDs    []string `json:"media_ids,omitempty"`
}

// qualify turns a local acct ("alice") into alice@domain. Remote accts
// already carry their instance.
func qualify(acct, domain string) string {
	if acct == "" || strings.Contains(acct, "@") {
		return acct
	}
	return acct + "@" + domain
}

// toPost maps a status to a Post. A reblog yields the boosted status, with
// BoostedBy naming the account that boosted it. The reblog's own id and time
// are kept so each boost is a distinct message.
func (st apiStatus) toPost(domain string) social.Post {
	if st.Reblog != nil {
		p := st.Reblog.toPost(domain)
		p.ID = st.ID
		p.CreatedAt = st.CreatedAt
		p.BoostedBy = displayName(st.Account)
		return p
	}

	content := st.Content
	if st.SpoilerText != "" {
		content = "<p>CW: " + st.SpoilerText + "</p>" + content
	}

	link := st.URL
	if link == "" {
		link = st.URI
	}

	p := social.Post{
		ID:          st.ID,
		Author:      qualify(st.Account.Acct, domain),
		DisplayName: st.Account.DisplayName,
		CreatedAt:   st.CreatedAt,
		Content:     content,
		IsHTML:      true,
		InReplyTo:   st.InReplyToID,
		URL:         link,
	}
	for _, a := range st.MediaAttachments {
		if a.URL == "" {
			continue
		}
		p.Media = append(p.Media, social.Media{
			URL:         a.URL,
			ContentType: guessContentType(a.URL, a.Type),
			Alt:         a.Description,
		})
	}
	return p
}

func displayName(a apiAccount) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}
