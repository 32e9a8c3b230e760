package consts

import "time"

// Version is reported in the user agent and the POP3/SMTP greetings.
var Version = "0.2"

const (
	ProtocolPOP3 = "POP3"
	ProtocolSMTP = "SMTP"
)

const (
	APIModeMastodon = "mastodon"
	APIModeBluesky  = "bluesky"
)

const (
	// APITimeout bounds every call made to the social network.
	APITimeout = 30 * time.Second

	DefaultTimelineLimit  = 40
	DefaultMaxMessageSize = 5_000_000
	DefaultAddress        = "127.0.0.1"
	DefaultPOP3Port       = 110
	DefaultSMTPPort       = 25
	DefaultDomain         = "mop3.local"
)

// UserAgent returns the value sent in the User-Agent header of API requests.
func UserAgent() string {
	return "mop3/" + Version
}
