package main

import (
	"flag"

	"github.com/migadu/mop3/config"
)

// cliFlags holds the command line. Only flags given explicitly override the
// file and environment configuration.
type cliFlags struct {
	fs *flag.FlagSet

	configPath  string
	envFile     string
	showVersion bool

	account    string
	token      string
	address    string
	pop3Port   int
	smtpPort   int
	apiMode    string
	apiBase    string
	domain     string
	proxy      string
	noSMTP     bool
	ascii      bool
	attachment bool
	inline     bool
	html       bool
	includeURL bool
	debug      bool
}

func newCLIFlags(name string) *cliFlags {
	f := &cliFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	fs := f.fs

	fs.StringVar(&f.configPath, "config", defaultConfigPath, "Path to TOML configuration file")
	fs.StringVar(&f.envFile, "env-file", ".env", "Optional dotenv file with MOP3_* variables")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information and exit")
	fs.BoolVar(&f.showVersion, "v", false, "Show version information and exit")

	fs.StringVar(&f.account, "account", "", "Account, user@instance for Mastodon or a handle for Bluesky")
	fs.StringVar(&f.token, "token", "", "Access token or app password")
	fs.StringVar(&f.address, "address", "", "Address to bind the listeners to")
	fs.IntVar(&f.pop3Port, "pop3_port", 0, "POP3 port")
	fs.IntVar(&f.smtpPort, "smtp_port", 0, "SMTP port")
	fs.StringVar(&f.apiMode, "api_mode", "", "Social network: mastodon or bluesky")
	fs.StringVar(&f.apiBase, "api_base", "", "Override the API base URL")
	fs.StringVar(&f.domain, "domain", "", "Domain of generated Message-Ids")
	fs.StringVar(&f.proxy, "proxy", "", "Prefix prepended to every link, e.g. http://frogfind.com/read.php?a=")
	fs.BoolVar(&f.noSMTP, "nosmtp", false, "Disable the SMTP server")
	fs.BoolVar(&f.ascii, "ascii", false, "Transliterate posts to ASCII")
	fs.BoolVar(&f.attachment, "attachment", false, "Attach media to messages")
	fs.BoolVar(&f.inline, "inline", false, "Inline media in messages")
	fs.BoolVar(&f.html, "html", false, "Send HTML message bodies")
	fs.BoolVar(&f.includeURL, "url", false, "Append the post URL to every message")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	return f
}

func (f *cliFlags) parse(args []string) error {
	return f.fs.Parse(args)
}

// apply copies the explicitly set flags into cfg.
func (f *cliFlags) apply(cfg *config.Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "account":
			cfg.Account = f.account
		case "token":
			cfg.Token = f.token
		case "address":
			cfg.Address = f.address
		case "pop3_port":
			cfg.POP3Port = f.pop3Port
		case "smtp_port":
			cfg.SMTPPort = f.smtpPort
		case "api_mode":
			cfg.APIMode = f.apiMode
		case "api_base":
			cfg.APIBase = f.apiBase
		case "domain":
			cfg.Domain = f.domain
		case "proxy":
			cfg.Proxy = f.proxy
		case "nosmtp":
			cfg.NoSMTP = f.noSMTP
		case "ascii":
			cfg.ASCII = f.ascii
		case "attachment":
			cfg.Attachment = f.attachment
		case "inline":
			cfg.Inline = f.inline
		case "html":
			cfg.HTML = f.html
		case "url":
			cfg.IncludeURL = f.includeURL
		case "debug":
			cfg.Debug = f.debug
		}
	})
}
