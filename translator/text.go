package translator

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/k3a/html2text"
	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/unicode/norm"
)

const maxSubjectRunes = 60

var linkPattern = regexp.MustCompile(`https?://[^\s\]<>"']+`)

// HTMLToText strips markup and decodes entities. Scripts, styles and
// external resources are never evaluated.
func HTMLToText(s string) string {
	return normalizeText(html2text.HTML2Text(s))
}

// normalizeText converts line endings to LF, composes Unicode to NFC and
// trims trailing blanks on every line.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = norm.NFC.String(s)

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = strings.Join(lines, "\n")
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}

// ProxyURL prefixes link with the proxy. An empty proxy returns link unchanged.
func ProxyURL(proxy, link string) string {
	if proxy == "" || strings.HasPrefix(link, proxy) {
		return link
	}
	return proxy + link
}

// applyProxy rewrites every http(s) link in s, in text as well as in HTML
// attributes.
func applyProxy(s, proxy string) string {
	if proxy == "" {
		return s
	}
	return linkPattern.ReplaceAllStringFunc(s, func(link string) string {
		return ProxyURL(proxy, link)
	})
}

// Transliterate replaces non-ASCII characters with their closest ASCII
// spelling.
func Transliterate(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return unidecode.Unidecode(s)
		}
	}
	return s
}

// textToHTML wraps plain text into paragraphs for HTML bodies.
func textToHTML(s string) string {
	var b strings.Builder
	for _, para := range strings.Split(s, "\n\n") {
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

// excerpt returns the first non-empty line of text, cut to maxSubjectRunes.
func excerpt(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) <= maxSubjectRunes {
			return line
		}
		runes := []rune(line)
		cut := string(runes[:maxSubjectRunes])
		if i := strings.LastIndex(cut, " "); i > maxSubjectRunes/2 {
			cut = cut[:i]
		}
		return strings.TrimRight(cut, " .,;:") + "..."
	}
	return ""
}
