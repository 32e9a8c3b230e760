package server

import (
	"fmt"
	"regexp"
	"strings"
)

// RFC 5322 dot-atom local part and a host name of one or more labels.
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)[a-z0-9](?:[a-z0-9-]*[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]*[a-z0-9])?)*$`

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

// Address is a parsed mailbox address from an SMTP path or a POP3 USER
// argument.
type Address struct {
	fullAddress string
	localPart   string
	domain      string
	detail      string
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

// Detail returns the part of the local part after the first "+".
func (a Address) Detail() string {
	return a.detail
}

// IsNull reports whether a is the null reverse-path "<>".
func (a Address) IsNull() bool {
	return a.fullAddress == ""
}

// NewAddress validates and normalizes an address. Domains are lowercased,
// the local part keeps its case.
func NewAddress(input string) (Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	at := strings.LastIndex(input, "@")
	if at < 0 {
		return Address{}, fmt.Errorf("address missing @: '%s'", input)
	}
	localPart, domain := input[:at], strings.ToLower(input[at+1:])

	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	if !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	detail := ""
	if plusIndex := strings.Index(localPart, "+"); plusIndex != -1 {
		detail = localPart[plusIndex+1:]
	}

	return Address{
		fullAddress: localPart + "@" + domain,
		localPart:   localPart,
		domain:      domain,
		detail:      detail,
	}, nil
}

// ParsePath parses the argument of MAIL or RCPT, e.g. "FROM:<a@b.c> SIZE=10".
// keyword is "FROM" or "TO". The null path "<>" is only accepted for FROM.
// ESMTP parameters following the path are returned uppercased by key.
func ParsePath(arg, keyword string) (Address, map[string]string, error) {
	arg = strings.TrimSpace(arg)
	prefix := keyword + ":"
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return Address{}, nil, fmt.Errorf("expected %s:<address>", keyword)
	}
	rest := strings.TrimSpace(arg[len(prefix):])

	var path string
	if strings.HasPrefix(rest, "<") {
		end := strings.Index(rest, ">")
		if end < 0 {
			return Address{}, nil, fmt.Errorf("unterminated path: '%s'", rest)
		}
		path, rest = rest[1:end], rest[end+1:]
	} else {
		// Some clients omit the brackets.
		path, rest, _ = strings.Cut(rest, " ")
	}

	params := make(map[string]string)
	for _, p := range strings.Fields(rest) {
		k, v, _ := strings.Cut(p, "=")
		params[strings.ToUpper(k)] = v
	}

	if path == "" {
		if keyword != "FROM" {
			return Address{}, nil, fmt.Errorf("null path not allowed in %s", keyword)
		}
		return Address{}, params, nil
	}
	// Source routes (@a,@b:user@host) are obsolete; keep the mailbox.
	if i := strings.LastIndex(path, ":"); i >= 0 && strings.HasPrefix(path, "@") {
		path = path[i+1:]
	}

	addr, err := NewAddress(path)
	if err != nil {
		return Address{}, nil, err
	}
	return addr, params, nil
}
