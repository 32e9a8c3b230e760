package server

import (
	"strings"
)

// ParseCommand splits a POP3 or SMTP command line into an uppercased verb and
// the remainder. The remainder keeps its inner spacing so that arguments such
// as a POP3 password or an SMTP path are passed through untouched.
func ParseCommand(line string) (command, rest string) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimLeft(line, " \t")
	if line == "" {
		return "", ""
	}
	command, rest, _ = strings.Cut(line, " ")
	return strings.ToUpper(command), strings.TrimSpace(rest)
}

// Fields splits an argument string on spaces, honoring double-quoted strings.
func Fields(rest string) []string {
	var args []string
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		if rest[0] == '"' {
			i := 1
			escaped := false
			for ; i < len(rest); i++ {
				if escaped {
					escaped = false
					continue
				}
				if rest[i] == '\\' {
					escaped = true
					continue
				}
				if rest[i] == '"' {
					break
				}
			}
			if i >= len(rest) {
				// Unclosed quote: take the rest verbatim.
				args = append(args, rest)
				break
			}
			args = append(args, UnquoteString(rest[:i+1]))
			rest = rest[i+1:]
			continue
		}
		end := strings.IndexAny(rest, " \t")
		if end == -1 {
			args = append(args, rest)
			break
		}
		args = append(args, rest[:end])
		rest = rest[end:]
	}
	return args
}

// UnquoteString removes surrounding double quotes from a string if present
// and resolves backslash escapes inside them.
func UnquoteString(str string) string {
	if len(str) < 2 || str[0] != '"' || str[len(str)-1] != '"' {
		return str
	}

	inner := str[1 : len(str)-1]
	var result strings.Builder
	result.Grow(len(inner))
	escaped := false
	for i := 0; i < len(inner); i++ {
		if escaped {
			result.WriteByte(inner[i])
			escaped = false
		} else if inner[i] == '\\' {
			escaped = true
		} else {
			result.WriteByte(inner[i])
		}
	}

	return result.String()
}
