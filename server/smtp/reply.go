package smtp

import (
	"bufio"
	"fmt"
	"strings"

	gosmtp "github.com/emersion/go-smtp"
)

var (
	errBadSequence = &gosmtp.SMTPError{
		Code:         503,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "Bad sequence of commands",
	}
	errUnknownCommand = &gosmtp.SMTPError{
		Code:         500,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 2},
		Message:      "Command not recognized",
	}
	errLineTooLong = &gosmtp.SMTPError{
		Code:         500,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 2},
		Message:      "Line too long",
	}
	errTooManyErrors = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "Too many errors, closing connection",
	}
	errIdleTimeout = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 4, 2},
		Message:      "Idle timeout, closing connection",
	}
	errTemporary = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Social network unavailable, try again later",
	}
	errCredentials = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Social network rejected the configured credentials",
	}
	errNoRecipients = &gosmtp.SMTPError{
		Code:         503,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
		Message:      "Need RCPT before DATA",
	}
)

func syntaxError(msg string) *gosmtp.SMTPError {
	return &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.EnhancedCode{5, 5, 4},
		Message:      msg,
	}
}

func errShuttingDown(hostname string) *gosmtp.SMTPError {
	return &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 2},
		Message:      hostname + " Server shutting down, please reconnect",
	}
}

func errRejected(reason string) *gosmtp.SMTPError {
	return &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Message rejected: " + reason,
	}
}

func ok(msg string) *gosmtp.SMTPError {
	return &gosmtp.SMTPError{Code: 250, EnhancedCode: gosmtp.EnhancedCode{2, 0, 0}, Message: msg}
}

// writeReply formats e as a reply. Multi-line messages are sent as a
// continuation reply.
func writeReply(w *bufio.Writer, e *gosmtp.SMTPError) {
	lines := strings.Split(e.Message, "\n")
	for i, line := range lines {
		sep := " "
		if i < len(lines)-1 {
			sep = "-"
		}
		if e.EnhancedCode == gosmtp.NoEnhancedCode || e.EnhancedCode == gosmtp.EnhancedCodeNotSet {
			fmt.Fprintf(w, "%d%s%s\r\n", e.Code, sep, line)
			continue
		}
		c := e.EnhancedCode
		fmt.Fprintf(w, "%d%s%d.%d.%d %s\r\n", e.Code, sep, c[0], c[1], c[2], line)
	}
}

func replyWithoutEnhanced(code int, lines ...string) *gosmtp.SMTPError {
	return &gosmtp.SMTPError{Code: code, EnhancedCode: gosmtp.NoEnhancedCode, Message: strings.Join(lines, "\n")}
}

// reply writes a reply without enhanced status code, as used for the
// greeting and intermediate replies.
func reply(w *bufio.Writer, code int, lines ...string) {
	writeReply(w, replyWithoutEnhanced(code, lines...))
}
