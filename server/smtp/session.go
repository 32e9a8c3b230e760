package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/migadu/mop3/consts"
	"github.com/migadu/mop3/pkg/metrics"
	"github.com/migadu/mop3/server"
	"github.com/migadu/mop3/social"
	"github.com/migadu/mop3/translator"
)

type sessionState int

const (
	stateInit sessionState = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

type SMTPSession struct {
	server.Session
	server      *SMTPServer
	conn        net.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	startTime   time.Time
	state       sessionState
	helo        string
	from        server.Address
	recipients  []string
	social      *social.Session
	errorsCount int
}

func (s *SMTPSession) handleConnection() {
	defer s.cancel()
	defer s.Close()

	reader := bufio.NewReader(s.conn)
	writer := bufio.NewWriter(s.conn)

	reply(writer, 220, s.server.hostname+" ESMTP MOP3")
	writer.Flush()

	s.DebugLog("connected")

	for {
		if s.server.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		}

		raw, err := server.ReadLine(reader, maxCommandLength)
		if err != nil {
			switch {
			case errors.Is(err, consts.ErrLineTooLong):
				writeReply(writer, errLineTooLong)
				writer.Flush()
				s.WarnLog("command line too long, closing")
			case server.IsTimeout(err):
				writeReply(writer, errIdleTimeout)
				writer.Flush()
				s.Log("timed out")
			case server.IsConnectionError(err):
				s.DebugLog("client dropped connection")
			default:
				s.Log("error: %v", err)
			}
			return
		}

		cmd, arg := server.ParseCommand(string(raw))
		s.DebugLog("C: %s %s", cmd, arg)

		if s.ctx.Err() != nil {
			return
		}

		var res *commandResult
		switch cmd {
		case "HELO", "EHLO":
			res = s.handleHello(cmd, arg)
		case "MAIL":
			res = s.handleMail(arg)
		case "RCPT":
			res = s.handleRcpt(arg)
		case "DATA":
			res = s.handleData(reader, writer)
		case "RSET":
			s.resetTransaction()
			s.state = stateGreeted
			res = &commandResult{reply: ok("Reset")}
		case "NOOP":
			res = &commandResult{reply: ok("OK")}
		case "HELP":
			res = &commandResult{reply: replyWithoutEnhanced(214, "Commands: HELO EHLO MAIL RCPT DATA RSET NOOP QUIT")}
		case "VRFY":
			res = &commandResult{reply: replyWithoutEnhanced(252, "Cannot verify user, but will accept message")}
		case "QUIT":
			reply(writer, 221, s.server.hostname+" Bye")
			writer.Flush()
			metrics.CommandsTotal.WithLabelValues("smtp", cmd, "ok").Inc()
			return
		default:
			s.DebugLog("unknown command: %s", cmd)
			res = &commandResult{reply: errUnknownCommand, clientError: true}
			cmd = "UNKNOWN"
		}

		status := "ok"
		if res.reply != nil && res.reply.Code >= 400 {
			status = "err"
		}
		metrics.CommandsTotal.WithLabelValues("smtp", cmd, status).Inc()

		if res.clientError && s.tooManyErrors() {
			writeReply(writer, errTooManyErrors)
			writer.Flush()
			return
		}
		if res.reply != nil {
			writeReply(writer, res.reply)
		}
		if err := writer.Flush(); err != nil {
			if !server.IsConnectionError(err) {
				s.Log("write error: %v", err)
			}
			return
		}
		if res.close {
			return
		}
	}
}

// commandResult is the outcome of one command. clientError counts towards
// the error limit, close ends the connection after the reply is sent.
type commandResult struct {
	reply       *gosmtp.SMTPError
	clientError bool
	close       bool
}

func (s *SMTPSession) tooManyErrors() bool {
	s.errorsCount++
	if s.server.maxErrors > 0 && s.errorsCount > s.server.maxErrors {
		return true
	}
	if s.server.errorDelay > 0 {
		time.Sleep(time.Duration(s.errorsCount) * s.server.errorDelay)
	}
	return false
}

func (s *SMTPSession) handleHello(cmd, arg string) *commandResult {
	if arg == "" {
		return &commandResult{reply: syntaxError(cmd + " requires a domain"), clientError: true}
	}
	s.resetTransaction()
	s.helo = arg
	s.state = stateGreeted

	if cmd == "HELO" {
		return &commandResult{reply: replyWithoutEnhanced(250, s.server.hostname)}
	}
	return &commandResult{reply: replyWithoutEnhanced(250,
		s.server.hostname+" greets "+arg,
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
		"SIZE "+strconv.FormatInt(s.server.maxMessageSize, 10),
	)}
}

func (s *SMTPSession) handleMail(arg string) *commandResult {
	if s.state != stateGreeted {
		return &commandResult{reply: errBadSequence, clientError: true}
	}
	from, params, err := server.ParsePath(arg, "FROM")
	if err != nil {
		s.DebugLog("invalid MAIL FROM: %v", err)
		return &commandResult{reply: syntaxError("Syntax error in MAIL FROM: " + err.Error()), clientError: true}
	}
	if v, ok := params["SIZE"]; ok {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return &commandResult{reply: syntaxError("Invalid SIZE parameter"), clientError: true}
		}
		if size > s.server.maxMessageSize {
			return &commandResult{reply: gosmtp.ErrDataTooLarge}
		}
	}
	s.from = from
	s.state = stateMailFrom
	return &commandResult{reply: ok("Sender OK")}
}

func (s *SMTPSession) handleRcpt(arg string) *commandResult {
	if s.state != stateMailFrom && s.state != stateRcptTo {
		return &commandResult{reply: errBadSequence, clientError: true}
	}
	to, _, err := server.ParsePath(arg, "TO")
	if err != nil {
		s.DebugLog("invalid RCPT TO: %v", err)
		return &commandResult{reply: syntaxError("Syntax error in RCPT TO: " + err.Error()), clientError: true}
	}
	// Every recipient is accepted. The address is only kept as a reply hint.
	s.recipients = append(s.recipients, to.FullAddress())
	s.state = stateRcptTo
	return &commandResult{reply: ok("Recipient OK")}
}

func (s *SMTPSession) handleData(reader *bufio.Reader, writer *bufio.Writer) *commandResult {
	if s.state != stateRcptTo {
		if s.state == stateMailFrom {
			return &commandResult{reply: errNoRecipients, clientError: true}
		}
		return &commandResult{reply: errBadSequence, clientError: true}
	}

	reply(writer, 354, "Start mail input; end with <CRLF>.<CRLF>")
	if err := writer.Flush(); err != nil {
		return &commandResult{close: true}
	}

	data, err := readData(reader, s.server.maxMessageSize)
	if err != nil {
		switch {
		case errors.Is(err, consts.ErrMessageTooLarge), errors.Is(err, consts.ErrLineTooLong):
			s.WarnLog("DATA exceeds %d octets, closing", s.server.maxMessageSize)
			metrics.PostsPublished.WithLabelValues("too_large").Inc()
			return &commandResult{reply: gosmtp.ErrDataTooLarge, close: true}
		case server.IsTimeout(err):
			return &commandResult{reply: errIdleTimeout, close: true}
		default:
			s.DebugLog("DATA aborted: %v", err)
			return &commandResult{close: true}
		}
	}

	res := s.publish(data)
	// A finished transaction starts over from Init: the next message needs a
	// new HELO/EHLO or RSET.
	s.resetTransaction()
	s.state = stateInit
	return res
}

// publish turns the DATA payload into a post. Media is uploaded first, one
// attachment after the other, and the status is posted last.
func (s *SMTPSession) publish(data []byte) *commandResult {
	// hostname is the message domain the POP3 side mints Message-Ids with.
	req, err := translator.MessageToPostRequest(data, s.server.hostname)
	if err != nil {
		kind := "malformed"
		if errors.Is(err, translator.ErrEmpty) {
			kind = "empty"
		}
		metrics.TranslationErrors.WithLabelValues("inbound", kind).Inc()
		metrics.PostsPublished.WithLabelValues("rejected").Inc()
		s.Log("rejecting message: %v", err)
		return &commandResult{reply: errRejected(err.Error())}
	}

	if req.ReplyTo == "" {
		req.ReplyTo = translator.ReplyHint(s.recipients)
	}

	sess, res := s.login()
	if res != nil {
		return res
	}

	handles := make([]social.MediaHandle, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		h, err := s.server.backend.UploadMedia(s.ctx, sess, social.MediaUpload{
			Data:        a.Data,
			ContentType: a.ContentType,
			Filename:    a.Filename,
		})
		if err != nil {
			return s.apiFailure("upload_media", err)
		}
		handles = append(handles, h)
	}

	post, err := s.server.backend.PostStatus(s.ctx, sess, social.StatusRequest{
		Text:     req.Text,
		MediaIDs: handles,
		ReplyTo:  req.ReplyTo,
	})
	if err != nil {
		return s.apiFailure("post_status", err)
	}

	metrics.PostsPublished.WithLabelValues("success").Inc()
	s.Log("published post %s (from=%s, reply_to=%q, media=%d)", post.ID, s.from.FullAddress(), req.ReplyTo, len(handles))
	return &commandResult{reply: ok("Posted as " + post.ID)}
}

// login authenticates the configured account once per connection.
func (s *SMTPSession) login() (*social.Session, *commandResult) {
	if s.social != nil {
		return s.social, nil
	}
	sess, err := s.server.backend.Authenticate(s.ctx, s.server.account, s.server.token)
	if err != nil {
		kind := social.Kind(err)
		metrics.AuthenticationAttempts.WithLabelValues("smtp", kind).Inc()
		metrics.PostsPublished.WithLabelValues("failed").Inc()
		s.WarnLog("authentication failed: account=%s op=authenticate kind=%s error=%v", s.server.account, kind, err)
		if kind == "auth_invalid" {
			return nil, &commandResult{reply: errCredentials}
		}
		return nil, &commandResult{reply: errTemporary}
	}
	metrics.AuthenticationAttempts.WithLabelValues("smtp", "success").Inc()
	s.server.authenticatedConnections.Add(1)
	s.social = sess
	s.Account = sess.Account
	return sess, nil
}

func (s *SMTPSession) apiFailure(op string, err error) *commandResult {
	kind := social.Kind(err)
	metrics.PostsPublished.WithLabelValues("failed").Inc()
	s.WarnLog("API call failed: account=%s op=%s kind=%s error=%v", s.Account, op, kind, err)
	return &commandResult{reply: errTemporary}
}

func (s *SMTPSession) resetTransaction() {
	s.from = server.Address{}
	s.recipients = nil
}

func (s *SMTPSession) Close() error {
	s.conn.Close()

	totalCount := s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("smtp").Dec()
	metrics.ConnectionDuration.WithLabelValues("smtp").Observe(time.Since(s.startTime).Seconds())

	if s.social != nil {
		s.server.authenticatedConnections.Add(-1)
		s.social = nil
	}
	s.DebugLog("closed (connections: total=%d)", totalCount)
	return nil
}

// readData reads a DATA payload up to the terminating "." line and undoes
// dot-stuffing. Lines are returned with CRLF endings. It stops with
// consts.ErrMessageTooLarge as soon as more than max octets have arrived,
// without draining the rest.
func readData(reader *bufio.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := server.ReadLine(reader, maxDataLineLength)
		if err != nil {
			return nil, err
		}
		content := bytes.TrimRight(line, "\r\n")
		if len(content) == 1 && content[0] == '.' {
			return buf.Bytes(), nil
		}
		if len(content) > 0 && content[0] == '.' {
			content = content[1:]
		}
		if int64(buf.Len()+len(content)+2) > max {
			return nil, fmt.Errorf("%w: more than %d octets", consts.ErrMessageTooLarge, max)
		}
		buf.Write(content)
		buf.WriteString("\r\n")
	}
}
