package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/migadu/mop3/consts"
	"github.com/migadu/mop3/pkg/metrics"
	"github.com/migadu/mop3/server"
	"github.com/migadu/mop3/social"
	"github.com/migadu/mop3/translator"
)

type sessionState int

const (
	stateAuthorization sessionState = iota
	stateTransaction
	stateUpdate
)

type POP3Session struct {
	server.Session
	server      *POP3Server
	conn        net.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	startTime   time.Time
	state       sessionState
	user        string          // argument of the last USER command
	social      *social.Session // set once PASS succeeded
	mailbox     *Mailbox
	errorsCount int
}

func (s *POP3Session) handleConnection() {
	defer s.cancel()
	defer s.Close()

	reader := bufio.NewReader(s.conn)
	writer := bufio.NewWriter(s.conn)

	writer.WriteString("+OK MOP3 ready\r\n")
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
				writer.WriteString("-ERR Line too long\r\n")
				writer.Flush()
				s.WarnLog("command line too long, closing")
			case server.IsTimeout(err):
				writer.WriteString("-ERR Connection timed out due to inactivity\r\n")
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
		if cmd != "PASS" {
			s.DebugLog("C: %s %s", cmd, arg)
		}

		if s.ctx.Err() != nil {
			s.DebugLog("context cancelled, aborting %s command", cmd)
			return
		}

		var ok, quit bool
		switch cmd {
		case "USER":
			ok, quit = s.handleUser(writer, arg)
		case "PASS":
			ok, quit = s.handlePass(writer, arg)
		case "CAPA":
			writer.WriteString("+OK Capability list follows\r\n")
			for _, c := range []string{"USER", "TOP", "UIDL", "RESP-CODES", "AUTH-RESP-CODE", "IMPLEMENTATION MOP3"} {
				writer.WriteString(c + "\r\n")
			}
			writer.WriteString(".\r\n")
			ok = true
		case "STAT", "LIST", "RETR", "DELE", "NOOP", "RSET", "TOP", "UIDL":
			if s.state != stateTransaction {
				quit = s.handleClientError(writer, "-ERR Command not valid in this state\r\n")
				break
			}
			ok, quit = s.handleTransaction(writer, cmd, arg)
		case "QUIT":
			s.handleQuit(writer)
			metrics.CommandsTotal.WithLabelValues("pop3", cmd, "ok").Inc()
			return
		case "":
			quit = s.handleClientError(writer, "-ERR Empty command\r\n")
		default:
			s.DebugLog("unknown command: %s", cmd)
			quit = s.handleClientError(writer, fmt.Sprintf("-ERR Unknown command: %s\r\n", cmd))
			cmd = "UNKNOWN"
		}

		status := "err"
		if ok {
			status = "ok"
		}
		metrics.CommandsTotal.WithLabelValues("pop3", cmd, status).Inc()

		if err := writer.Flush(); err != nil {
			if !server.IsConnectionError(err) {
				s.Log("write error: %v", err)
			}
			return
		}
		if quit {
			return
		}
	}
}

func (s *POP3Session) handleUser(writer *bufio.Writer, arg string) (ok, quit bool) {
	if s.state != stateAuthorization {
		return false, s.handleClientError(writer, "-ERR Already authenticated\r\n")
	}
	args := server.Fields(arg)
	if len(args) != 1 {
		return false, s.handleClientError(writer, "-ERR Usage: USER name\r\n")
	}
	s.user = args[0]
	writer.WriteString("+OK User accepted\r\n")
	return true, false
}

// handlePass authenticates against the social network and builds the
// mailbox snapshot. Every failure keeps the session in the authorization
// state so that the client may retry.
func (s *POP3Session) handlePass(writer *bufio.Writer, arg string) (ok, quit bool) {
	if s.state != stateAuthorization {
		return false, s.handleClientError(writer, "-ERR Already authenticated\r\n")
	}

	account := s.server.account
	if account == "" {
		account = s.user
	}
	token := s.server.token
	if token == "" {
		token = arg
	}
	if account == "" {
		return false, s.handleClientError(writer, "-ERR Must provide USER first\r\n")
	}
	s.Account = account

	s.Log("authentication attempt")

	sess, err := s.server.backend.Authenticate(s.ctx, account, token)
	if err != nil {
		kind := social.Kind(err)
		metrics.AuthenticationAttempts.WithLabelValues("pop3", kind).Inc()
		s.WarnLog("authentication failed: op=authenticate kind=%s error=%v", kind, err)
		if kind == "auth_invalid" {
			writer.WriteString("-ERR [AUTH] Authentication failed\r\n")
		} else {
			writer.WriteString("-ERR [SYS/TEMP] Social network unavailable, try again later\r\n")
		}
		return false, false
	}
	metrics.AuthenticationAttempts.WithLabelValues("pop3", "success").Inc()
	if sess.Account != "" {
		s.Account = sess.Account
	}

	mailbox, err := s.buildMailbox(sess)
	if err != nil {
		kind := social.Kind(err)
		s.WarnLog("timeline fetch failed: op=fetch_timeline kind=%s error=%v", kind, err)
		writer.WriteString("-ERR [SYS/TEMP] Unable to fetch timeline, try again later\r\n")
		return false, false
	}

	s.social = sess
	s.mailbox = mailbox
	s.state = stateTransaction

	authCount := s.server.authenticatedConnections.Add(1)
	totalCount := s.server.totalConnections.Load()
	count, size := mailbox.Stat()
	metrics.MailboxSize.Observe(float64(count))
	s.Log("authenticated, %d messages (connections: total=%d, authenticated=%d)", count, totalCount, authCount)

	writer.WriteString(fmt.Sprintf("+OK maildrop has %d messages (%d octets)\r\n", count, size))
	return true, false
}

func (s *POP3Session) buildMailbox(sess *social.Session) (*Mailbox, error) {
	posts, err := s.server.backend.FetchTimeline(s.ctx, sess, s.server.timelineLimit)
	if err != nil {
		return nil, err
	}

	if s.server.fetchMedia {
		s.downloadMedia(posts)
	}

	mb := NewMailbox(posts, s.server.translate, func(post social.Post, err error) {
		metrics.TranslationErrors.WithLabelValues("outbound", "malformed").Inc()
		s.WarnLog("skipping post %s: %v", post.ID, err)
	})
	return mb, nil
}

// downloadMedia fills Media.Data in place. Media that cannot be downloaded
// within the server's media timeout is left empty and therefore omitted from
// the message. At most mediaFetchWorkers downloads run at once.
func (s *POP3Session) downloadMedia(posts []social.Post) {
	ctx, cancel := context.WithTimeout(s.ctx, s.server.mediaTimeout)
	defer cancel()

	sem := make(chan struct{}, mediaFetchWorkers)
	var wg sync.WaitGroup

fetch:
	for i := range posts {
		for j := range posts[i].Media {
			m := &posts[i].Media[j]
			if m.URL == "" || len(m.Data) > 0 {
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				s.WarnLog("media download budget of %s exhausted, remaining media skipped", s.server.mediaTimeout)
				break fetch
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				s.fetchMedia(ctx, m)
			}()
		}
	}
	wg.Wait()
}

func (s *POP3Session) fetchMedia(ctx context.Context, m *social.Media) {
	data, contentType, err := s.server.backend.FetchMedia(ctx, translator.ProxyURL(s.server.translate.Proxy, m.URL))
	if err != nil {
		s.WarnLog("media download failed: op=fetch_media kind=%s url=%s error=%v", social.Kind(err), m.URL, err)
		return
	}
	m.Data = data
	if m.ContentType == "" || m.ContentType == "application/octet-stream" {
		m.ContentType = contentType
	}
}

func (s *POP3Session) handleTransaction(writer *bufio.Writer, cmd, arg string) (ok, quit bool) {
	args := server.Fields(arg)
	mb := s.mailbox

	switch cmd {
	case "STAT":
		count, size := mb.Stat()
		writer.WriteString(fmt.Sprintf("+OK %d %d\r\n", count, size))

	case "LIST":
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return false, s.handleClientError(writer, "-ERR Invalid message number\r\n")
			}
			found, line := buildSingleListResponse(mb, n)
			if !found {
				return false, s.handleClientError(writer, "-ERR No such message\r\n")
			}
			writer.WriteString("+OK " + line + "\r\n")
			break
		}
		count, size := mb.Stat()
		writer.WriteString(fmt.Sprintf("+OK %d messages (%d octets)\r\n", count, size))
		for _, line := range buildListResponseLines(mb) {
			writer.WriteString(line + "\r\n")
		}
		writer.WriteString(".\r\n")

	case "UIDL":
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return false, s.handleClientError(writer, "-ERR Invalid message number\r\n")
			}
			found, line := buildSingleUIDLResponse(mb, n)
			if !found {
				return false, s.handleClientError(writer, "-ERR No such message\r\n")
			}
			writer.WriteString("+OK " + line + "\r\n")
			break
		}
		writer.WriteString("+OK unique-id listing follows\r\n")
		for _, line := range buildUIDLResponseLines(mb) {
			writer.WriteString(line + "\r\n")
		}
		writer.WriteString(".\r\n")

	case "RETR", "TOP":
		if len(args) < 1 || (cmd == "TOP" && len(args) < 2) {
			return false, s.handleClientError(writer, fmt.Sprintf("-ERR Missing argument for %s\r\n", cmd))
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, s.handleClientError(writer, "-ERR Invalid message number\r\n")
		}
		msg, err := mb.Get(n)
		if err != nil {
			return false, s.handleClientError(writer, messageError(err))
		}
		if cmd == "RETR" {
			writer.WriteString(fmt.Sprintf("+OK %d octets\r\n", msg.Size()))
			writer.WriteString(multilineBody(msg.Raw))
			writer.WriteString(".\r\n")
			metrics.MessagesServed.Inc()
			s.DebugLog("retrieved message %d (%s)", n, msg.PostID)
			break
		}
		lines, err := strconv.Atoi(args[1])
		if err != nil || lines < 0 {
			return false, s.handleClientError(writer, "-ERR Invalid line count\r\n")
		}
		writer.WriteString("+OK top of message follows\r\n")
		writer.WriteString(multilineBody(topOfMessage(msg.Raw, lines)))
		writer.WriteString(".\r\n")

	case "DELE":
		if len(args) < 1 {
			return false, s.handleClientError(writer, "-ERR Missing message number\r\n")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, s.handleClientError(writer, "-ERR Invalid message number\r\n")
		}
		if err := mb.Delete(n); err != nil {
			return false, s.handleClientError(writer, messageError(err))
		}
		writer.WriteString(fmt.Sprintf("+OK Message %d deleted\r\n", n))

	case "RSET":
		mb.Reset()
		count, size := mb.Stat()
		writer.WriteString(fmt.Sprintf("+OK maildrop has %d messages (%d octets)\r\n", count, size))

	case "NOOP":
		writer.WriteString("+OK\r\n")
	}
	return true, false
}

func messageError(err error) string {
	if errors.Is(err, consts.ErrAlreadyDeleted) {
		return "-ERR Message already deleted\r\n"
	}
	return "-ERR No such message\r\n"
}

// handleQuit enters the update state. Deletion only drops messages from
// this session's view; the posts stay on the social network.
func (s *POP3Session) handleQuit(writer *bufio.Writer) {
	if s.state == stateTransaction {
		s.state = stateUpdate
		if deleted := s.mailbox.Deleted(); deleted > 0 {
			s.Log("discarding %d deleted messages locally", deleted)
		}
	}
	writer.WriteString("+OK MOP3 signing off\r\n")
	writer.Flush()
}

func (s *POP3Session) handleClientError(writer *bufio.Writer, errMsg string) bool {
	s.errorsCount++
	if s.server.maxErrors > 0 && s.errorsCount > s.server.maxErrors {
		writer.WriteString("-ERR Too many errors, closing connection\r\n")
		writer.Flush()
		return true
	}
	// Slow down clients that keep sending bad commands
	if s.server.errorDelay > 0 {
		time.Sleep(time.Duration(s.errorsCount) * s.server.errorDelay)
	}
	writer.WriteString(errMsg)
	return false
}

func (s *POP3Session) Close() error {
	s.conn.Close()

	totalCount := s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Dec()
	metrics.ConnectionDuration.WithLabelValues("pop3").Observe(time.Since(s.startTime).Seconds())

	var authCount int64
	if s.social != nil {
		authCount = s.server.authenticatedConnections.Add(-1)
	} else {
		authCount = s.server.authenticatedConnections.Load()
	}
	s.DebugLog("closed (connections: total=%d, authenticated=%d)", totalCount, authCount)

	s.mailbox = nil
	s.social = nil
	return nil
}
