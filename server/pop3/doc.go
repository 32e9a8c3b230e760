// Package pop3 serves a social network timeline as a POP3 maildrop.
//
// Each authenticated session takes one snapshot of the home timeline and
// numbers the translated posts oldest first. The snapshot does not change
// while the session lasts, so message numbers, sizes and unique ids stay
// stable between LIST, UIDL, RETR and TOP.
//
// # Server States
//
//	AUTHORIZATION → TRANSACTION → UPDATE
//
// USER and PASS move the session to TRANSACTION. The password is the API
// token of the account unless one is configured on the server. DELE only
// hides a message from the current session; nothing is ever removed from
// the social network.
//
// # Starting a POP3 Server
//
//	srv, err := pop3.New(ctx, "pop3", "mop3.local", "127.0.0.1:110", backend, pop3.POP3ServerOptions{
//		TimelineLimit: 40,
//		IdleTimeout:   10 * time.Minute,
//	})
//	if err != nil {
//		return err
//	}
//	go srv.Start(errChan)
//	defer srv.Close()
package pop3
