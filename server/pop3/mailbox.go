package pop3

import (
	"github.com/migadu/mop3/consts"
	"github.com/migadu/mop3/social"
	"github.com/migadu/mop3/translator"
)

type mailboxEntry struct {
	msg     *translator.Message
	deleted bool
}

// Mailbox is the snapshot a POP3 session serves. Message numbers are 1-based,
// oldest first, and do not change for the lifetime of the session.
type Mailbox struct {
	entries []mailboxEntry
}

// NewMailbox translates a newest-first timeline into a snapshot. Posts that
// cannot be translated are passed to skip and left out.
func NewMailbox(posts []social.Post, opts translator.Options, skip func(post social.Post, err error)) *Mailbox {
	mb := &Mailbox{entries: make([]mailboxEntry, 0, len(posts))}
	for i := len(posts) - 1; i >= 0; i-- {
		msg, err := translator.PostToMessage(posts[i], opts)
		if err != nil {
			if skip != nil {
				skip(posts[i], err)
			}
			continue
		}
		mb.entries = append(mb.entries, mailboxEntry{msg: msg})
	}
	return mb
}

// Len returns the number of messages including deleted ones.
func (mb *Mailbox) Len() int {
	return len(mb.entries)
}

// Stat returns count and total octets of the messages not marked deleted.
func (mb *Mailbox) Stat() (count int, size int64) {
	for _, e := range mb.entries {
		if !e.deleted {
			count++
			size += int64(e.msg.Size())
		}
	}
	return count, size
}

// Get returns message n. Deleted and out of range numbers fail.
func (mb *Mailbox) Get(n int) (*translator.Message, error) {
	if n < 1 || n > len(mb.entries) {
		return nil, consts.ErrNoSuchMessage
	}
	if mb.entries[n-1].deleted {
		return nil, consts.ErrAlreadyDeleted
	}
	return mb.entries[n-1].msg, nil
}

// Delete marks message n for deletion without touching any other entry.
func (mb *Mailbox) Delete(n int) error {
	if _, err := mb.Get(n); err != nil {
		return err
	}
	mb.entries[n-1].deleted = true
	return nil
}

// Reset clears all deletion marks.
func (mb *Mailbox) Reset() {
	for i := range mb.entries {
		mb.entries[i].deleted = false
	}
}

// Deleted returns the number of messages marked for deletion.
func (mb *Mailbox) Deleted() int {
	n := 0
	for _, e := range mb.entries {
		if e.deleted {
			n++
		}
	}
	return n
}
