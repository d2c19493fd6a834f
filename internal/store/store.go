// ABOUTME: Store interface and data types for inbox persistence
// ABOUTME: Defines Entry and the Store interface implemented by the file, SQLite and mock backends

package store

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/2389/hiamp/internal/envelope"
)

// ErrNotFound is returned when a requested entry does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidName is returned for worker, owner or file names that are not a
// single safe path segment
var ErrInvalidName = errors.New("invalid name")

// Entry is one delivered message in one worker's mailbox. The message is
// never mutated after delivery; only Read flips.
type Entry struct {
	Message      envelope.Message `json:"message"`
	RawText      string           `json:"rawText"`
	ChannelID    string           `json:"channelId"`
	SenderUserID string           `json:"senderUserId,omitempty"`
	SenderRef    string           `json:"senderRef,omitempty"`
	Read         bool             `json:"read"`
	ReceivedAt   time.Time        `json:"receivedAt"`
}

// ID returns the message id the entry is stored under.
func (e *Entry) ID() string {
	return e.Message.ID
}

// Store persists mailbox entries per recipient worker and attachments per
// sender owner. List results are ordered by ReceivedAt, oldest first.
type Store interface {
	// Put writes e into worker's mailbox, creating the mailbox if needed,
	// and returns where it was stored. Re-putting an id that was already
	// read keeps it read.
	Put(ctx context.Context, worker string, e *Entry) (string, error)
	Get(ctx context.Context, worker, id string) (*Entry, error)
	List(ctx context.Context, worker string, unreadOnly bool) ([]*Entry, error)
	MarkRead(ctx context.Context, worker, id string) error
	Delete(ctx context.Context, worker, id string) error
	// Clear removes every entry for worker and reports how many were removed.
	// Clearing a mailbox that does not exist is not an error.
	Clear(ctx context.Context, worker string) (int, error)
	// PutAttachment stores a shared file under the sending owner.
	PutAttachment(ctx context.Context, owner, filename string, content []byte) (string, error)
	Close() error
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidName reports whether s can be used as a mailbox, owner or file name.
func ValidName(s string) bool {
	return len(s) <= 255 && namePattern.MatchString(s) && s != "." && s != ".."
}
