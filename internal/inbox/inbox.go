// ABOUTME: Per-worker mailbox over a store.Store: delivery, listing, read state and deletion
// ABOUTME: Share-intent deliveries also extract inline attachments into the sender owner's shared area

package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/metrics"
	"github.com/2389/hiamp/internal/store"
)

// ErrInvalidRecipient is returned when a message's to address cannot be
// split into owner and worker.
var ErrInvalidRecipient = errors.New("invalid recipient address")

// Source describes where a delivered message came from.
type Source struct {
	ChannelID    string
	SenderUserID string
	SenderRef    string
}

// Delivery is the outcome of a successful Deliver.
type Delivery struct {
	Worker      string
	Path        string
	SharedPaths []string
}

// Inbox delivers messages into worker mailboxes.
type Inbox struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates an inbox over s.
func New(s store.Store, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		store:  s,
		logger: logger.With("component", "inbox"),
		now:    time.Now,
	}
}

// Deliver stores msg in the mailbox of the worker named by msg.To.
func (b *Inbox) Deliver(ctx context.Context, msg envelope.Message, rawText string, src Source) (Delivery, error) {
	d, err := b.deliver(ctx, msg, rawText, src)
	metrics.RecordDelivery(err == nil)
	if err != nil {
		b.logger.Error("delivery failed", "to", msg.To, "message_id", msg.ID, "error", err)
		return Delivery{}, err
	}
	b.logger.Info("message delivered", "worker", d.Worker, "message_id", msg.ID, "intent", msg.Intent)
	return d, nil
}

func (b *Inbox) deliver(ctx context.Context, msg envelope.Message, rawText string, src Source) (Delivery, error) {
	to, err := envelope.ParseAddress(msg.To)
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}

	entry := &store.Entry{
		Message:      msg,
		RawText:      rawText,
		ChannelID:    src.ChannelID,
		SenderUserID: src.SenderUserID,
		SenderRef:    src.SenderRef,
		ReceivedAt:   b.now().UTC(),
	}
	path, err := b.store.Put(ctx, to.Worker, entry)
	if err != nil {
		return Delivery{}, fmt.Errorf("storing entry: %w", err)
	}
	d := Delivery{Worker: to.Worker, Path: path}

	if msg.Intent != envelope.IntentShare {
		return d, nil
	}
	from, err := envelope.ParseAddress(msg.From)
	if err != nil {
		b.logger.Warn("share from unparseable sender, skipping attachments", "from", msg.From)
		return d, nil
	}
	for _, a := range ExtractAttachments(rawText) {
		p, err := b.store.PutAttachment(ctx, from.Owner, a.Filename, []byte(a.Content))
		if err != nil {
			b.logger.Warn("storing attachment failed", "file", a.Filename, "error", err)
			continue
		}
		d.SharedPaths = append(d.SharedPaths, p)
	}
	return d, nil
}

// ReadInbox returns every entry for worker, oldest first.
func (b *Inbox) ReadInbox(ctx context.Context, worker string) ([]*store.Entry, error) {
	return b.store.List(ctx, worker, false)
}

// ReadUnread returns unread entries for worker, oldest first.
func (b *Inbox) ReadUnread(ctx context.Context, worker string) ([]*store.Entry, error) {
	return b.store.List(ctx, worker, true)
}

// Get returns one entry.
func (b *Inbox) Get(ctx context.Context, worker, messageID string) (*store.Entry, error) {
	return b.store.Get(ctx, worker, messageID)
}

// MarkRead reports whether the entry existed.
func (b *Inbox) MarkRead(ctx context.Context, worker, messageID string) (bool, error) {
	return found(b.store.MarkRead(ctx, worker, messageID))
}

// DeleteMessage reports whether the entry existed.
func (b *Inbox) DeleteMessage(ctx context.Context, worker, messageID string) (bool, error) {
	return found(b.store.Delete(ctx, worker, messageID))
}

// ClearInbox removes every entry for worker and returns how many there were.
func (b *Inbox) ClearInbox(ctx context.Context, worker string) (int, error) {
	return b.store.Clear(ctx, worker)
}

func found(err error) (bool, error) {
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
