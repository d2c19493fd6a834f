// ABOUTME: Local router for inbound HIAMP messages: addressing, expiry and receive permission
// ABOUTME: Accepted messages are delivered into the recipient worker's inbox

package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/inbox"
	"github.com/2389/hiamp/internal/permission"
	"github.com/2389/hiamp/internal/transport"
)

// Deliverer stores an accepted message.
type Deliverer interface {
	Deliver(ctx context.Context, msg envelope.Message, rawText string, src inbox.Source) (inbox.Delivery, error)
}

// Local routes messages addressed to this owner into the local inbox.
type Local struct {
	owner  string
	guard  *permission.Guard
	inbox  Deliverer
	logger *slog.Logger
	now    func() time.Time
}

// NewLocal creates a router for owner. A nil guard accepts everything.
func NewLocal(owner string, guard *permission.Guard, d Deliverer, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		owner:  owner,
		guard:  guard,
		inbox:  d,
		logger: logger.With("component", "router"),
		now:    time.Now,
	}
}

// Route delivers in if it is addressed to our owner, unexpired and
// permitted. It reports whether the message was delivered; messages for
// other owners and expired messages are dropped without error.
func (r *Local) Route(ctx context.Context, in transport.Incoming) (bool, error) {
	msg := in.Message

	to, err := envelope.ParseAddress(msg.To)
	if err != nil {
		return false, err
	}
	if to.Owner != r.owner {
		r.logger.Debug("ignoring message for another owner", "to", msg.To, "message_id", msg.ID)
		return false, nil
	}
	if envelope.Expired(msg, r.now()) {
		r.logger.Info("dropping expired message", "message_id", msg.ID, "expires", msg.Expires)
		return false, nil
	}

	if r.guard != nil {
		from, err := envelope.ParseAddress(msg.From)
		if err != nil {
			return false, err
		}
		if err := r.guard.CheckReceive(to.Worker, from.Owner, msg.Intent).Err(); err != nil {
			r.logger.Warn("rejected inbound message", "from", msg.From, "to", msg.To, "error", err)
			return false, err
		}
	}

	if _, err := r.inbox.Deliver(ctx, msg, in.Raw, inbox.Source{
		ChannelID:    in.ChannelID,
		SenderUserID: in.SenderID,
		SenderRef:    in.MessageID,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Handlers adapts the router to a push transport's listener callbacks.
func (r *Local) Handlers() transport.Handlers {
	return transport.Handlers{
		OnMessage: func(ctx context.Context, in transport.Incoming) {
			if _, err := r.Route(ctx, in); err != nil {
				r.logger.Warn("routing failed", "transport", in.Transport, "message_id", in.Message.ID, "error", err)
			}
		},
		OnError: func(err error) {
			r.logger.Error("listener error", "error", err)
		},
	}
}
