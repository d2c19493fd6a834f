// ABOUTME: Permission guard deciding whether a local worker may send an intent to a peer
// ABOUTME: Checks run in fixed order and short-circuit: disabled, kill switch, target, sender record

package permission

import (
	"fmt"

	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/hiamp"
)

// Decision is the outcome of a permission check. Code and Reason are set
// only when Allowed is false.
type Decision struct {
	Allowed bool
	Code    hiamp.Code
	Reason  string
}

// Err converts a denial into a coded error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return hiamp.Errorf(d.Code, "%s", d.Reason)
}

func allow() Decision { return Decision{Allowed: true} }

func deny(code hiamp.Code, format string, args ...any) Decision {
	return Decision{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Guard evaluates outbound and inbound permissions against a registry.
type Guard struct {
	registry *Registry
}

// NewGuard creates a guard over r. The registry is never mutated.
func NewGuard(r *Registry) *Guard {
	return &Guard{registry: r}
}

// Registry returns the registry the guard evaluates against.
func (g *Guard) Registry() *Registry {
	return g.registry
}

// CheckSend decides whether senderWorker may address intent to target.
func (g *Guard) CheckSend(senderWorker, target string, intent envelope.Intent) Decision {
	r := g.registry
	if !r.Enabled {
		return deny(hiamp.CodeDisabled, "HIAMP messaging is disabled")
	}
	if r.KillSwitch {
		return deny(hiamp.CodeKillSwitch, "HIAMP kill switch is active; all outbound messages are blocked")
	}

	addr, err := envelope.ParseAddress(target)
	if err != nil {
		return deny(hiamp.CodeInvalidMessage, "invalid target address: %v", err)
	}
	peer, ok := r.Peer(addr.Owner)
	if !ok {
		return deny(hiamp.CodeInvalidMessage, "unknown peer owner %q", addr.Owner)
	}
	if !peer.HasWorker(addr.Worker) {
		return deny(hiamp.CodeInvalidMessage, "unknown worker %q for peer %q", addr.Worker, addr.Owner)
	}

	perm, ok := r.Worker(senderWorker)
	if !ok {
		if r.Default == PolicyAllow {
			return allow()
		}
		return deny(hiamp.CodePermissionDenied, "worker %q has no permission record and the default policy is deny", senderWorker)
	}
	if !perm.Send {
		return deny(hiamp.CodePermissionDenied, "worker %q is not allowed to send messages", senderWorker)
	}
	if !perm.allowsIntent(intent) {
		return deny(hiamp.CodePermissionDenied, "worker %q is not allowed to send intent %q", senderWorker, intent)
	}
	if !perm.allowsPeer(addr.Owner) {
		return deny(hiamp.CodePermissionDenied, "worker %q is not allowed to message peer %q", senderWorker, addr.Owner)
	}
	return allow()
}

// CheckReceive decides whether a local worker accepts intent from senderOwner.
// The kill switch only blocks outbound traffic.
func (g *Guard) CheckReceive(recipientWorker, senderOwner string, intent envelope.Intent) Decision {
	r := g.registry
	if !r.Enabled {
		return deny(hiamp.CodeDisabled, "HIAMP messaging is disabled")
	}

	perm, ok := r.Worker(recipientWorker)
	if !ok {
		if r.Default == PolicyAllow {
			return allow()
		}
		return deny(hiamp.CodePermissionDenied, "worker %q has no permission record and the default policy is deny", recipientWorker)
	}
	if !perm.Receive {
		return deny(hiamp.CodePermissionDenied, "worker %q is not allowed to receive messages", recipientWorker)
	}
	if !perm.allowsIntent(intent) {
		return deny(hiamp.CodePermissionDenied, "worker %q does not accept intent %q", recipientWorker, intent)
	}
	if !perm.allowsPeer(senderOwner) {
		return deny(hiamp.CodePermissionDenied, "worker %q does not accept messages from peer %q", recipientWorker, senderOwner)
	}
	return allow()
}
