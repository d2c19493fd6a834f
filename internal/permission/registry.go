// ABOUTME: Peer/worker registry consumed read-only by the permission guard
// ABOUTME: Holds owners, worker rosters, per-worker permissions, default policy and kill switch

package permission

import (
	"github.com/2389/hiamp/internal/envelope"
)

// Wildcard in AllowedPeers or AllowedIntents matches everything.
const Wildcard = "*"

// Policy is applied to workers without an explicit permission record.
type Policy string

const (
	PolicyAllow Policy = "allow"
	PolicyDeny  Policy = "deny"
)

// Valid reports whether p is allow or deny.
func (p Policy) Valid() bool {
	return p == PolicyAllow || p == PolicyDeny
}

// Peer is an owner we exchange messages with.
type Peer struct {
	Owner      string
	TrustLevel string
	// Workers is the published roster. An empty roster accepts any worker-id.
	Workers []string
}

// HasWorker reports whether worker is on the roster.
func (p Peer) HasWorker(worker string) bool {
	if len(p.Workers) == 0 {
		return true
	}
	for _, w := range p.Workers {
		if w == worker {
			return true
		}
	}
	return false
}

// WorkerPermission is the explicit permission record of one local worker.
type WorkerPermission struct {
	Send           bool
	Receive        bool
	AllowedIntents []string
	AllowedPeers   []string
}

func (w WorkerPermission) allowsIntent(intent envelope.Intent) bool {
	return containsOrWildcard(w.AllowedIntents, string(intent))
}

func (w WorkerPermission) allowsPeer(owner string) bool {
	return containsOrWildcard(w.AllowedPeers, owner)
}

func containsOrWildcard(set []string, v string) bool {
	for _, s := range set {
		if s == Wildcard || s == v {
			return true
		}
	}
	return false
}

// Registry is the complete configuration the guard evaluates against.
type Registry struct {
	Enabled    bool
	KillSwitch bool
	Default    Policy
	Peers      map[string]Peer
	Workers    map[string]WorkerPermission
}

// Peer looks up an owner.
func (r *Registry) Peer(owner string) (Peer, bool) {
	p, ok := r.Peers[owner]
	return p, ok
}

// Worker looks up a local worker's permission record.
func (r *Registry) Worker(workerID string) (WorkerPermission, bool) {
	w, ok := r.Workers[workerID]
	return w, ok
}
