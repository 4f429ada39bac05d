package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	actionTokenCapacity = 4096
	actionTokenTTL      = 24 * time.Hour
)

// PendingActionKind is the operation a suggested action performs
type PendingActionKind string

const (
	PendingBan       PendingActionKind = "ban"
	PendingUnban     PendingActionKind = "unban"
	PendingPermanent PendingActionKind = "permanent_ban"
)

// PendingAction is the operation bound to a suggested action token
type PendingAction struct {
	Kind   PendingActionKind `json:"kind"`
	IP     string            `json:"ip"`
	Jail   string            `json:"jail,omitempty"`
	Host   string            `json:"host,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// actionRegistry maps single-use tokens to pending actions. Old tokens
// are evicted by age and by capacity.
type actionRegistry struct {
	cache *expirable.LRU[string, PendingAction]
}

func newActionRegistry(capacity int, ttl time.Duration) *actionRegistry {
	return &actionRegistry{cache: expirable.NewLRU[string, PendingAction](capacity, nil, ttl)}
}

// register stores a and returns its token
func (r *actionRegistry) register(a PendingAction) string {
	token := uuid.NewString()
	r.cache.Add(token, a)
	return token
}

// take returns and forgets the action bound to token
func (r *actionRegistry) take(token string) (PendingAction, bool) {
	a, ok := r.cache.Peek(token)
	if !ok {
		return PendingAction{}, false
	}
	if !r.cache.Remove(token) {
		// Taken concurrently
		return PendingAction{}, false
	}
	return a, true
}

// suggest returns the follow-up actions offered for a novel event
func (r *actionRegistry) suggest(e *RawEvent) []SuggestedAction {
	switch {
	case e.Kind == KindFail2Ban && e.SubKind == SubKindBan:
		return []SuggestedAction{
			{Label: "Unban " + e.IP, Token: r.register(PendingAction{Kind: PendingUnban, IP: e.IP, Jail: e.Jail, Host: e.Host})},
			{Label: "Make " + e.IP + " permanent", Token: r.register(PendingAction{
				Kind: PendingPermanent, IP: e.IP,
				Reason: "banned by fail2ban jail " + e.Jail + " on " + e.Host,
			})},
		}
	case e.Kind == KindSSHLogin:
		return []SuggestedAction{
			{Label: "Ban " + e.IP, Token: r.register(PendingAction{Kind: PendingBan, IP: e.IP, Jail: allJails, Host: e.Host})},
		}
	}
	return nil
}
