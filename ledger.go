package main

import (
	"fmt"
	"sort"
	"sync"
)

// BanStore persists the permanent ban ledger
type BanStore interface {
	SavePermanentBans(bans map[string]PermanentBan) error
}

// BanLedger is the in-memory permanent ban ledger. Every mutation rewrites
// the persisted copy while holding the ledger lock.
type BanLedger struct {
	mu    sync.Mutex
	bans  map[string]PermanentBan
	store BanStore
}

// NewBanLedger loads initial records; store may be nil for an unpersisted ledger
func NewBanLedger(initial map[string]PermanentBan, store BanStore) *BanLedger {
	bans := make(map[string]PermanentBan, len(initial))
	for ip, rec := range initial {
		rec.IP = ip
		bans[ip] = rec
	}
	return &BanLedger{bans: bans, store: store}
}

// Add inserts or replaces the record for rec.IP. A persistence failure is
// returned, but the in-memory record is kept.
func (l *BanLedger) Add(rec PermanentBan) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bans[rec.IP] = rec
	return l.persist()
}

// Remove deletes the record for ip and reports whether one existed
func (l *BanLedger) Remove(ip string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.bans[ip]; !ok {
		return false, nil
	}
	delete(l.bans, ip)
	return true, l.persist()
}

// Get returns the record for ip
func (l *BanLedger) Get(ip string) (PermanentBan, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.bans[ip]
	return rec, ok
}

// List returns every record sorted by IP
func (l *BanLedger) List() []PermanentBan {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := make([]PermanentBan, 0, len(l.bans))
	for _, rec := range l.bans {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].IP < list[j].IP })
	return list
}

func (l *BanLedger) persist() error {
	if l.store == nil {
		return nil
	}
	snapshot := make(map[string]PermanentBan, len(l.bans))
	for ip, rec := range l.bans {
		snapshot[ip] = rec
	}
	if err := l.store.SavePermanentBans(snapshot); err != nil {
		return fmt.Errorf("failed to save permanent bans: %w", err)
	}
	return nil
}
