package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanLedgerAddRemove(t *testing.T) {
	store := &memoryBanStore{}
	ledger := NewBanLedger(map[string]PermanentBan{"198.51.100.1": {Reason: "seed"}}, store)

	rec, ok := ledger.Get("198.51.100.1")
	require.True(t, ok)
	assert.Equal(t, "198.51.100.1", rec.IP)

	require.NoError(t, ledger.Add(PermanentBan{IP: "192.0.2.1", Reason: "scan", Timestamp: time.Now()}))
	assert.Equal(t, 1, store.saves)
	assert.Len(t, store.saved, 2)

	list := ledger.List()
	require.Len(t, list, 2)
	assert.Equal(t, "192.0.2.1", list[0].IP)
	assert.Equal(t, "198.51.100.1", list[1].IP)

	existed, err := ledger.Remove("192.0.2.1")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Len(t, store.saved, 1)

	existed, err = ledger.Remove("192.0.2.1")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, 2, store.saves)
}

func TestBanLedgerKeepsRecordOnPersistFailure(t *testing.T) {
	store := &memoryBanStore{err: errors.Join(ErrPersistence, errors.New("disk full"))}
	ledger := NewBanLedger(nil, store)

	err := ledger.Add(PermanentBan{IP: "192.0.2.9", Reason: "abuse"})
	assert.ErrorIs(t, err, ErrPersistence)

	_, ok := ledger.Get("192.0.2.9")
	assert.True(t, ok)
}

func TestBanLedgerSnapshotIsolation(t *testing.T) {
	store := &memoryBanStore{}
	ledger := NewBanLedger(nil, store)
	require.NoError(t, ledger.Add(PermanentBan{IP: "192.0.2.3"}))

	saved := store.saved
	require.NoError(t, ledger.Add(PermanentBan{IP: "192.0.2.4"}))
	assert.Len(t, saved, 1)
}

func TestBanLedgerWithConfigStore(t *testing.T) {
	clearConfigEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	ledger := NewBanLedger(nil, NewConfigStore(path))

	require.NoError(t, ledger.Add(PermanentBan{IP: "2001:db8::5", Reason: "scanner", Author: "alice"}))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	reloaded := NewBanLedger(cfg.PermanentBans, nil)
	rec, ok := reloaded.Get("2001:db8::5")
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Author)
}
