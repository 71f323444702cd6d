package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_NoHistoryAdmits(t *testing.T) {
	l := NewLedger(DefaultWindow, NewMemoryBackend())
	ok, err := l.CanSubmit("miner-a", 0, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_WindowBoundary(t *testing.T) {
	l := NewLedger(DefaultWindow, NewMemoryBackend())
	require.NoError(t, l.Record("miner-a", 10, "h1"))

	ok, err := l.CanSubmit("miner-a", 12, "h2")
	require.NoError(t, err)
	assert.False(t, ok, "epoch+2 must be rate limited")

	ok, err = l.CanSubmit("miner-a", 13, "h2")
	require.NoError(t, err)
	assert.True(t, ok, "epoch+3 must be admitted")

	ok, err = l.CanSubmit("miner-b", 11, "h9")
	require.NoError(t, err)
	assert.True(t, ok, "other identities are unaffected")
}

func TestLedger_RevalidationOfHolderAdmits(t *testing.T) {
	l := NewLedger(DefaultWindow, NewMemoryBackend())
	require.NoError(t, l.Record("miner-a", 10, "h1"))

	ok, err := l.CanSubmit("miner-a", 10, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_EpochBeforeRecordRejected(t *testing.T) {
	l := NewLedger(DefaultWindow, NewMemoryBackend())
	require.NoError(t, l.Record("miner-a", 10, "h1"))
	ok, err := l.CanSubmit("miner-a", 5, "h2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_AdmitRecordsOnlyOnSuccess(t *testing.T) {
	backend := NewMemoryBackend()
	l := NewLedger(DefaultWindow, backend)

	ok, err := l.Admit("miner-a", 10, "h1", func() (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.False(t, ok)
	_, had, _ := backend.GetLedgerEntry("miner-a")
	assert.False(t, had, "rejected submission must not consume the slot")

	ok, err = l.Admit("miner-a", 10, "h1", func() (bool, error) { return true, nil })
	require.NoError(t, err)
	assert.True(t, ok)
	e, had, _ := backend.GetLedgerEntry("miner-a")
	require.True(t, had)
	assert.Equal(t, Entry{Epoch: 10, AgentHash: "h1"}, e)
}

func TestLedger_AdmitSerialisesSameIdentity(t *testing.T) {
	l := NewLedger(DefaultWindow, NewMemoryBackend())

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hash := string(rune('a' + i))
			ok, err := l.Admit("miner-a", 20, hash, func() (bool, error) {
				return l.CanSubmit("miner-a", 20, hash)
			})
			if err == nil && ok {
				atomic.AddInt32(&admitted, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted)
}
