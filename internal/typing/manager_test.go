package typing

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManager_SecondSignalReplacesFirst(t *testing.T) {
	m := NewManager(50*time.Millisecond, time.Second)

	var fired int32
	firedAt := make(chan time.Time, 2)
	onExpire := func() {
		atomic.AddInt32(&fired, 1)
		firedAt <- time.Now()
	}

	m.SignalTyping("alice", "bob", onExpire)
	time.Sleep(30 * time.Millisecond)
	second := time.Now()
	m.SignalTyping("alice", "bob", onExpire)

	select {
	case at := <-firedAt:
		assert.GreaterOrEqual(t, at.Sub(second), 45*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("stop-typing callback never fired")
	}

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.Equal(t, 0, m.Active())
}

func TestManager_StopTypingCancelsWithoutCallback(t *testing.T) {
	m := NewManager(30*time.Millisecond, time.Second)
	var fired int32

	m.SignalTyping("alice", "bob", func() { atomic.AddInt32(&fired, 1) })
	assert.True(t, m.IsTyping("alice", "bob"))
	assert.True(t, m.SignalStopTyping("alice", "bob"))
	assert.False(t, m.SignalStopTyping("alice", "bob"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestManager_ContextsAreIndependent(t *testing.T) {
	m := NewManager(time.Hour, 2*time.Hour)
	noop := func() {}

	m.SignalTyping("alice", "bob", noop)
	m.SignalTyping("alice", "group_team", noop)
	m.SignalTyping("carol", "bob", noop)
	assert.Equal(t, 3, m.Active())

	assert.Equal(t, 2, m.ClearAll("alice"))
	assert.Equal(t, 1, m.Active())
	assert.True(t, m.IsTyping("carol", "bob"))
	m.Stop()
	assert.Equal(t, 0, m.Active())
}

func TestManager_SweepRemovesStaleEntries(t *testing.T) {
	m := NewManager(time.Hour, time.Hour)
	m.SignalTyping("alice", "bob", func() {})

	assert.Equal(t, 0, m.Sweep())

	m.staleAfter = time.Nanosecond
	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 0, m.Active())
}
