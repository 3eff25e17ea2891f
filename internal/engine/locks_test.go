package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func (l *lockSet) refs(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.m[id]; ok {
		return e.refs
	}
	return 0
}

func TestLockSetSharesOneMutexWhileContended(t *testing.T) {
	l := newLockSet()
	release := l.lock("inc-1")

	second := make(chan func(), 1)
	go func() { second <- l.lock("inc-1") }()
	require.Eventually(t, func() bool { return l.refs("inc-1") == 2 }, time.Second, time.Millisecond)

	release()
	releaseSecond := <-second

	third := make(chan func(), 1)
	go func() { third <- l.lock("inc-1") }()
	select {
	case <-third:
		t.Fatal("third caller acquired the lock while the second still holds it")
	case <-time.After(50 * time.Millisecond):
	}
	releaseSecond()
	(<-third)()

	require.Zero(t, l.refs("inc-1"))
	require.Empty(t, l.m)
}

func TestLockSetKeysAreIndependent(t *testing.T) {
	l := newLockSet()
	a := l.lock("inc-1")
	b := l.lock("inc-2")
	require.Len(t, l.m, 2)
	a()
	b()
	require.Empty(t, l.m)
}
