package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etaexport/internal/invoice"
	"etaexport/internal/locator"
	"etaexport/internal/portaltest"
)

func TestStateLifecycle(t *testing.T) {
	var s State
	_, ok := s.Result()
	assert.False(t, ok)

	s.Store(invoice.Result{TotalProcessed: 3, Success: true}, "abc")
	res, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, 3, res.TotalProcessed)
	assert.True(t, s.Matches("abc"))
	assert.False(t, s.Matches("def"))
	assert.False(t, s.ScannedAt().IsZero())

	s.Invalidate()
	_, ok = s.Result()
	assert.False(t, ok)
	assert.False(t, s.Matches("abc"))
	assert.Equal(t, "abc", s.Fingerprint())
}

func TestWatcherInvalidatesOnChange(t *testing.T) {
	p := portaltest.NewPortal(3, 2)
	doc, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	state := &State{}
	state.Store(invoice.Result{Success: true}, locator.Fingerprint(doc))

	changes := make(chan Change, 4)
	w := NewWatcher(p, state, time.Millisecond)
	w.OnChange = func(_ context.Context, c Change) { changes <- c }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, state.Matches(locator.Fingerprint(doc)))

	require.NoError(t, p.Click(context.Background(), `a[href="?page=2"]`))

	select {
	case c := <-changes:
		assert.Equal(t, locator.Fingerprint(doc), c.Previous)
		assert.NotEqual(t, c.Previous, c.Current)
	case <-time.After(time.Second):
		t.Fatal("no change observed")
	}
	_, ok := state.Result()
	assert.False(t, ok)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
