package finalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/asterisk-ccp/internal/eventloop"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingPersister struct {
	saved []Summary
	err   error
}

func (p *recordingPersister) Save(_ context.Context, s Summary) error {
	p.saved = append(p.saved, s)
	return p.err
}

type harness struct {
	sched    *eventloop.Fake
	store    *recordingPersister
	guard    *Guard
	resets   []string
	reported []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sched: eventloop.NewFake(t0),
		store: &recordingPersister{},
	}
	h.guard = New(h.sched, h.store, zerolog.Nop(),
		OnReset(func(id string) { h.resets = append(h.resets, id) }),
		WithReporter(func(err error) { h.reported = append(h.reported, err) }),
	)
	return h
}

func TestFinalizePersistsOnceForDuplicateSignals(t *testing.T) {
	h := newHarness(t)
	h.guard.Capture(Snapshot{ContactID: "c3", CustomerName: "Alex Smith", CustomerPhone: "07700900123", QueueName: "support"})
	h.sched.Advance(7 * time.Second)

	req := Request{ContactID: "c3", StartedAt: t0, AgentName: "Dana", Notes: "No notes"}
	assert.True(t, h.guard.Finalize(req))
	assert.True(t, h.guard.Ledger().Saved("c3"), "saved must be set before the persistence call returns")
	assert.False(t, h.guard.Finalize(req))

	h.sched.RunJobs()
	assert.False(t, h.guard.Finalize(req))
	h.sched.RunJobs()

	require.Len(t, h.store.saved, 1)
	want := Summary{
		ContactID:       "c3",
		AgentName:       "Dana",
		CustomerName:    "Alex Smith",
		QueueName:       "support",
		CustomerPhone:   "07700900123",
		DurationSeconds: 7,
		Notes:           "No notes",
		FinalizedAt:     t0.Add(7 * time.Second),
	}
	if diff := cmp.Diff(want, h.store.saved[0]); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, h.guard.Ledger().InFlight("c3"))
	assert.True(t, h.guard.Ledger().Saved("c3"))
}

func TestFinalizeEmptyContactSkipsPersistence(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.guard.Finalize(Request{ContactID: "", LastTick: 3}))
	assert.Equal(t, []string{""}, h.resets, "empty contact resets immediately")
	assert.Zero(t, h.sched.PendingJobs())
	assert.Zero(t, h.sched.ActiveTimers())

	assert.True(t, h.guard.Finalize(Request{ContactID: ""}), "an empty id never sticks in the ledger")
	h.sched.RunJobs()
	assert.Empty(t, h.store.saved)
	assert.Zero(t, h.guard.Ledger().Len())
}

func TestFinalizeDuration(t *testing.T) {
	tests := []struct {
		name    string
		started time.Time
		elapsed time.Duration
		tick    int
		want    int
	}{
		{"truncates partial seconds", t0, 5*time.Second + 900*time.Millisecond, 0, 5},
		{"falls back to last tick", time.Time{}, 12 * time.Second, 4, 4},
		{"zero when nothing is known", time.Time{}, time.Second, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.sched.Advance(tt.elapsed)
			h.guard.Finalize(Request{ContactID: "c1", StartedAt: tt.started, LastTick: tt.tick})
			h.sched.RunJobs()
			require.Len(t, h.store.saved, 1)
			assert.Equal(t, tt.want, h.store.saved[0].DurationSeconds)
		})
	}
}

func TestFinalizeFailureIsReportedNotRetried(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("502 Bad Gateway: upstream down")

	h.guard.Finalize(Request{ContactID: "c9", StartedAt: t0})
	h.sched.RunJobs()

	require.Len(t, h.reported, 1)
	assert.Contains(t, h.reported[0].Error(), "Failed to save call summary")
	assert.Contains(t, h.reported[0].Error(), "upstream down")
	assert.True(t, h.guard.Ledger().Saved("c9"), "a failed save is not un-marked")

	assert.False(t, h.guard.Finalize(Request{ContactID: "c9", StartedAt: t0}))
	h.sched.RunJobs()
	assert.Len(t, h.store.saved, 1)

	h.sched.Advance(DefaultResetDelay)
	assert.Equal(t, []string{"c9"}, h.resets, "reset proceeds regardless of the failure")
}

func TestResetDoesNotWaitForPersistence(t *testing.T) {
	h := newHarness(t)

	h.guard.Finalize(Request{ContactID: "c4", StartedAt: t0})
	h.sched.Advance(DefaultResetDelay - time.Millisecond)
	assert.Empty(t, h.resets)

	h.sched.Advance(time.Millisecond)
	assert.Equal(t, []string{"c4"}, h.resets)
	assert.Equal(t, 1, h.sched.PendingJobs(), "persistence is still pending")
	assert.True(t, h.guard.Ledger().InFlight("c4"))
}

func TestSnapshotSurvivesLiveReset(t *testing.T) {
	h := newHarness(t)
	h.guard.Capture(Snapshot{ContactID: "c1", CustomerName: "Alex Smith", QueueName: "support"})
	h.guard.Capture(Snapshot{ContactID: "c1", CustomerName: "Someone Else", CustomerPhone: "07700900123"})

	live := Snapshot{ContactID: "c1", CustomerName: "Unknown", CustomerPhone: "Unknown", QueueName: "General"}
	h.guard.Finalize(Request{ContactID: "c1", Live: live})
	h.sched.RunJobs()

	require.Len(t, h.store.saved, 1)
	got := h.store.saved[0]
	assert.Equal(t, "Alex Smith", got.CustomerName, "earliest capture wins")
	assert.Equal(t, "07700900123", got.CustomerPhone, "later capture fills blanks")
	assert.Equal(t, "support", got.QueueName)
}

func TestSnapshotForOtherContactIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.guard.Capture(Snapshot{ContactID: "old", CustomerName: "Old Caller"})

	h.guard.Finalize(Request{ContactID: "new", Live: Snapshot{ContactID: "new", CustomerName: "New Caller"}})
	h.sched.RunJobs()

	require.Len(t, h.store.saved, 1)
	assert.Equal(t, "New Caller", h.store.saved[0].CustomerName)
}

func TestOutboundSnapshotAdoptsContactID(t *testing.T) {
	h := newHarness(t)
	h.guard.Capture(Snapshot{CustomerPhone: "07700900456"})
	h.guard.Capture(Snapshot{ContactID: "c7", CustomerName: "Unknown"})

	snap, ok := h.guard.Snapshot()
	require.True(t, ok)
	assert.Equal(t, Snapshot{ContactID: "c7", CustomerName: "Unknown", CustomerPhone: "07700900456"}, snap)

	h.guard.Discard("other")
	_, ok = h.guard.Snapshot()
	assert.True(t, ok)
	h.guard.Discard("c7")
	_, ok = h.guard.Snapshot()
	assert.False(t, ok)
}

func TestForgetAndClose(t *testing.T) {
	h := newHarness(t)
	h.guard.Finalize(Request{ContactID: "c1"})
	h.sched.RunJobs()
	h.sched.Advance(DefaultResetDelay)
	require.True(t, h.guard.Finalized("c1"))

	h.guard.Forget("c1")
	assert.False(t, h.guard.Finalized("c1"))

	h.guard.Finalize(Request{ContactID: "c2"})
	h.guard.Close()
	assert.Zero(t, h.sched.ActiveTimers(), "pending reset cancelled")
	assert.Zero(t, h.guard.Ledger().Len())
	h.sched.Advance(time.Minute)
	assert.Equal(t, []string{"c1"}, h.resets)
}
