package finalize

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/asterisk-ccp/internal/eventloop"
	"github.com/sweeney/asterisk-ccp/internal/metrics"
	"github.com/sweeney/asterisk-ccp/internal/timer"
)

// DefaultResetDelay is how long the ended session stays visible after
// finalization before it is reset.
const DefaultResetDelay = 2 * time.Second

// Request carries what the state machine knows about the contact being
// finalized. Live holds the session's current descriptive fields; they are
// used only when no snapshot was captured for the contact.
type Request struct {
	ContactID string
	Live      Snapshot
	StartedAt time.Time
	LastTick  int
	AgentName string
	Notes     string
}

// Guard builds and persists at most one Summary per contact id. It must be
// used from the event loop.
type Guard struct {
	sched      eventloop.Scheduler
	persister  Persister
	logger     zerolog.Logger
	ledger     *Ledger
	resetDelay time.Duration
	onReset    func(contactID string)
	report     func(error)

	snapshot    Snapshot
	hasSnapshot bool
	resets      map[string]func()
}

// Option configures a Guard.
type Option func(*Guard)

// WithResetDelay sets the delay between finalization and the session reset.
func WithResetDelay(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.resetDelay = d
		}
	}
}

// OnReset sets the callback invoked when the session for a finalized
// contact should return to Idle. It receives the contact id; an empty id
// is delivered immediately.
func OnReset(fn func(contactID string)) Option {
	return func(g *Guard) { g.onReset = fn }
}

// WithReporter sets where persistence failures are surfaced.
func WithReporter(fn func(error)) Option {
	return func(g *Guard) { g.report = fn }
}

// WithLedger shares an existing ledger.
func WithLedger(l *Ledger) Option {
	return func(g *Guard) { g.ledger = l }
}

// New creates a Guard.
func New(sched eventloop.Scheduler, persister Persister, logger zerolog.Logger, opts ...Option) *Guard {
	g := &Guard{
		sched:      sched,
		persister:  persister,
		logger:     logger.With().Str("component", "finalize").Logger(),
		resetDelay: DefaultResetDelay,
		resets:     make(map[string]func()),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.ledger == nil {
		g.ledger = NewLedger()
	}
	return g
}

// Capture records the descriptive fields of the session. A capture for the
// contact already held, or for a held snapshot without an id yet, only
// fills fields that are still blank; any other contact replaces it.
func (g *Guard) Capture(s Snapshot) {
	if g.hasSnapshot && (g.snapshot.ContactID == s.ContactID || g.snapshot.ContactID == "") {
		g.snapshot = g.snapshot.fill(s)
		return
	}
	g.snapshot = s
	g.hasSnapshot = true
}

// Snapshot returns the held snapshot.
func (g *Guard) Snapshot() (Snapshot, bool) {
	return g.snapshot, g.hasSnapshot
}

// Discard drops the snapshot if it belongs to contactID.
func (g *Guard) Discard(contactID string) {
	if g.hasSnapshot && g.snapshot.ContactID == contactID {
		g.snapshot = Snapshot{}
		g.hasSnapshot = false
	}
}

// Forget resets the ledger flags of contactID. It is called when the
// platform announces the contact.
func (g *Guard) Forget(contactID string) {
	g.ledger.Reset(contactID)
}

// Finalized reports whether contactID is in flight or already saved.
func (g *Guard) Finalized(contactID string) bool {
	return g.ledger.Busy(contactID)
}

// Ledger returns the guard's ledger.
func (g *Guard) Ledger() *Ledger {
	return g.ledger
}

// Finalize runs the finalization for req.ContactID. It returns false when
// the contact was already finalized, in which case nothing happens.
func (g *Guard) Finalize(req Request) bool {
	id := req.ContactID
	log := g.logger.With().Str("contact_id", id).Logger()

	if !g.ledger.Begin(id) {
		metrics.FinalizeTotal.WithLabelValues("duplicate").Inc()
		log.Debug().Msg("duplicate finalization ignored")
		return false
	}

	now := g.sched.Now()
	duration := req.LastTick
	if !req.StartedAt.IsZero() {
		duration = timer.Seconds(req.StartedAt, now)
	}

	desc := req.Live
	if g.hasSnapshot && g.snapshot.ContactID == id {
		desc = g.snapshot.fill(req.Live)
	}
	summary := Summary{
		ContactID:       id,
		AgentName:       req.AgentName,
		CustomerName:    desc.CustomerName,
		QueueName:       desc.QueueName,
		CustomerPhone:   desc.CustomerPhone,
		DurationSeconds: duration,
		Notes:           req.Notes,
		FinalizedAt:     now,
	}

	if id == "" {
		g.ledger.Finish(id)
		metrics.FinalizeTotal.WithLabelValues("skipped_empty").Inc()
		log.Info().Int("duration_seconds", duration).Msg("contact without id finalized, nothing to persist")
		g.reset(id)
		return true
	}

	g.ledger.MarkSaved(id)
	metrics.FinalizeTotal.WithLabelValues("persisted").Inc()
	log.Info().Int("duration_seconds", duration).Str("customer", summary.CustomerName).Msg("call finalized")

	g.sched.Go(func(ctx context.Context) error {
		return g.persister.Save(ctx, summary)
	}, func(err error) {
		g.ledger.Finish(id)
		if err != nil {
			metrics.PersistTotal.WithLabelValues("error").Inc()
			log.Error().Err(err).Msg("saving call summary")
			if g.report != nil {
				g.report(fmt.Errorf("Failed to save call summary: %w", err))
			}
			return
		}
		metrics.PersistTotal.WithLabelValues("ok").Inc()
		log.Info().Msg("call summary saved")
	})

	g.resets[id] = g.sched.AfterFunc(g.resetDelay, func() {
		delete(g.resets, id)
		g.reset(id)
	})
	return true
}

// Close cancels pending resets and clears the ledger.
func (g *Guard) Close() {
	for id, cancel := range g.resets {
		cancel()
		delete(g.resets, id)
	}
	g.ledger.Clear()
	g.snapshot = Snapshot{}
	g.hasSnapshot = false
}

func (g *Guard) reset(id string) {
	if g.onReset != nil {
		g.onReset(id)
	}
}
