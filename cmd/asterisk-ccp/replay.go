package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sweeney/asterisk-ccp/internal/ami"
	"github.com/sweeney/asterisk-ccp/internal/asterisk"
	"github.com/sweeney/asterisk-ccp/internal/console"
	"github.com/sweeney/asterisk-ccp/internal/desk"
	"github.com/sweeney/asterisk-ccp/internal/eventloop"
	"github.com/sweeney/asterisk-ccp/internal/finalize"
	"github.com/sweeney/asterisk-ccp/internal/session"
)

var replayFlags struct {
	iface         string
	queue         string
	agentName     string
	afterCallWork bool
	step          time.Duration
	verbose       bool
}

var replayCmd = &cobra.Command{
	Use:   "replay <capture.raw>",
	Short: "Feed a raw AMI capture through the console core and print what it produces",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading capture: %w", err)
		}
		level := "warn"
		if replayFlags.verbose {
			level = "debug"
		}
		logger := newLogger(cmd.ErrOrStderr(), level, true)

		out := json.NewEncoder(cmd.OutOrStdout())
		r := newReplayer(replayOptions{
			Backend: asterisk.Options{
				AgentName:       replayFlags.agentName,
				Interface:       replayFlags.iface,
				Queue:           replayFlags.queue,
				PresenceStates:  []string{asterisk.Available, "Break", "Offline"},
				InitialPresence: asterisk.Available,
				AfterCallWork:   replayFlags.afterCallWork,
				Logger:          logger,
			},
			Logger:       logger,
			Persister:    printSummaries(out),
			OnTransition: printTransitions(out),
		})
		defer r.Close()
		r.Feed(ami.ParseBytes(data), replayFlags.step)
		return nil
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayFlags.iface, "interface", "PJSIP/1001", "Agent device whose channels are followed")
	f.StringVar(&replayFlags.queue, "queue", "support", "Queue the agent is a member of")
	f.StringVar(&replayFlags.agentName, "agent", "", "Agent name recorded in summaries")
	f.BoolVar(&replayFlags.afterCallWork, "acw", false, "Enter after-call work when calls end")
	f.DurationVar(&replayFlags.step, "step", time.Second, "Clock advance between events")
	f.BoolVar(&replayFlags.verbose, "verbose", false, "Log core activity to stderr")
}

type replayOptions struct {
	// Scheduler defaults to a fresh manual clock.
	Scheduler    *eventloop.Fake
	Backend      asterisk.Options
	Logger       zerolog.Logger
	Persister    finalize.Persister
	OnTransition func(session.Transition)
	OnView       func(console.View)
}

// replayer runs the console core against recorded AMI events on a manual
// clock. Every action is answered with success.
type replayer struct {
	sched   *eventloop.Fake
	backend *asterisk.Backend
	desk    *desk.Desk
	actions *acceptActions
}

func newReplayer(opts replayOptions) *replayer {
	r := &replayer{
		sched:   opts.Scheduler,
		actions: &acceptActions{},
	}
	if r.sched == nil {
		r.sched = eventloop.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	}
	r.backend = asterisk.New(r.actions, opts.Backend)
	r.desk = desk.New(desk.Config{
		Scheduler:    r.sched,
		Persister:    opts.Persister,
		Logger:       opts.Logger,
		OnView:       opts.OnView,
		OnTransition: opts.OnTransition,
	})
	// Start only fails for a missing SDK.
	_ = r.desk.Start(r.backend)
	return r
}

// Feed processes events in order, advancing the clock by step after each
// and running any persistence they trigger. Pending resets are flushed at
// the end.
func (r *replayer) Feed(events []ami.Event, step time.Duration) {
	for _, evt := range events {
		r.backend.Process(evt)
		r.sched.RunJobs()
		if step > 0 {
			r.sched.Advance(step)
		}
	}
	r.sched.Advance(finalize.DefaultResetDelay)
	r.sched.RunJobs()
}

func (r *replayer) Close() { r.desk.Close() }

type acceptActions struct {
	sent []ami.Action
}

func (a *acceptActions) Do(action ami.Action, fn ami.ResponseFunc) {
	a.sent = append(a.sent, action)
	fn(ami.Event{}, nil)
}

type replayEntry struct {
	Kind      string            `json:"kind"`
	ContactID string            `json:"contactId,omitempty"`
	From      session.Lifecycle `json:"from,omitempty"`
	To        session.Lifecycle `json:"to,omitempty"`
	At        time.Time         `json:"at,omitzero"`
	Summary   *finalize.Summary `json:"summary,omitempty"`
}

func printTransitions(out *json.Encoder) func(session.Transition) {
	return func(tr session.Transition) {
		out.Encode(replayEntry{
			Kind:      "transition",
			ContactID: tr.ContactID,
			From:      tr.From,
			To:        tr.To,
			At:        tr.At,
		})
	}
}

func printSummaries(out *json.Encoder) finalize.Persister {
	return finalize.PersisterFunc(func(_ context.Context, s finalize.Summary) error {
		return out.Encode(replayEntry{Kind: "summary", ContactID: s.ContactID, Summary: &s})
	})
}
