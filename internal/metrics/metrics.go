// Package metrics provides Prometheus metrics for the agent console bridge.
// Labels never carry contact ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionTransitionsTotal counts lifecycle transitions of the live session.
	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccp_session_transitions_total",
		Help: "Total number of contact session lifecycle transitions, by from and to state.",
	}, []string{"from", "to"})

	// SessionEventsIgnoredTotal counts domain events dropped by reconciliation.
	SessionEventsIgnoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccp_session_events_ignored_total",
		Help: "Total number of contact events ignored by the session state machine, by event and reason.",
	}, []string{"event", "reason"})

	// FinalizeTotal counts finalization attempts by outcome
	// (persisted, skipped_empty, duplicate).
	FinalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccp_finalize_total",
		Help: "Total number of call finalization attempts, by outcome.",
	}, []string{"outcome"})

	// PersistTotal counts summary persistence results (ok, error).
	PersistTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccp_summary_persist_total",
		Help: "Total number of call summary persistence calls, by result.",
	}, []string{"result"})

	// CommandFailuresTotal counts telephony commands rejected by the platform.
	CommandFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccp_command_failures_total",
		Help: "Total number of console commands rejected by the telephony platform, by command.",
	}, []string{"command"})

	// PresenceChangesTotal counts applied presence changes by source (request, platform).
	PresenceChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccp_presence_changes_total",
		Help: "Total number of agent presence changes applied, by source.",
	}, []string{"source"})
)
