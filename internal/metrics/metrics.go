package metrics

import "expvar"

var (
	EventsReceived    = expvar.NewInt("events_received")
	EventsDropped     = expvar.NewInt("events_dropped")
	SnapshotsReceived = expvar.NewInt("snapshots_received")
	DuplicatesIgnored = expvar.NewInt("duplicates_ignored")
	OpensOK           = expvar.NewInt("opens_ok")
	OpensFailed       = expvar.NewInt("opens_failed")
	ClosesOK          = expvar.NewInt("closes_ok")
	ClosesFailed      = expvar.NewInt("closes_failed")
	ModifiesOK        = expvar.NewInt("modifies_ok")
	ModifiesFailed    = expvar.NewInt("modifies_failed")
	ReconcileRuns     = expvar.NewInt("reconcile_runs")
	ReconcileRepairs  = expvar.NewInt("reconcile_repairs")
	Divergences       = expvar.NewInt("divergences")
	CommandsProcessed = expvar.NewInt("commands_processed")
	ConnectionFlips   = expvar.NewInt("connection_flips")
)
