package ingest

// Phase is a step of the run state machine.
//
//	start -> fetching -> fetched -> parsing -> aggregated -> storing -> done
//
// A failure in any phase ends the run; the phase reached is kept in the run
// log next to the failure reason.
type Phase string

const (
	PhaseStart      Phase = "start"
	PhaseFetching   Phase = "fetching"
	PhaseFetched    Phase = "fetched"
	PhaseParsing    Phase = "parsing"
	PhaseAggregated Phase = "aggregated"
	PhaseStoring    Phase = "storing"
	PhaseDone       Phase = "done"
)
