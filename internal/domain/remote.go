package domain

// Outcome is the normalized disposition of a remote generation task.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
)

// ResultDescriptor is one artifact produced by the remote service. SourceURL
// is transient and expires; the ingestion pipeline replaces it with a durable
// reference before anything is persisted.
type ResultDescriptor struct {
	SourceURL       string
	PreviewURL      string
	Title           string
	DurationSeconds float64
	MIME            string
}

// RemoteStatus is the normalized view of a remote task that both completion
// paths (webhook push and status poll) hand to the reconciler. A success may
// carry several results: the first is the primary take, the rest are
// alternates fanned out as independent library entries.
type RemoteStatus struct {
	Outcome Outcome
	Results []ResultDescriptor
	Reason  string
}
