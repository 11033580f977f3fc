package pipeline

import "github.com/lucasnoah/argus/internal/ledger"

// Ledger indexes.
const (
	IndexBundles  = "bundles"
	IndexRuns     = "runs"
	IndexTraces   = "stage_traces"
	IndexFindings = "findings"
	IndexActions  = "actions"
)

// Bundle statuses.
const (
	BundleNew        = "NEW"
	BundleProcessing = "PROCESSING"
	BundleDone       = "DONE"
	BundleFailed     = "FAILED"
)

// Run statuses. SUCCEEDED and FAILED are terminal.
const (
	RunRunning   = "RUNNING"
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
)

// Per-stage states inside a run's stage summary.
const (
	StageNotStarted = "NOT_STARTED"
	StageRunning    = "RUNNING"
	StageSucceeded  = "SUCCEEDED"
	StageFailed     = "FAILED"
	StageSkipped    = "SKIPPED"
)

// Trace statuses.
const (
	TraceSuccess = "SUCCESS"
	TraceFailed  = "FAILED"
	TraceSkipped = "SKIPPED"
)

// Action types.
const (
	ActionRequestForFix = "request-for-fix"
	ActionBundleOfFix   = "bundle-of-fix"
	ActionChatPublish   = "chat-publish"
)

// Action statuses.
const (
	ActionNew        = "NEW"
	ActionProcessing = "PROCESSING"
	ActionSucceeded  = "SUCCEEDED"
	ActionCreated    = "CREATED"
	ActionExists     = "EXISTS"
	ActionFailed     = "FAILED"
)

// Finding triage statuses.
const (
	TriageOpen        = "OPEN"
	TriageFixProposed = "FIX_PROPOSED"
)

// Artifact is one scan output attached to a bundle.
type Artifact struct {
	Name   string `json:"name"`
	Format string `json:"format"` // "npm-audit", "sarif", "generic"
	Path   string `json:"path,omitempty"`
	Data   string `json:"data,omitempty"` // inline content; takes precedence over Path
}

// Bundle is a pending unit of pipeline work created on ingest.
type Bundle struct {
	BundleID  string     `json:"bundleId"`
	RunID     string     `json:"runId"`
	Repo      string     `json:"repo"`
	Build     string     `json:"build"`
	Bundle    string     `json:"bundle"`
	Artifacts []Artifact `json:"artifacts"`
	Status    string     `json:"status"`
	Source    string     `json:"source,omitempty"`
	ErrorCode string     `json:"errorCode,omitempty"`
	ClaimedBy string     `json:"claimedBy,omitempty"`
	ClaimedAt string     `json:"claimedAt,omitempty"`
	CreatedAt string     `json:"createdAt"`

	Version ledger.VersionToken `json:"-"`
}

// StageState is one entry of a run's stage summary.
type StageState struct {
	Status    string         `json:"status"`
	StartedAt string         `json:"startedAt,omitempty"`
	EndedAt   string         `json:"endedAt,omitempty"`
	Stats     map[string]int `json:"stats,omitempty"`
}

// Run tracks one execution of the four-stage pipeline for a bundle.
type Run struct {
	RunID        string                `json:"runId"`
	Repo         string                `json:"repo"`
	Build        string                `json:"build"`
	Bundle       string                `json:"bundle"`
	Status       string                `json:"status"`
	StageSummary map[string]StageState `json:"stageSummary"`
	Attempt      int                   `json:"attempt"`
	IntelVersion string                `json:"intelVersion,omitempty"`
	ErrorCode    string                `json:"errorCode,omitempty"`
	Error        string                `json:"error,omitempty"`
	CreatedAt    string                `json:"createdAt"`
	UpdatedAt    string                `json:"updatedAt"`

	Version ledger.VersionToken `json:"-"`
}

// Terminal reports whether the run can no longer change status.
func (r *Run) Terminal() bool {
	return r.Status == RunSucceeded || r.Status == RunFailed
}

// StageTrace is the append-only audit record of one stage attempt.
type StageTrace struct {
	TraceID   string         `json:"traceId"`
	RunID     string         `json:"runId"`
	Stage     string         `json:"stage"`
	Attempt   int            `json:"attempt"`
	Status    string         `json:"status"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Error     string         `json:"error,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
	KeyIDs    []string       `json:"keyIds,omitempty"`
	StartedAt string         `json:"startedAt"`
	EndedAt   string         `json:"endedAt"`

	// Seq is assigned by the ledger on insert.
	Seq int64 `json:"seq"`
}

// Reachability says whether vulnerable code is reachable from the application.
type Reachability struct {
	Reachable *bool  `json:"reachable,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Threat holds exploit-intelligence signals attached during enrichment.
type Threat struct {
	KEV          bool     `json:"kev"`
	EPSS         *float64 `json:"epss,omitempty"`
	IntelVersion string   `json:"intelVersion,omitempty"`
	Source       string   `json:"source,omitempty"`
}

// FindingContext groups the enrichment inputs of a finding.
type FindingContext struct {
	Reachability *Reachability `json:"reachability,omitempty"`
	Threat       *Threat       `json:"threat,omitempty"`
}

// ScoreBreakdown makes a priority score recomputable: Total is
// min(Max, max(0, Base + sum(Boosts))).
type ScoreBreakdown struct {
	Base   float64            `json:"base"`
	Boosts map[string]float64 `json:"boosts"`
	Total  float64            `json:"total"`
	Max    float64            `json:"max"`
}

// Explanation records why a finding has its priority score.
type Explanation struct {
	ScoreBreakdown ScoreBreakdown `json:"scoreBreakdown"`
	BoostsApplied  []string       `json:"boostsApplied"`
	ReasonCodes    []string       `json:"reasonCodes"`
	IntelVersion   string         `json:"intelVersion,omitempty"`
}

// Finding is a normalized vulnerability scoped to one run.
type Finding struct {
	FindingID           string         `json:"findingId"`
	RunID               string         `json:"runId"`
	RuleID              string         `json:"ruleId"`
	CVE                 string         `json:"cve,omitempty"`
	Package             string         `json:"package,omitempty"`
	PackageVersion      string         `json:"version,omitempty"`
	Location            string         `json:"location,omitempty"`
	Severity            string         `json:"severity"`
	Title               string         `json:"title"`
	Scanner             string         `json:"scanner,omitempty"`
	PriorityScore       float64        `json:"priorityScore"`
	PriorityScoreBase   float64        `json:"priorityScoreBase"`
	PriorityExplanation *Explanation   `json:"priorityExplanation,omitempty"`
	Context             FindingContext `json:"context"`
	TriageStatus        string         `json:"triageStatus"`
	CreatedAt           string         `json:"createdAt"`

	Version ledger.VersionToken `json:"-"`
}

// ActionRecord is the unit of idempotency: one side-effect intent and its outcome.
type ActionRecord struct {
	ActionID    string         `json:"actionId"`
	ActionType  string         `json:"actionType"`
	Scope       string         `json:"scope"`
	Status      string         `json:"status"`
	PayloadHash string         `json:"payloadHash"`
	Payload     map[string]any `json:"payload,omitempty"`
	Source      string         `json:"source,omitempty"`
	Attribution string         `json:"attribution,omitempty"`
	TargetKey   string         `json:"targetKey,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      string         `json:"result,omitempty"` // generated text or sink status
	Attempts    int            `json:"attempts,omitempty"`
	ClaimedBy   string         `json:"claimedBy,omitempty"`
	ClaimedAt   string         `json:"claimedAt,omitempty"`
	CreatedAt   string         `json:"createdAt"`
	UpdatedAt   string         `json:"updatedAt"`

	Version ledger.VersionToken `json:"-"`
}
