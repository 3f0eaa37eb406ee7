// Package intel defines the core types shared across the pipeline subsystems.
package intel

import (
	"time"
)

// Status represents the lifecycle state of an item.
type Status string

// Item status values persisted in the item store.
const (
	StatusDiscovered     Status = "DISCOVERED"
	StatusCrawling       Status = "CRAWLING"
	StatusCrawledSuccess Status = "CRAWLED_SUCCESS"
	StatusCrawledFail    Status = "CRAWLED_FAIL"
	StatusAnalyzing      Status = "ANALYZING"
	StatusCompleted      Status = "COMPLETED"
	StatusAnalysisFail   Status = "ANALYSIS_FAIL"
	StatusBlocked        Status = "BLOCKED"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusDiscovered,
	StatusCrawling,
	StatusCrawledSuccess,
	StatusCrawledFail,
	StatusAnalyzing,
	StatusCompleted,
	StatusAnalysisFail,
	StatusBlocked,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Readmittable reports whether an item in this status may be re-admitted by rediscovery.
func (s Status) Readmittable() bool {
	return s == StatusBlocked || s == StatusCrawledFail || s == StatusAnalysisFail
}

// Stage names a leased unit of work.
type Stage string

// Pipeline stages.
const (
	StageCrawl   Stage = "crawl"
	StageAnalyze Stage = "analyze"
)

// Stages lists the leased stages.
var Stages = []Stage{StageCrawl, StageAnalyze}

// Source is the status an item must be in to be claimed for the stage.
func (s Stage) Source() Status {
	if s == StageAnalyze {
		return StatusCrawledSuccess
	}
	return StatusDiscovered
}

// InProgress is the status held while a worker owns the lease.
func (s Stage) InProgress() Status {
	if s == StageAnalyze {
		return StatusAnalyzing
	}
	return StatusCrawling
}

// Success is the status written by a successful Complete.
func (s Stage) Success() Status {
	if s == StageAnalyze {
		return StatusCompleted
	}
	return StatusCrawledSuccess
}

// Failure is the status written by Fail when retries remain.
func (s Stage) Failure() Status {
	if s == StageAnalyze {
		return StatusAnalysisFail
	}
	return StatusCrawledFail
}

// StageOf maps an in-progress or failure status back to its stage.
func StageOf(status Status) (Stage, bool) {
	switch status {
	case StatusDiscovered, StatusCrawling, StatusCrawledFail:
		return StageCrawl, true
	case StatusCrawledSuccess, StatusAnalyzing, StatusAnalysisFail:
		return StageAnalyze, true
	default:
		return "", false
	}
}

// Priority values used by admission paths.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// Lease is a time-bounded claim on an item by one worker.
type Lease struct {
	WorkerID  string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	Expected  Status    `json:"expected_status"`
}

// CrawlResult is the payload written by a successful crawl.
type CrawlResult struct {
	URL        string    `json:"url"`
	HTTPStatus int       `json:"http_status"`
	Title      string    `json:"title"`
	ContentRef string    `json:"content_ref"`
	CrawledAt  time.Time `json:"crawled_at"`
}

// Analysis is the payload written by a successful analysis.
type Analysis struct {
	Category    string    `json:"category"`
	IsMalicious bool      `json:"is_malicious"`
	Confidence  float64   `json:"confidence"`
	Summary     string    `json:"summary"`
	Model       string    `json:"model,omitempty"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
}

// Item is the unit of work tracked by the pipeline.
type Item struct {
	ID          string       `json:"id"`
	FQDN        string       `json:"fqdn"`
	Status      Status       `json:"status"`
	Priority    int          `json:"priority"`
	RetryCount  int          `json:"retry_count"`
	Source      string       `json:"source,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	CrawlResult *CrawlResult `json:"crawl_result,omitempty"`
	Lease       *Lease       `json:"lease,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Outcome carries the stage payload passed to Complete.
type Outcome struct {
	Crawl    *CrawlResult
	Analysis *Analysis
}

// ItemFilter narrows item listings.
type ItemFilter struct {
	Status Status
	Search string
	Skip   int
	Limit  int
}

// AdmitOutcome describes what admission did with a candidate.
type AdmitOutcome string

// Admission outcomes.
const (
	AdmitCreated    AdmitOutcome = "created"
	AdmitReadmitted AdmitOutcome = "readmitted"
	AdmitDuplicate  AdmitOutcome = "duplicate"
	AdmitBlocked    AdmitOutcome = "blocked"
)

// Admission is a candidate FQDN presented to the item store.
type Admission struct {
	FQDN     string
	Source   string
	Priority int
	// Status is the initial status for a new item: DISCOVERED or BLOCKED.
	Status Status
	// Reason is recorded with a BLOCKED admission.
	Reason string
	// ReadmitBefore re-admits a readmittable item last updated before this instant.
	// Zero disables re-admission.
	ReadmitBefore time.Time
	// ForceReadmit re-admits a BLOCKED item regardless of ReadmitBefore.
	ForceReadmit bool
}

// Reversion records one forced watchdog reversion.
type Reversion struct {
	ItemID     string `json:"item_id"`
	FQDN       string `json:"fqdn"`
	WorkerID   string `json:"worker_id"`
	From       Status `json:"from"`
	To         Status `json:"to"`
	RetryCount int    `json:"retry_count"`
}

// Requeue records a failed item moved back to its stage source.
type Requeue struct {
	ItemID string `json:"item_id"`
	FQDN   string `json:"fqdn"`
	From   Status `json:"from"`
	To     Status `json:"to"`
}

// FeedSourceType enumerates supported feed formats.
type FeedSourceType string

// Feed formats.
const (
	SourceRSS  FeedSourceType = "RSS"
	SourceCSV  FeedSourceType = "CSV"
	SourceText FeedSourceType = "TEXT"
	SourceJSON FeedSourceType = "JSON"
)

// Valid reports whether t is a supported format.
func (t FeedSourceType) Valid() bool {
	switch t {
	case SourceRSS, SourceCSV, SourceText, SourceJSON:
		return true
	}
	return false
}

// FeedStatus is the persisted fetch state of a feed.
type FeedStatus string

// Feed fetch states.
const (
	FeedIdle     FeedStatus = "idle"
	FeedFetching FeedStatus = "fetching"
	FeedOK       FeedStatus = "ok"
	FeedError    FeedStatus = "error"
)

// Feed is an ingestion source.
type Feed struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	URL                  string         `json:"url"`
	SourceType           FeedSourceType `json:"source_type"`
	IsActive             bool           `json:"is_active"`
	FetchIntervalMinutes int            `json:"fetch_interval_minutes"`
	LastFetchedAt        *time.Time     `json:"last_fetched_at,omitempty"`
	LastStatus           FeedStatus     `json:"last_status"`
	LastError            string         `json:"last_error,omitempty"`
	TotalItemsFound      int64          `json:"total_items_found"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Due reports whether the feed interval has elapsed at now.
func (f Feed) Due(now time.Time) bool {
	if f.LastFetchedAt == nil {
		return true
	}
	interval := time.Duration(f.FetchIntervalMinutes) * time.Minute
	return now.Sub(*f.LastFetchedAt) >= interval
}

// FeedEdit carries operator-editable feed fields.
type FeedEdit struct {
	Name                 *string
	URL                  *string
	SourceType           *FeedSourceType
	FetchIntervalMinutes *int
	IsActive             *bool
}

// FetchResult is written back at the end of a fetch cycle.
type FetchResult struct {
	Status   FeedStatus
	Error    string
	Admitted int
	At       time.Time
}

// PolicyType distinguishes allow from deny rules.
type PolicyType string

// Policy types.
const (
	Blacklist PolicyType = "BLACKLIST"
	Whitelist PolicyType = "WHITELIST"
)

// Valid reports whether t is a known policy type.
func (t PolicyType) Valid() bool {
	return t == Blacklist || t == Whitelist
}

// Policy is an admission rule.
type Policy struct {
	ID        string     `json:"id"`
	Pattern   string     `json:"pattern"`
	Type      PolicyType `json:"type"`
	CreatedAt time.Time  `json:"created_at"`
}

// Decision is the policy verdict for one FQDN.
type Decision string

// Policy decisions.
const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
	Force Decision = "FORCE"
)

// Verdict is a decision with the rule that produced it.
type Verdict struct {
	Decision Decision   `json:"decision"`
	Pattern  string     `json:"pattern,omitempty"`
	Type     PolicyType `json:"type,omitempty"`
}

// Category is a classification label.
type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"is_system"`
	Count       int       `json:"count"`
	CreatedAt   time.Time `json:"created_at"`
}

// UncategorizedName is the system category used for unknown analysis labels.
const UncategorizedName = "Uncategorized"

// CategoryStat is one row of the category distribution.
type CategoryStat struct {
	Name    string  `json:"name"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// VectorStatus tracks a KB item's synchronization with the vector index.
type VectorStatus string

// Vector statuses.
const (
	VectorPending VectorStatus = "pending"
	VectorIndexed VectorStatus = "indexed"
	VectorStale   VectorStatus = "stale"
	VectorError   VectorStatus = "error"
)

// Valid reports whether v is a known vector status.
func (v VectorStatus) Valid() bool {
	switch v {
	case VectorPending, VectorIndexed, VectorStale, VectorError:
		return true
	}
	return false
}

// KBItem is the indexed representation of a completed item.
type KBItem struct {
	FQDN         string       `json:"fqdn"`
	ItemID       string       `json:"item_id"`
	Category     string       `json:"category"`
	IsMalicious  bool         `json:"is_malicious"`
	Confidence   float64      `json:"confidence"`
	Summary      string       `json:"summary"`
	VectorStatus VectorStatus `json:"vector_status"`
	VectorError  string       `json:"vector_error,omitempty"`
	Revision     int64        `json:"revision"`
	CrawledAt    *time.Time   `json:"crawled_at,omitempty"`
	AnalyzedAt   time.Time    `json:"analyzed_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Document renders the text embedded for the vector index.
func (k KBItem) Document() string {
	return k.FQDN + " - " + k.Category + ": " + k.Summary
}

// KBPatch carries operator-editable KB fields.
type KBPatch struct {
	Category    *string  `json:"category,omitempty"`
	IsMalicious *bool    `json:"is_malicious,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Summary     *string  `json:"summary,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p KBPatch) Empty() bool {
	return p.Category == nil && p.IsMalicious == nil && p.Confidence == nil && p.Summary == nil
}

// KBFilter narrows KB listings.
type KBFilter struct {
	Category     string
	VectorStatus VectorStatus
	Search       string
	Skip         int
	Limit        int
}

// KBStats summarizes the knowledge base.
type KBStats struct {
	TotalIndexed   int                  `json:"total_indexed"`
	Total          int                  `json:"total"`
	Categories     int                  `json:"categories"`
	MaliciousCount int                  `json:"malicious_count"`
	ByVectorStatus map[VectorStatus]int `json:"by_vector_status"`
}

// LogLevel is the severity of a pipeline log entry.
type LogLevel string

// Log levels.
const (
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// LogEntry is one append-only audit record.
type LogEntry struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id,omitempty"`
	Stage     string    `json:"stage"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Log stages used outside the leased stages.
const (
	LogStageAdmission = "admission"
	LogStageWatchdog  = "watchdog"
	LogStageFeed      = "feed"
	LogStageVector    = "vector"
	LogStagePolicy    = "policy"
	LogStageCategory  = "category"
)
