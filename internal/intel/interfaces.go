package intel

import (
	"context"
	"time"
)

// Limits are the operator-configured lease and retry bounds. The item store,
// the watchdog and the stats aggregator share one value so they agree on
// what counts as stuck.
type Limits struct {
	MaxRetries     int
	CrawlTimeout   time.Duration
	AnalyzeTimeout time.Duration
}

// Timeout returns the lease timeout for the stage.
func (l Limits) Timeout(stage Stage) time.Duration {
	if stage == StageAnalyze {
		return l.AnalyzeTimeout
	}
	return l.CrawlTimeout
}

// ItemStore owns the item state machine. Every transition is atomic.
type ItemStore interface {
	Admit(ctx context.Context, a Admission) (Item, AdmitOutcome, error)
	Claim(ctx context.Context, stage Stage, workerID string) (Item, error)
	Complete(ctx context.Context, itemID, workerID string, out Outcome) (Item, error)
	Fail(ctx context.Context, itemID, workerID, reason string) (Item, error)
	RevertStuck(ctx context.Context, stage Stage) ([]Reversion, error)
	RequeueFailed(ctx context.Context, before time.Time) ([]Requeue, error)
	Block(ctx context.Context, itemID, reason string) (Item, error)
	Unblock(ctx context.Context, itemID string) (Item, error)
	GetItem(ctx context.Context, itemID string) (Item, error)
	GetItemByFQDN(ctx context.Context, fqdn string) (Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]Item, int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	CountStuck(ctx context.Context, stage Stage) (int, error)
}

// FeedStore persists feeds and their fetch state.
type FeedStore interface {
	CreateFeed(ctx context.Context, feed Feed) (Feed, error)
	GetFeed(ctx context.Context, id string) (Feed, error)
	ListFeeds(ctx context.Context) ([]Feed, error)
	UpdateFeed(ctx context.Context, id string, edit FeedEdit) (Feed, error)
	DeleteFeed(ctx context.Context, id string) error
	BeginFetch(ctx context.Context, id string) (Feed, error)
	FinishFetch(ctx context.Context, id string, result FetchResult) (Feed, error)
	ResetFetching(ctx context.Context) (int, error)
}

// PolicyStore persists admission rules.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p Policy) (Policy, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
	DeletePolicy(ctx context.Context, id string) error
}

// CategoryStore persists categories. UpdateCategory cascades a rename to KB
// items in one transaction and returns the FQDNs it touched.
type CategoryStore interface {
	CreateCategory(ctx context.Context, c Category) (Category, error)
	GetCategory(ctx context.Context, id string) (Category, error)
	ListCategories(ctx context.Context) ([]Category, error)
	UpdateCategory(ctx context.Context, id, name, description string) (Category, []string, error)
	DeleteCategory(ctx context.Context, id string) error
	CategoryStats(ctx context.Context) ([]CategoryStat, error)
}

// KBStore persists knowledge base rows and their vector sync state.
type KBStore interface {
	GetKB(ctx context.Context, fqdn string) (KBItem, error)
	ListKB(ctx context.Context, filter KBFilter) ([]KBItem, int, error)
	PatchKB(ctx context.Context, fqdn string, patch KBPatch) (KBItem, error)
	DeleteKB(ctx context.Context, fqdn string) error
	MarkVectorPending(ctx context.Context, fqdn string) (KBItem, error)
	MarkVectorIndexed(ctx context.Context, fqdn string, revision int64) (bool, error)
	MarkVectorError(ctx context.Context, fqdn string, revision int64, reason string) error
	ListVectorBacklog(ctx context.Context, before time.Time, limit int) ([]KBItem, error)
	KBStats(ctx context.Context) (KBStats, error)
}

// LogFilter narrows log listings.
type LogFilter struct {
	ItemID string
	Level  LogLevel
	Limit  int
}

// LogStore is the append-only pipeline audit trail.
type LogStore interface {
	AppendLog(ctx context.Context, entry LogEntry) error
	ListLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error)
}

// Store bundles every persistence concern of one backend.
type Store interface {
	ItemStore
	FeedStore
	PolicyStore
	CategoryStore
	KBStore
	LogStore
	Ping(ctx context.Context) error
	Close()
}

// BlobStore writes raw crawl content and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// Publisher pushes pipeline events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Page is what a crawl returns.
type Page struct {
	URL         string
	StatusCode  int
	Title       string
	ContentType string
	Body        []byte
}

// Crawler fetches the landing page of an FQDN.
type Crawler interface {
	Crawl(ctx context.Context, fqdn string) (Page, error)
}

// AnalysisRequest is the input handed to the analysis model.
type AnalysisRequest struct {
	FQDN       string
	Title      string
	Content    string
	Categories []Category
}

// Analyzer classifies crawled content.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (Analysis, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Provider() string
	Dim() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match is one vector search hit.
type Match struct {
	FQDN     string         `json:"fqdn"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VectorStore is the external similarity index keyed by FQDN.
type VectorStore interface {
	Upsert(ctx context.Context, fqdn string, embedding []float32, metadata map[string]any) error
	Delete(ctx context.Context, fqdn string) error
	Search(ctx context.Context, embedding []float32, k int) ([]Match, error)
}

// Parser extracts candidate FQDNs from a raw feed body.
type Parser interface {
	Parse(raw []byte, sourceType FeedSourceType) ([]string, error)
}

// Downloader fetches a raw feed body.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// PolicyEvaluator returns the admission verdict for an FQDN.
type PolicyEvaluator interface {
	Evaluate(fqdn string) Verdict
}

// Hasher computes digests for content refs.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces UUIDs.
type IDGenerator interface {
	NewID() (string, error)
}
