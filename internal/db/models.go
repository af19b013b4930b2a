package db

import (
	"time"
)

// Feed maps feeds.
type Feed struct {
	ID                 int64      `gorm:"column:id;primaryKey;autoIncrement"`
	URL                string     `gorm:"column:url;type:text;not null;uniqueIndex:idx_feeds_url"`
	Title              string     `gorm:"column:title;type:text;not null;default:''"`
	ErrorCount         int        `gorm:"column:error_count;not null;default:0"`
	LastError          *string    `gorm:"column:last_error;type:text"`
	NextRetryAt        *time.Time `gorm:"column:next_retry_at"`
	LastFetchedAt      *time.Time `gorm:"column:last_fetched_at"`
	Disabled           bool       `gorm:"column:disabled;not null;default:false"`
	DisabledReason     *string    `gorm:"column:disabled_reason;type:text"`
	GUIDUnreliable     bool       `gorm:"column:guid_unreliable;not null;default:false"`
	GUIDCollisionCount int        `gorm:"column:guid_collision_count;not null;default:0"`
	AllowDuplicateURLs bool       `gorm:"column:allow_duplicate_urls;not null;default:false"`
	CreatedAt          time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;not null"`
}

func (Feed) TableName() string { return "feeds" }

// Post maps posts. Identity keys are enforced by the dedup resolver rather than
// unique indexes because GUID reliability and the duplicate-URL override are per-feed.
type Post struct {
	ID                   int64      `gorm:"column:id;primaryKey;autoIncrement"`
	FeedID               int64      `gorm:"column:feed_id;not null;index:idx_posts_feed_guid,priority:1;index:idx_posts_feed_url,priority:1;index:idx_posts_feed_hash,priority:1"`
	GUID                 *string    `gorm:"column:guid;type:text;index:idx_posts_feed_guid,priority:2"`
	URL                  string     `gorm:"column:url;type:text;not null;default:''"`
	NormalizedURL        *string    `gorm:"column:normalized_url;type:text;index:idx_posts_feed_url,priority:2"`
	Title                string     `gorm:"column:title;type:text;not null;default:''"`
	Content              string     `gorm:"column:content;type:text;not null;default:''"`
	FullContent          *string    `gorm:"column:full_content;type:text"`
	ContentHash          *string    `gorm:"column:content_hash;type:text;index:idx_posts_feed_hash,priority:2;index:idx_posts_content_hash"`
	ContentHashRefreshed bool       `gorm:"column:content_hash_refreshed;not null;default:false"`
	IsRead               bool       `gorm:"column:is_read;not null;default:false"`
	IsStarred            bool       `gorm:"column:is_starred;not null;default:false"`
	PublishedAt          *time.Time `gorm:"column:published_at"`
	DeletedAt            *time.Time `gorm:"column:deleted_at"`
	CreatedAt            time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;not null"`
}

func (Post) TableName() string { return "posts" }

// Summary maps summaries, the summary cache keyed by content hash.
type Summary struct {
	ID              int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ContentHash     string    `gorm:"column:content_hash;type:text;not null;uniqueIndex:idx_summaries_content_hash"`
	SummaryText     string    `gorm:"column:summary_text;type:text;not null;default:''"`
	OneLineSummary  string    `gorm:"column:one_line_summary;type:text;not null;default:''"`
	TranslatedTitle *string   `gorm:"column:translated_title;type:text"`
	Tags            []string  `gorm:"column:tags;type:text;serializer:json"`
	Language        string    `gorm:"column:language;type:text;not null;default:''"`
	ProviderName    string    `gorm:"column:provider_name;type:text;not null;default:''"`
	ModelName       *string   `gorm:"column:model_name;type:text"`
	LatencyMS       *int64    `gorm:"column:latency_ms"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
}

func (Summary) TableName() string { return "summaries" }

// QueueJob maps summary_queue.
type QueueJob struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	PostID         int64      `gorm:"column:post_id;not null;uniqueIndex:idx_summary_queue_post"`
	ContentHash    string     `gorm:"column:content_hash;type:text;not null;index:idx_summary_queue_hash"`
	Priority       int        `gorm:"column:priority;not null;default:0"`
	Attempts       int        `gorm:"column:attempts;not null;default:0"`
	EmptyResponses int        `gorm:"column:empty_responses;not null;default:0"`
	LastError      *string    `gorm:"column:last_error;type:text"`
	ErrorType      *string    `gorm:"column:error_type;type:text"`
	LeasedAt       *time.Time `gorm:"column:leased_at"`
	LeaseOwner     *string    `gorm:"column:lease_owner;type:text"`
	CooldownUntil  *time.Time `gorm:"column:cooldown_until"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null"`
}

func (QueueJob) TableName() string { return "summary_queue" }

// SummaryFailure maps summary_failures, the permanent-failure log.
type SummaryFailure struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ContentHash string    `gorm:"column:content_hash;type:text;not null;index:idx_summary_failures_hash"`
	PostID      *int64    `gorm:"column:post_id"`
	LastError   string    `gorm:"column:last_error;type:text;not null;default:''"`
	ErrorType   string    `gorm:"column:error_type;type:text;not null;default:''"`
	Attempts    int       `gorm:"column:attempts;not null;default:0"`
	FailedAt    time.Time `gorm:"column:failed_at;not null"`
}

func (SummaryFailure) TableName() string { return "summary_failures" }

// BreakerState maps breaker_states, one row per provider.
type BreakerState struct {
	Name              string     `gorm:"column:name;type:text;primaryKey"`
	State             string     `gorm:"column:state;type:text;not null;default:'CLOSED'"`
	Failures          int        `gorm:"column:failures;not null;default:0"`
	HalfOpenSuccesses int        `gorm:"column:half_open_successes;not null;default:0"`
	LastFailureAt     *time.Time `gorm:"column:last_failure_at"`
	LastSuccessAt     *time.Time `gorm:"column:last_success_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
}

func (BreakerState) TableName() string { return "breaker_states" }

// RateLimiterState maps rate_limiter_states, one row per provider.
type RateLimiterState struct {
	Name            string     `gorm:"column:name;type:text;primaryKey"`
	LastAttemptAt   *time.Time `gorm:"column:last_attempt_at"`
	SuppressedUntil *time.Time `gorm:"column:suppressed_until"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;not null"`
}

func (RateLimiterState) TableName() string { return "rate_limiter_states" }

func autoMigrateModels() []any {
	return []any{
		&Feed{},
		&Post{},
		&Summary{},
		&QueueJob{},
		&SummaryFailure{},
		&BreakerState{},
		&RateLimiterState{},
	}
}
