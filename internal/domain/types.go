package domain

import "time"

type ExecutionType string

const (
	ExecImmediate ExecutionType = "immediate"
	ExecScheduled ExecutionType = "scheduled"
	ExecRecurring ExecutionType = "recurring"
)

type RecurringPattern string

const (
	RecurDaily   RecurringPattern = "daily"
	RecurWeekly  RecurringPattern = "weekly"
	RecurMonthly RecurringPattern = "monthly"
	RecurCustom  RecurringPattern = "custom"
)

// Interval returns the elapsed-time interval for a pattern. Custom patterns
// carry a cron expression on the task instead and return 0 here.
func (p RecurringPattern) Interval() time.Duration {
	switch p {
	case RecurDaily:
		return 24 * time.Hour
	case RecurWeekly:
		return 7 * 24 * time.Hour
	case RecurMonthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

type TaskStatus string

const (
	StatusActive    TaskStatus = "active"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusError     TaskStatus = "error"
)

type TriggerType string

const (
	OnTweet   TriggerType = "on_tweet"
	OnMention TriggerType = "on_mention"
	OnKeyword TriggerType = "on_keyword"
	OnHashtag TriggerType = "on_hashtag"
	OnSearch  TriggerType = "on_search"
	OnRetweet TriggerType = "on_retweet"
	OnLike    TriggerType = "on_like"
)

// Filters gate which source items a task reacts to.
type Filters struct {
	TriggerType  TriggerType `json:"trigger_type"`
	TriggerValue string      `json:"trigger_value,omitempty"`

	ExcludeReplies  bool `json:"exclude_replies"`
	ExcludeRetweets bool `json:"exclude_retweets"`
	ExcludeQuotes   bool `json:"exclude_quotes"`
	OriginalOnly    bool `json:"original_only"`
}

// Actions is the closed set of re-publish operations a task may toggle.
// The zero value means "post only", applied at dispatch time.
type Actions struct {
	Post     bool `json:"post"`
	Reply    bool `json:"reply"`
	Quote    bool `json:"quote"`
	Repost   bool `json:"repost"`
	Favorite bool `json:"favorite"`
}

func (a Actions) None() bool {
	return !a.Post && !a.Reply && !a.Quote && !a.Repost && !a.Favorite
}

type Transformations struct {
	MessageTemplate string  `json:"message_template,omitempty"`
	IncludeMedia    bool    `json:"include_media"`
	Actions         Actions `json:"actions"`
}

// Task is a user-defined automation rule linking source accounts to target
// accounts with filters, transformations and a schedule.
type Task struct {
	ID               string
	UserID           string
	SourceAccountIDs []string
	TargetAccountIDs []string
	ExecutionType    ExecutionType
	ScheduleTime     *time.Time
	RecurringPattern RecurringPattern
	CustomCron       string
	Status           TaskStatus
	Filters          Filters
	Transformations  Transformations
	LastExecuted     *time.Time
	ExecutionCount   int
	FailedCount      int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Platform string

const (
	PlatformX        Platform = "x"
	PlatformTelegram Platform = "telegram"
)

// PlatformAccount is a connected identity on one platform. The dispatch core
// only mutates it when a token refresh writes back new tokens.
type PlatformAccount struct {
	ID           string
	UserID       string
	Platform     Platform
	Username     string
	AccessToken  string
	RefreshToken string
	// Credentials holds platform-specific fields such as the Telegram chat id
	// or the numeric account id on X.
	Credentials map[string]string
	Active      bool
}

func (a PlatformAccount) Credential(key string) string {
	if a.Credentials == nil {
		return ""
	}
	return a.Credentials[key]
}

type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
	MediaGIF   MediaType = "gif"
)

type Media struct {
	Type MediaType `json:"type"`
	URL  string    `json:"url"`
}

// SourceItem is one normalized unit of discovered content. It is constructed
// fresh per poll cycle or stream event and never persisted directly.
type SourceItem struct {
	ID        string
	Text      string
	CreatedAt time.Time
	IsReply   bool
	IsRetweet bool
	IsQuote   bool
	Media     []Media

	AuthorID       string
	AuthorUsername string
	AuthorName     string
}

type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Execution records one publish attempt for one (task, source item, target)
// triple. Records are append-only; the poller reads them back to derive
// "already processed" cursors.
type Execution struct {
	ID                 string
	TaskID             string
	SourceAccountID    string
	TargetAccountID    string
	OriginalContent    string
	TransformedContent string
	Status             ExecutionStatus
	ErrorMessage       string
	ExecutedAt         time.Time

	// SourceItemID and SourceIdentity make the record usable as a dedup and
	// cursor key. SourceIdentity is the watched source's username, so it lines
	// up with the identity-keyed cursor lookup regardless of who authored the
	// item. Response carries arbitrary platform reply data.
	SourceItemID   string
	SourceIdentity string
	Response       map[string]string
}
