package domain

import (
	"context"
	"errors"
)

// ErrAuthExpired marks a publish or fetch failure caused by an expired or
// revoked access token. The dispatcher reacts to it with a single token
// refresh and retry; every platform client must wrap 401-class failures so
// that errors.Is(err, ErrAuthExpired) holds.
var ErrAuthExpired = errors.New("authorization expired")

// ErrNotFound is returned by Store lookups that match no row.
var ErrNotFound = errors.New("not found")

// Store is the persistence collaborator. The engine treats it as an
// append-only ledger for executions and a read-mostly source of tasks and
// accounts.
type Store interface {
	Tasks(ctx context.Context) ([]Task, error)
	ActiveTasks(ctx context.Context) ([]Task, error)
	Task(ctx context.Context, id string) (Task, error)

	AccountsByIDs(ctx context.Context, ids []string) ([]PlatformAccount, error)
	Account(ctx context.Context, id string) (PlatformAccount, error)

	// UpdateTaskRun writes back status, lastExecuted and the execution
	// counters after a run. Last-writer-wins; the core never re-reads first.
	UpdateTaskRun(ctx context.Context, taskID string, status TaskStatus, lastExecuted int64, ran, failed int) error
	UpdateAccountTokens(ctx context.Context, accountID, accessToken, refreshToken string) error

	CreateExecution(ctx context.Context, e Execution) error
	RecentExecutions(ctx context.Context, taskID string, limit int) ([]Execution, error)

	// LatestSourceItemID resolves the poller cursor for (task, source account).
	// LatestSourceItemIDByIdentity does the same keyed by the source identity
	// string (username); the two lookups are intentionally separate. Both
	// return "" when no watermark exists.
	LatestSourceItemID(ctx context.Context, taskID, sourceAccountID string) (string, error)
	LatestSourceItemIDByIdentity(ctx context.Context, taskID, identity string) (string, error)
}

// Fetcher pulls recent items for one source account, newer than sinceID.
// A sinceID of "" means "from the beginning of the window the platform allows".
type Fetcher interface {
	FetchSince(ctx context.Context, account PlatformAccount, query, sinceID string, limit int) ([]SourceItem, error)
}

// MessagePublisher delivers content to a messaging-style target (chat id in
// the account's credential blob).
type MessagePublisher interface {
	SendMessage(ctx context.Context, account PlatformAccount, chatID, text string) error
	SendMediaGroup(ctx context.Context, account PlatformAccount, chatID, caption string, media []Media) error
	SendVideo(ctx context.Context, account PlatformAccount, chatID, caption, url string) error
}

// Publisher executes re-publish-style actions on a same-platform identity.
// Each call returns the platform id of the created object where applicable.
type Publisher interface {
	Post(ctx context.Context, account PlatformAccount, text string) (string, error)
	Reply(ctx context.Context, account PlatformAccount, itemID, text string) (string, error)
	Quote(ctx context.Context, account PlatformAccount, itemID, text string) (string, error)
	Repost(ctx context.Context, account PlatformAccount, itemID string) (string, error)
	Favorite(ctx context.Context, account PlatformAccount, itemID string) error
}

// TokenPair is the result of a refresh-grant exchange. RefreshToken may be
// empty when the platform does not rotate it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// StreamRule is a remote filter expression tagged task:<id>. The full rule set
// is recomputed and replaced on every stream (re)start.
type StreamRule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag"`
}

type RuleSyncer interface {
	ListRules(ctx context.Context) ([]StreamRule, error)
	AddRules(ctx context.Context, rules []StreamRule) error
	DeleteRules(ctx context.Context, ids []string) error
}
