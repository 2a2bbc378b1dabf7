// Package match decides whether a discovered source item satisfies a task's
// trigger and exclusion filters, and builds the pull-retrieval query for a
// task's trigger configuration.
package match

import (
	"fmt"
	"strings"

	"crossflow/internal/domain"
)

// Evaluate reports whether the item passes the task's filters. It is used on
// the poller path, where items were already retrieved by a trigger-shaped
// query and only the exclusion flags need post-hoc enforcement.
//
// When the trigger is on_retweet the item must itself be a retweet, so the
// retweet components of ExcludeRetweets and OriginalOnly are suppressed; they
// would contradict the trigger.
func Evaluate(f domain.Filters, item domain.SourceItem) bool {
	requireRetweet := f.TriggerType == domain.OnRetweet

	if requireRetweet && !item.IsRetweet {
		return false
	}
	if f.ExcludeReplies && item.IsReply {
		return false
	}
	if f.ExcludeRetweets && item.IsRetweet && !requireRetweet {
		return false
	}
	if f.ExcludeQuotes && item.IsQuote {
		return false
	}
	if f.OriginalOnly {
		if item.IsReply || item.IsQuote {
			return false
		}
		if item.IsRetweet && !requireRetweet {
			return false
		}
	}
	return true
}

// EvaluateInline is Evaluate for event-driven ingestion (stream and webhook).
// on_like and on_search cannot be satisfied from inline reply/retweet/quote
// event fields, so those triggers always skip here and rely on the poller's
// query-based retrieval instead.
func EvaluateInline(f domain.Filters, item domain.SourceItem) bool {
	if f.TriggerType == domain.OnLike || f.TriggerType == domain.OnSearch {
		return false
	}
	return Evaluate(f, item)
}

// UsesIdentityCursor reports whether the poller should key its ledger cursor
// by the source identity string rather than the source account id. Triggers
// that query by content rather than by authorship fall in this bucket.
func UsesIdentityCursor(t domain.TriggerType) bool {
	switch t {
	case domain.OnMention, domain.OnKeyword, domain.OnHashtag, domain.OnSearch:
		return true
	}
	return false
}

// BuildQuery shapes the retrieval query for a task's trigger against one
// source account. The syntax follows the platform's search operators.
func BuildQuery(f domain.Filters, username string) string {
	var q string
	switch f.TriggerType {
	case domain.OnMention:
		q = "@" + username
	case domain.OnKeyword:
		q = fmt.Sprintf("from:%s %s", username, f.TriggerValue)
	case domain.OnHashtag:
		tag := strings.TrimPrefix(f.TriggerValue, "#")
		q = fmt.Sprintf("from:%s #%s", username, tag)
	case domain.OnSearch:
		q = f.TriggerValue
	case domain.OnRetweet:
		q = fmt.Sprintf("from:%s is:retweet", username)
	case domain.OnLike:
		q = fmt.Sprintf("liked_by:%s", username)
	default: // on_tweet
		q = "from:" + username
	}

	if f.ExcludeReplies {
		q += " -is:reply"
	}
	if f.ExcludeRetweets && f.TriggerType != domain.OnRetweet {
		q += " -is:retweet"
	}
	if f.ExcludeQuotes {
		q += " -is:quote"
	}
	return q
}

// RuleFor derives the remote stream rule for a task and one source username.
// Returns false for triggers the stream cannot serve.
func RuleFor(task domain.Task, username string) (domain.StreamRule, bool) {
	if task.Filters.TriggerType == domain.OnLike || task.Filters.TriggerType == domain.OnSearch {
		return domain.StreamRule{}, false
	}
	return domain.StreamRule{
		Value: BuildQuery(task.Filters, username),
		Tag:   "task:" + task.ID,
	}, true
}
