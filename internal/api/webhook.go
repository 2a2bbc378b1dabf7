package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"crossflow/internal/domain"
)

const (
	signatureHeader = "X-Webhook-Signature"
	maxWebhookBody  = 1 << 20
)

// webhookPayload is the inbound push shape, mapped onto SourceItem.
type webhookPayload struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	IsReply   bool      `json:"is_reply"`
	IsRetweet bool      `json:"is_retweet"`
	IsQuote   bool      `json:"is_quote"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"author"`
	Media []domain.Media `json:"media"`
}

func (p webhookPayload) sourceItem() domain.SourceItem {
	return domain.SourceItem{
		ID:             p.ID,
		Text:           p.Text,
		CreatedAt:      p.CreatedAt,
		IsReply:        p.IsReply,
		IsRetweet:      p.IsRetweet,
		IsQuote:        p.IsQuote,
		Media:          p.Media,
		AuthorID:       p.Author.ID,
		AuthorUsername: p.Author.Username,
		AuthorName:     p.Author.Name,
	}
}

// webhook verifies the shared-secret signature before any parsing, then runs
// the payload through the same inline path as stream events. Malformed
// bodies are acknowledged with 200 so the upstream does not retry-storm us.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.ID == "" {
		log.Warn().Err(err).Msg("ignoring malformed webhook payload")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	item := payload.sourceItem()
	processed := 0
	for _, task := range s.routeTasks(r, item) {
		execs, err := s.events.ProcessEvent(r.Context(), task, item)
		if err != nil {
			log.Warn().Str("task_id", task.ID).Str("item_id", item.ID).Err(err).Msg("webhook event processing failed")
			continue
		}
		processed += len(execs)
	}

	writeJSON(w, http.StatusOK, map[string]int{"executions": processed})
}

func (s *Server) verifySignature(body []byte, signature string) bool {
	if s.secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// routeTasks selects every active task the event belongs to: tasks watching
// the author, plus mention tasks whose watched handle appears in the text
// (a mention is authored by someone other than the watched account).
func (s *Server) routeTasks(r *http.Request, item domain.SourceItem) []domain.Task {
	tasks, err := s.store.ActiveTasks(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to load active tasks for webhook")
		return nil
	}

	var matched []domain.Task
	for _, task := range tasks {
		sources, err := s.store.AccountsByIDs(r.Context(), task.SourceAccountIDs)
		if err != nil {
			log.Warn().Str("task_id", task.ID).Err(err).Msg("failed to load sources for webhook routing")
			continue
		}
		for _, src := range sources {
			if !src.Active {
				continue
			}
			if sourceMatches(task, src, item) {
				matched = append(matched, task)
				break
			}
		}
	}
	return matched
}

func sourceMatches(task domain.Task, src domain.PlatformAccount, item domain.SourceItem) bool {
	if src.Username != "" && src.Username == item.AuthorUsername {
		return true
	}
	if id := src.Credential("account_id"); id != "" && id == item.AuthorID {
		return true
	}
	if task.Filters.TriggerType == domain.OnMention && src.Username != "" {
		return strings.Contains(strings.ToLower(item.Text), "@"+strings.ToLower(src.Username))
	}
	return false
}
