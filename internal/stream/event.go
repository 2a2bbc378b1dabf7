package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crossflow/internal/domain"
)

// event is one newline-delimited payload from the filtered stream.
type event struct {
	Data          *eventData     `json:"data"`
	Includes      *eventIncludes `json:"includes"`
	MatchingRules []matchingRule `json:"matching_rules"`
	Errors        []eventError   `json:"errors"`
}

type eventData struct {
	ID               string           `json:"id"`
	Text             string           `json:"text"`
	CreatedAt        time.Time        `json:"created_at"`
	AuthorID         string           `json:"author_id"`
	ReferencedTweets []referencedItem `json:"referenced_tweets"`
	Attachments      struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

type referencedItem struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type eventIncludes struct {
	Users []eventUser  `json:"users"`
	Media []eventMedia `json:"media"`
}

type eventUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

type eventMedia struct {
	MediaKey        string `json:"media_key"`
	Type            string `json:"type"`
	URL             string `json:"url"`
	PreviewImageURL string `json:"preview_image_url"`
}

type matchingRule struct {
	ID  string `json:"id"`
	Tag string `json:"tag"`
}

type eventError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func parseEvent(line []byte) (*event, error) {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}

// taskIDs extracts the task ids from matching rule tags. Only tags of the
// form task:<id> are actionable.
func (e *event) taskIDs() []string {
	var ids []string
	for _, r := range e.MatchingRules {
		if id, ok := strings.CutPrefix(r.Tag, "task:"); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// sourceItem normalizes the event into the shared ingestion shape.
func (e *event) sourceItem() domain.SourceItem {
	d := e.Data
	item := domain.SourceItem{
		ID:        d.ID,
		Text:      d.Text,
		CreatedAt: d.CreatedAt,
		AuthorID:  d.AuthorID,
	}

	for _, ref := range d.ReferencedTweets {
		switch ref.Type {
		case "replied_to":
			item.IsReply = true
		case "retweeted":
			item.IsRetweet = true
		case "quoted":
			item.IsQuote = true
		}
	}

	if e.Includes != nil {
		for _, u := range e.Includes.Users {
			if u.ID == d.AuthorID {
				item.AuthorUsername = u.Username
				item.AuthorName = u.Name
				break
			}
		}
		byKey := make(map[string]eventMedia, len(e.Includes.Media))
		for _, m := range e.Includes.Media {
			byKey[m.MediaKey] = m
		}
		for _, key := range d.Attachments.MediaKeys {
			m, ok := byKey[key]
			if !ok {
				continue
			}
			url := m.URL
			if url == "" {
				url = m.PreviewImageURL
			}
			item.Media = append(item.Media, domain.Media{Type: mediaType(m.Type), URL: url})
		}
	}
	return item
}

func mediaType(t string) domain.MediaType {
	switch t {
	case "video":
		return domain.MediaVideo
	case "animated_gif":
		return domain.MediaGIF
	default:
		return domain.MediaPhoto
	}
}
