// Package render turns a normalized source item into the outgoing message.
package render

import (
	"fmt"
	"strings"
	"time"

	"crossflow/internal/domain"
)

// DefaultTemplate is used when a task supplies no message template.
const DefaultTemplate = "{text}\n\n{link}"

// Message substitutes the named tokens into the template. Substitution is
// literal: no escaping, no loops, unknown tokens are left as-is.
func Message(template string, item domain.SourceItem) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultTemplate
	}

	r := strings.NewReplacer(
		"{text}", item.Text,
		"{username}", item.AuthorUsername,
		"{name}", item.AuthorName,
		"{date}", item.CreatedAt.UTC().Format(time.RFC3339),
		"{link}", Permalink(item),
		"{media}", strings.Join(MediaURLs(item), "\n"),
	)
	return r.Replace(template)
}

// Permalink synthesizes the item's canonical URL from the author handle and
// item id, falling back to the id-only form when the handle is unknown.
func Permalink(item domain.SourceItem) string {
	if item.AuthorUsername == "" {
		return fmt.Sprintf("https://x.com/i/web/status/%s", item.ID)
	}
	return fmt.Sprintf("https://x.com/%s/status/%s", item.AuthorUsername, item.ID)
}

func MediaURLs(item domain.SourceItem) []string {
	urls := make([]string, 0, len(item.Media))
	for _, m := range item.Media {
		if m.URL != "" {
			urls = append(urls, m.URL)
		}
	}
	return urls
}
