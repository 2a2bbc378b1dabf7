// Package xapi is a thin JSON-over-HTTP client for the X v2 API surface the
// engine consumes: recent search, publish actions, stream rule management and
// the OAuth2 refresh grant.
package xapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crossflow/internal/domain"
)

type Client struct {
	baseURL      string
	bearer       string
	clientID     string
	clientSecret string
	http         *http.Client
}

func New(baseURL, bearer, clientID, clientSecret string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		bearer:       bearer,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

type apiItem struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	CreatedAt        time.Time `json:"created_at"`
	AuthorID         string    `json:"author_id"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
	Attachments struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

type apiIncludes struct {
	Users []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"users"`
	Media []struct {
		MediaKey        string `json:"media_key"`
		Type            string `json:"type"`
		URL             string `json:"url"`
		PreviewImageURL string `json:"preview_image_url"`
	} `json:"media"`
}

// FetchSince pulls recent items matching query, newer than sinceID.
func (c *Client) FetchSince(ctx context.Context, account domain.PlatformAccount, query, sinceID string, limit int) ([]domain.SourceItem, error) {
	if limit < 10 {
		limit = 10 // API floor for max_results
	}
	q := url.Values{}
	q.Set("query", query)
	q.Set("max_results", strconv.Itoa(limit))
	q.Set("tweet.fields", "created_at,author_id,referenced_tweets,attachments")
	q.Set("expansions", "author_id,attachments.media_keys")
	q.Set("user.fields", "username,name")
	q.Set("media.fields", "type,url,preview_image_url")
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}

	var out struct {
		Data     []apiItem   `json:"data"`
		Includes apiIncludes `json:"includes"`
	}
	token := account.AccessToken
	if token == "" {
		token = c.bearer
	}
	if err := c.do(ctx, http.MethodGet, "/2/tweets/search/recent?"+q.Encode(), token, nil, &out); err != nil {
		return nil, err
	}

	users := make(map[string][2]string, len(out.Includes.Users))
	for _, u := range out.Includes.Users {
		users[u.ID] = [2]string{u.Username, u.Name}
	}
	media := make(map[string]domain.Media, len(out.Includes.Media))
	for _, m := range out.Includes.Media {
		u := m.URL
		if u == "" {
			u = m.PreviewImageURL
		}
		media[m.MediaKey] = domain.Media{Type: mediaType(m.Type), URL: u}
	}

	items := make([]domain.SourceItem, 0, len(out.Data))
	for _, d := range out.Data {
		item := domain.SourceItem{
			ID:        d.ID,
			Text:      d.Text,
			CreatedAt: d.CreatedAt,
			AuthorID:  d.AuthorID,
		}
		if u, ok := users[d.AuthorID]; ok {
			item.AuthorUsername, item.AuthorName = u[0], u[1]
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
		for _, key := range d.Attachments.MediaKeys {
			if m, ok := media[key]; ok {
				item.Media = append(item.Media, m)
			}
		}
		items = append(items, item)
	}
	return items, nil
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

type createResp struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *Client) Post(ctx context.Context, account domain.PlatformAccount, text string) (string, error) {
	var out createResp
	err := c.do(ctx, http.MethodPost, "/2/tweets", account.AccessToken, map[string]any{"text": text}, &out)
	return out.Data.ID, err
}

func (c *Client) Reply(ctx context.Context, account domain.PlatformAccount, itemID, text string) (string, error) {
	var out createResp
	body := map[string]any{"text": text, "reply": map[string]string{"in_reply_to_tweet_id": itemID}}
	err := c.do(ctx, http.MethodPost, "/2/tweets", account.AccessToken, body, &out)
	return out.Data.ID, err
}

func (c *Client) Quote(ctx context.Context, account domain.PlatformAccount, itemID, text string) (string, error) {
	var out createResp
	body := map[string]any{"text": text, "quote_tweet_id": itemID}
	err := c.do(ctx, http.MethodPost, "/2/tweets", account.AccessToken, body, &out)
	return out.Data.ID, err
}

func (c *Client) Repost(ctx context.Context, account domain.PlatformAccount, itemID string) (string, error) {
	accountID := account.Credential("account_id")
	if accountID == "" {
		return "", fmt.Errorf("account %s has no account_id credential", account.ID)
	}
	var out struct {
		Data struct {
			Retweeted bool `json:"retweeted"`
		} `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/2/users/"+accountID+"/retweets", account.AccessToken, map[string]string{"tweet_id": itemID}, &out)
	if err != nil {
		return "", err
	}
	return itemID, nil
}

func (c *Client) Favorite(ctx context.Context, account domain.PlatformAccount, itemID string) error {
	accountID := account.Credential("account_id")
	if accountID == "" {
		return fmt.Errorf("account %s has no account_id credential", account.ID)
	}
	return c.do(ctx, http.MethodPost, "/2/users/"+accountID+"/likes", account.AccessToken, map[string]string{"tweet_id": itemID}, nil)
}

// Refresh exchanges a refresh token for fresh credentials.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return domain.TokenPair{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.clientSecret != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.TokenPair{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.TokenPair{}, fmt.Errorf("token refresh: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.TokenPair{}, fmt.Errorf("token refresh: decode: %w", err)
	}
	return domain.TokenPair{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

func (c *Client) ListRules(ctx context.Context) ([]domain.StreamRule, error) {
	var out struct {
		Data []domain.StreamRule `json:"data"`
	}
	err := c.do(ctx, http.MethodGet, "/2/tweets/search/stream/rules", c.bearer, nil, &out)
	return out.Data, err
}

func (c *Client) AddRules(ctx context.Context, rules []domain.StreamRule) error {
	return c.do(ctx, http.MethodPost, "/2/tweets/search/stream/rules", c.bearer, map[string]any{"add": rules}, nil)
}

func (c *Client) DeleteRules(ctx context.Context, ids []string) error {
	body := map[string]any{"delete": map[string][]string{"ids": ids}}
	return c.do(ctx, http.MethodPost, "/2/tweets/search/stream/rules", c.bearer, body, nil)
}

// do performs one JSON round trip. 401/403 responses are wrapped so callers
// can detect expiry with errors.Is(err, domain.ErrAuthExpired).
func (c *Client) do(ctx context.Context, method, path, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s %s: status %d", domain.ErrAuthExpired, method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, b)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
