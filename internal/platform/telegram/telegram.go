// Package telegram implements the messaging-style publish primitives on the
// Telegram Bot API via telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tele "gopkg.in/telebot.v4"

	"crossflow/internal/domain"
)

// Publisher delivers to Telegram chats. Bot handles are cached per token:
// each connected Telegram account carries its own bot token in AccessToken,
// with the config-level token as fallback.
type Publisher struct {
	defaultToken string

	mu   sync.Mutex
	bots map[string]*tele.Bot
}

func New(defaultToken string) *Publisher {
	return &Publisher{defaultToken: defaultToken, bots: make(map[string]*tele.Bot)}
}

func (p *Publisher) bot(account domain.PlatformAccount) (*tele.Bot, error) {
	token := account.AccessToken
	if token == "" {
		token = p.defaultToken
	}
	if token == "" {
		return nil, errors.New("no telegram bot token available")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.bots[token]; ok {
		return b, nil
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: nil, // send-only
		Client: nil,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", wrapAuth(err))
	}
	p.bots[token] = b
	return b, nil
}

// recipient adapts a raw chat id (numeric or @channel) to telebot.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func (p *Publisher) SendMessage(ctx context.Context, account domain.PlatformAccount, chatID, text string) error {
	b, err := p.bot(account)
	if err != nil {
		return err
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, err = b.Send(recipient(chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	return wrapAuth(err)
}

func (p *Publisher) SendMediaGroup(ctx context.Context, account domain.PlatformAccount, chatID, caption string, media []domain.Media) error {
	b, err := p.bot(account)
	if err != nil {
		return err
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	album := make(tele.Album, 0, len(media))
	for i, m := range media {
		var input tele.Inputtable
		switch m.Type {
		case domain.MediaVideo:
			v := &tele.Video{File: tele.FromURL(m.URL)}
			if i == 0 {
				v.Caption = caption
			}
			input = v
		default:
			ph := &tele.Photo{File: tele.FromURL(m.URL)}
			if i == 0 {
				ph.Caption = caption
			}
			input = ph
		}
		album = append(album, input)
	}
	if len(album) == 0 {
		return p.SendMessage(ctx, account, chatID, caption)
	}

	_, err = b.SendAlbum(recipient(chatID), album)
	return wrapAuth(err)
}

func (p *Publisher) SendVideo(ctx context.Context, account domain.PlatformAccount, chatID, caption, url string) error {
	b, err := p.bot(account)
	if err != nil {
		return err
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}
	video := &tele.Video{File: tele.FromURL(url), Caption: caption}
	_, err = b.Send(recipient(chatID), video)
	return wrapAuth(err)
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// wrapAuth maps Telegram 401/403 responses onto the engine's auth-expiry
// condition so the dispatcher's refresh contract can see them.
func wrapAuth(err error) error {
	if err == nil {
		return nil
	}
	var teleErr *tele.Error
	if errors.As(err, &teleErr) && (teleErr.Code == 401 || teleErr.Code == 403) {
		return fmt.Errorf("%w: %v", domain.ErrAuthExpired, err)
	}
	if errors.Is(err, tele.ErrUnauthorized) {
		return fmt.Errorf("%w: %v", domain.ErrAuthExpired, err)
	}
	return err
}
