package telegram

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	tele "gopkg.in/telebot.v4"

	"crossflow/internal/domain"
)

func TestWrapAuth(t *testing.T) {
	assert.NoError(t, wrapAuth(nil))

	plain := errors.New("network down")
	assert.Equal(t, plain, wrapAuth(plain))

	unauthorized := &tele.Error{Code: 401, Description: "Unauthorized"}
	assert.ErrorIs(t, wrapAuth(unauthorized), domain.ErrAuthExpired)

	forbidden := &tele.Error{Code: 403, Description: "Forbidden: bot was kicked"}
	assert.ErrorIs(t, wrapAuth(forbidden), domain.ErrAuthExpired)

	badRequest := &tele.Error{Code: 400, Description: "Bad Request: chat not found"}
	assert.NotErrorIs(t, wrapAuth(badRequest), domain.ErrAuthExpired)
}

func TestRecipient(t *testing.T) {
	assert.Equal(t, "-1001234", recipient("-1001234").Recipient())
	assert.Equal(t, "@channel", recipient("@channel").Recipient())
}

func TestBotRequiresToken(t *testing.T) {
	p := New("")
	_, err := p.bot(domain.PlatformAccount{})
	assert.Error(t, err)
}
