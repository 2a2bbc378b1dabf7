package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecurringPatternInterval(t *testing.T) {
	assert.Equal(t, 24*time.Hour, RecurDaily.Interval())
	assert.Equal(t, 7*24*time.Hour, RecurWeekly.Interval())
	assert.Equal(t, 30*24*time.Hour, RecurMonthly.Interval())
	assert.Zero(t, RecurCustom.Interval())
	assert.Zero(t, RecurringPattern("bogus").Interval())
}

func TestActionsNone(t *testing.T) {
	assert.True(t, Actions{}.None())
	assert.False(t, Actions{Post: true}.None())
	assert.False(t, Actions{Favorite: true}.None())
}

func TestCredential(t *testing.T) {
	acct := PlatformAccount{Credentials: map[string]string{"chat_id": "-100"}}
	assert.Equal(t, "-100", acct.Credential("chat_id"))
	assert.Empty(t, acct.Credential("missing"))
	assert.Empty(t, PlatformAccount{}.Credential("chat_id"))
}
