package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/domain/conversation"
)

func newRepo(t *testing.T) *ConversationRepository {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewConversationRepository(db)
}

func TestSaveAndFind(t *testing.T) {
	repo := newRepo(t)
	now := time.Now()

	c := conversation.New("bot-7", time.Hour)
	require.NoError(t, c.JoinMobile("m1", now))
	require.NoError(t, repo.Save(c))

	got, err := repo.FindByID(c.ID())
	require.NoError(t, err)
	assert.Equal(t, "bot-7", got.BotID)
	assert.Equal(t, "m1", got.MobileSessionID)
	assert.Equal(t, domain.ConversationActive, got.Status)
	assert.WithinDuration(t, c.ExpiresAt.Time, got.ExpiresAt.Time, time.Microsecond)

	got.LeaveMobile("m1", domain.LeavePageClosed, now)
	require.NoError(t, repo.Save(got))

	again, err := repo.FindByID(c.ID())
	require.NoError(t, err)
	assert.False(t, again.HasActiveMobileSession())
	assert.True(t, again.MobileJoinedAt.IsZero())
}

func TestFindByIDNotFound(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.FindByID("missing")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestFindExpirable(t *testing.T) {
	repo := newRepo(t)
	short := conversation.New("bot", time.Millisecond)
	long := conversation.New("bot", time.Hour)
	gone := conversation.New("bot", time.Millisecond)
	gone.Expire(time.Now())
	for _, c := range []*conversation.Conversation{short, long, gone} {
		require.NoError(t, repo.Save(c))
	}

	due, err := repo.FindExpirable(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, short.ID(), due[0].ID())
}
