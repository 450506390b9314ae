package exclusivity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picowidget/pkg/domain"
)

type fakeBackend struct {
	mu         sync.Mutex
	historyErr error
	joinErr    error
	leaveErr   error
	joins      []string
	leaves     []domain.LeaveReason
	beacons    []domain.LeaveReason
}

func (b *fakeBackend) History(ctx context.Context, id string) error { return b.historyErr }

func (b *fakeBackend) JoinMobile(ctx context.Context, id, session string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins = append(b.joins, session)
	return b.joinErr
}

func (b *fakeBackend) LeaveMobile(ctx context.Context, id, session string, reason domain.LeaveReason) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaves = append(b.leaves, reason)
	return b.leaveErr
}

func (b *fakeBackend) LeaveBeacon(id, session string, reason domain.LeaveReason) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beacons = append(b.beacons, reason)
	return nil
}

type fakeView struct {
	blocked []BlockedState
	chats   int
}

func (v *fakeView) ShowBlocked(s BlockedState) { v.blocked = append(v.blocked, s) }
func (v *fakeView) ShowChat()                  { v.chats++ }

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		reason    BlockReason
		retryable bool
	}{
		{domain.Ef(domain.KindLockConflict, "join", "held"), BlockedAlreadyLocked, false},
		{domain.Ef(domain.KindExpired, "join", "gone"), BlockedExpired, false},
		{domain.Ef(domain.KindNotFound, "join", "missing"), BlockedNotFound, false},
		{domain.Ef(domain.KindSessionTerminated, "join", "401"), BlockedSignedOut, false},
		{domain.Ef(domain.KindNetwork, "join", "timeout"), BlockedNetwork, true},
		{errors.New("unclassified"), BlockedNetwork, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			st := Classify(tt.err)
			assert.Equal(t, tt.reason, st.Reason)
			assert.Equal(t, tt.retryable, st.Retryable)
			assert.NotEmpty(t, st.Message)
		})
	}
}

func TestOpenExpiredNeverShowsChat(t *testing.T) {
	backend := &fakeBackend{historyErr: domain.Ef(domain.KindExpired, "history", "410")}
	view := &fakeView{}
	s := NewMobileSession("c1", backend, view)

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.Zero(t, view.chats)
	require.Len(t, view.blocked, 1)
	assert.Equal(t, BlockedExpired, view.blocked[0].Reason)
	assert.Empty(t, backend.joins)
	assert.False(t, s.Interactive())
}

func TestOpenLockConflictBlocks(t *testing.T) {
	backend := &fakeBackend{joinErr: domain.Ef(domain.KindLockConflict, "join", "409")}
	view := &fakeView{}
	s := NewMobileSession("c1", backend, view)

	require.Error(t, s.Open(context.Background()))
	st, blocked := s.Blocked()
	require.True(t, blocked)
	assert.Equal(t, BlockedAlreadyLocked, st.Reason)
	assert.Zero(t, view.chats)
	assert.False(t, s.Interactive())

	// nothing to leave
	assert.NoError(t, s.Leave(context.Background(), domain.LeavePageClosed))
	assert.Empty(t, backend.leaves)
}

func TestOpenJoinLeave(t *testing.T) {
	backend := &fakeBackend{}
	view := &fakeView{}
	s := NewMobileSession("c1", backend, view)
	require.NotEmpty(t, s.SessionID)

	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, 1, view.chats)
	assert.True(t, s.Interactive())
	assert.Equal(t, []string{s.SessionID}, backend.joins)

	require.NoError(t, s.Leave(context.Background(), domain.LeaveInactivityExpired))
	require.NoError(t, s.Leave(context.Background(), domain.LeaveUnmount))
	s.LeaveBeacon(domain.LeavePageClosed)

	assert.Equal(t, []domain.LeaveReason{domain.LeaveInactivityExpired}, backend.leaves)
	assert.Empty(t, backend.beacons)
	assert.False(t, s.Interactive())
}

func TestLeaveBeaconOnUnload(t *testing.T) {
	backend := &fakeBackend{}
	s := NewMobileSession("c1", backend, nil)
	require.NoError(t, s.Join(context.Background()))

	s.LeaveBeacon(domain.LeavePageClosed)
	s.LeaveBeacon(domain.LeavePageClosed)
	assert.Equal(t, []domain.LeaveReason{domain.LeavePageClosed}, backend.beacons)
}

func TestLeaveFailureIsReportedOnce(t *testing.T) {
	backend := &fakeBackend{leaveErr: domain.Ef(domain.KindNetwork, "leave", "offline")}
	s := NewMobileSession("c1", backend, nil)
	require.NoError(t, s.Join(context.Background()))

	assert.Error(t, s.Leave(context.Background(), domain.LeavePageClosed))
	assert.NoError(t, s.Leave(context.Background(), domain.LeavePageClosed))
	assert.Len(t, backend.leaves, 1)
}
