package domain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Ef(KindLockConflict, "join-mobile", "conversation %s held", "c1")
	wrapped := errors.Wrap(base, "client")

	assert.True(t, IsKind(wrapped, KindLockConflict))
	assert.False(t, IsKind(wrapped, KindExpired))
	assert.Equal(t, KindLockConflict, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "lock_conflict")
}

func TestIsKindNil(t *testing.T) {
	assert.False(t, IsKind(nil, KindNetwork))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestLeaveReasonValid(t *testing.T) {
	assert.True(t, LeavePageClosed.Valid())
	assert.True(t, LeaveInactivityExpired.Valid())
	assert.False(t, LeaveReason("rage-quit").Valid())
}
