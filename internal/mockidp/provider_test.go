package mockidp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecution_SingleUse(t *testing.T) {
	m := New()

	token, err := m.IssueExecution()
	require.NoError(t, err)

	require.NoError(t, m.ConsumeExecution(token))
	assert.ErrorIs(t, m.ConsumeExecution(token), ErrInvalidExecution)
}

func TestExecution_ForeignKey(t *testing.T) {
	token, err := New().IssueExecution()
	require.NoError(t, err)

	assert.ErrorIs(t, New().ConsumeExecution(token), ErrInvalidExecution)
	assert.ErrorIs(t, New().ConsumeExecution("not-a-jwt"), ErrInvalidExecution)
}

func TestValidateCredentials(t *testing.T) {
	m := New()

	assert.NoError(t, m.ValidateCredentials("11910101", "password123"))
	assert.ErrorIs(t, m.ValidateCredentials("11910101", "nope"), ErrInvalidPassword)
	assert.ErrorIs(t, m.ValidateCredentials("nobody", "password123"), ErrUnknownUser)

	require.NoError(t, m.SetPassword("11910101", "rotated"))
	assert.NoError(t, m.ValidateCredentials("11910101", "rotated"))
	assert.ErrorIs(t, m.SetPassword("nobody", "x"), ErrUnknownUser)
}

func TestGrantsAndTickets(t *testing.T) {
	m := New()

	grant := m.CreateGrant("11910101")
	user, ok := m.GrantUser(grant)
	require.True(t, ok)
	assert.Equal(t, "11910101", user)

	st := m.IssueServiceTicket(user)
	sid, ok := m.RedeemServiceTicket(st)
	require.True(t, ok)
	_, ok = m.RedeemServiceTicket(st)
	assert.False(t, ok, "service tickets are single-use")

	user, ok = m.TISUser(sid)
	require.True(t, ok)
	assert.Equal(t, "11910101", user)

	m.ExpireSessions()
	_, ok = m.GrantUser(grant)
	assert.False(t, ok)
	_, ok = m.TISUser(sid)
	assert.False(t, ok)
}

func TestSelection(t *testing.T) {
	m := New()
	const bob = "11910202"

	assert.ErrorIs(t, m.Select(bob, "NOPE-1", 1), ErrUnknownOffering)
	assert.ErrorIs(t, m.Select(bob, "MA103A-2", 1), ErrOfferingFull)
	assert.ErrorIs(t, m.UpdatePoints(bob, "HUM032-1", 5), ErrNotSelected)

	require.NoError(t, m.Select(bob, "HUM032-1", 5))
	assert.ErrorIs(t, m.Select(bob, "HUM032-1", 5), ErrAlreadySelected)
	require.NoError(t, m.UpdatePoints(bob, "HUM032-1", 9))

	offerings, points := m.SelectedOfferings(bob)
	require.Len(t, offerings, 1)
	assert.Equal(t, "HUM032-1", offerings[0].Course.ID)
	assert.Equal(t, []uint32{9}, points)
	assert.Equal(t, uint32(13), offerings[0].Enrolled)

	require.NoError(t, m.Drop(bob, "HUM032-1"))
	assert.ErrorIs(t, m.Drop(bob, "HUM032-1"), ErrNotSelected)
	assert.Len(t, m.AvailableOfferings(bob, "bxxk"), 1, "full offerings are still listed")
}

func TestStudent_ReturnsCopy(t *testing.T) {
	m := New()

	s, ok := m.Student("11910101")
	require.True(t, ok)
	s.Selected["HUM032-1"] = 1

	again, _ := m.Student("11910101")
	assert.NotContains(t, again.Selected, "HUM032-1")
}
