package cycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cyclone/internal/gateway/venue"
)

func TestRoleSetsExclusiveMembership(t *testing.T) {
	var r RoleSets

	assert.True(t, r.Add(RoleInitial, 11))
	assert.False(t, r.Add(RoleInitial, 11), "re-adding to the same set is a no-op")
	assert.True(t, r.Add(RoleHedge, 11), "adding to another set moves the ticket")
	assert.Empty(t, r.Initial)
	assert.Equal(t, []venue.Ticket{11}, r.Hedge)

	role, ok := r.RoleOf(11)
	assert.True(t, ok)
	assert.Equal(t, RoleHedge, role)

	assert.False(t, r.Add(RoleInitial, 0), "ticket zero is never referenced")
}

func TestRoleSetsMoveToClosed(t *testing.T) {
	var r RoleSets
	r.Add(RoleInitial, 11)
	r.Add(RoleHedge, 12)

	assert.True(t, r.MoveToClosed(11))
	assert.False(t, r.MoveToClosed(99), "unknown tickets are ignored")
	assert.Equal(t, []venue.Ticket{11}, r.Closed)
	assert.False(t, r.AllOpenClosed())

	r.MoveToClosed(12)
	assert.True(t, r.AllOpenClosed())
	assert.False(t, r.Empty())
}

func TestRoleSetsOpenOrder(t *testing.T) {
	var r RoleSets
	r.Add(RolePending, 1)
	r.Add(RoleInitial, 2)
	r.Add(RoleHedge, 3)
	r.Add(RoleRecovery, 4)
	r.Add(RoleMaxRecovery, 5)
	r.Add(RoleClosed, 6)

	assert.Equal(t, []venue.Ticket{1, 2, 3, 4, 5}, r.Open())
	assert.Equal(t, []venue.Ticket{1, 2, 3, 4, 5, 6}, r.All())
}

func TestRoleSetsCloneIsDeep(t *testing.T) {
	var r RoleSets
	r.Add(RoleInitial, 11)

	c := r.Clone()
	c.Add(RoleInitial, 12)
	assert.Len(t, r.Initial, 1)
	assert.Len(t, c.Initial, 2)
}
