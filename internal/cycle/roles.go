package cycle

import "cyclone/internal/gateway/venue"

// RoleSets groups a cycle's order references by role. Each set is an ordered
// list of venue tickets; a ticket belongs to at most one set at a time, and
// insertion order is preserved so the first element of Initial is always the
// cycle's opening order.
type RoleSets struct {
	Pending     []venue.Ticket `json:"pending"`
	Initial     []venue.Ticket `json:"initial"`
	Hedge       []venue.Ticket `json:"hedge"`
	Recovery    []venue.Ticket `json:"recovery"`
	MaxRecovery []venue.Ticket `json:"max_recovery"`
	Closed      []venue.Ticket `json:"closed"`
}

// Add places the ticket in the set for role, removing it from any other set
// first. Adding a ticket to the set it is already in is a no-op. It reports
// whether the sets changed.
func (r *RoleSets) Add(role Role, ticket venue.Ticket) bool {
	if ticket == 0 {
		return false
	}
	if current, ok := r.RoleOf(ticket); ok {
		if current == role {
			return false
		}
		r.Remove(ticket)
	}
	switch role {
	case RolePending:
		r.Pending = append(r.Pending, ticket)
	case RoleInitial:
		r.Initial = append(r.Initial, ticket)
	case RoleHedge:
		r.Hedge = append(r.Hedge, ticket)
	case RoleRecovery:
		r.Recovery = append(r.Recovery, ticket)
	case RoleMaxRecovery:
		r.MaxRecovery = append(r.MaxRecovery, ticket)
	case RoleClosed:
		r.Closed = append(r.Closed, ticket)
	default:
		return false
	}
	return true
}

// Remove drops the ticket from whichever set holds it.
func (r *RoleSets) Remove(ticket venue.Ticket) bool {
	removed := false
	for _, set := range []*[]venue.Ticket{&r.Pending, &r.Initial, &r.Hedge, &r.Recovery, &r.MaxRecovery, &r.Closed} {
		*set, removed = removeTicket(*set, ticket)
		if removed {
			return true
		}
	}
	return false
}

// MoveToClosed retags the ticket as closed, keeping it referenced so the
// cycle's history stays reconstructable. Unknown tickets are ignored.
func (r *RoleSets) MoveToClosed(ticket venue.Ticket) bool {
	if _, ok := r.RoleOf(ticket); !ok {
		return false
	}
	return r.Add(RoleClosed, ticket)
}

// RoleOf returns the role currently holding the ticket.
func (r *RoleSets) RoleOf(ticket venue.Ticket) (Role, bool) {
	for _, group := range []struct {
		role Role
		set  []venue.Ticket
	}{
		{RolePending, r.Pending},
		{RoleInitial, r.Initial},
		{RoleHedge, r.Hedge},
		{RoleRecovery, r.Recovery},
		{RoleMaxRecovery, r.MaxRecovery},
		{RoleClosed, r.Closed},
	} {
		for _, t := range group.set {
			if t == ticket {
				return group.role, true
			}
		}
	}
	return "", false
}

// Open returns every ticket that still represents live exposure or a working
// pending order, in role order.
func (r *RoleSets) Open() []venue.Ticket {
	out := make([]venue.Ticket, 0, len(r.Pending)+len(r.Initial)+len(r.Hedge)+len(r.Recovery)+len(r.MaxRecovery))
	out = append(out, r.Pending...)
	out = append(out, r.Initial...)
	out = append(out, r.Hedge...)
	out = append(out, r.Recovery...)
	out = append(out, r.MaxRecovery...)
	return out
}

// All returns every referenced ticket including closed ones.
func (r *RoleSets) All() []venue.Ticket {
	return append(r.Open(), r.Closed...)
}

// AllOpenClosed reports whether no set except Closed holds a ticket.
func (r *RoleSets) AllOpenClosed() bool {
	return len(r.Open()) == 0
}

// Empty reports whether no set holds any ticket at all.
func (r *RoleSets) Empty() bool {
	return r.AllOpenClosed() && len(r.Closed) == 0
}

// Clone returns a deep copy.
func (r RoleSets) Clone() RoleSets {
	return RoleSets{
		Pending:     cloneTickets(r.Pending),
		Initial:     cloneTickets(r.Initial),
		Hedge:       cloneTickets(r.Hedge),
		Recovery:    cloneTickets(r.Recovery),
		MaxRecovery: cloneTickets(r.MaxRecovery),
		Closed:      cloneTickets(r.Closed),
	}
}

func removeTicket(set []venue.Ticket, ticket venue.Ticket) ([]venue.Ticket, bool) {
	for i, t := range set {
		if t == ticket {
			return append(set[:i], set[i+1:]...), true
		}
	}
	return set, false
}

func cloneTickets(set []venue.Ticket) []venue.Ticket {
	if len(set) == 0 {
		return nil
	}
	out := make([]venue.Ticket, len(set))
	copy(out, set)
	return out
}
