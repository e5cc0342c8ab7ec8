// Package venue holds the ordered registry of execution accounts
package venue

import (
	"fmt"
	"sort"

	"signal_router/internal/core"
	apperrors "signal_router/pkg/errors"
)

// Accounts maps account ids to their venue clients. Iteration is always in ascending id order.
type Accounts struct {
	ids     []int
	clients map[int]core.IVenue
	members map[int]int64
	main    int64
}

func NewAccounts() *Accounts {
	return &Accounts{
		clients: make(map[int]core.IVenue),
		members: make(map[int]int64),
	}
}

// Add registers a client for the account. memberID is the venue member id used for transfers (0 if unknown).
func (a *Accounts) Add(accountID int, client core.IVenue, memberID int64) error {
	if accountID < 1 {
		return fmt.Errorf("%w: account id %d", apperrors.ErrUnknownAccount, accountID)
	}
	if _, ok := a.clients[accountID]; ok {
		return fmt.Errorf("%w: account %d", apperrors.ErrAlreadyExists, accountID)
	}
	a.clients[accountID] = client
	a.members[accountID] = memberID
	a.ids = append(a.ids, accountID)
	sort.Ints(a.ids)
	return nil
}

func (a *Accounts) IDs() []int {
	out := make([]int, len(a.ids))
	copy(out, a.ids)
	return out
}

func (a *Accounts) Get(accountID int) (core.IVenue, bool) {
	c, ok := a.clients[accountID]
	return c, ok
}

// Primary is the lowest-numbered configured account, used for instrument metadata
func (a *Accounts) Primary() (int, core.IVenue, bool) {
	if len(a.ids) == 0 {
		return 0, nil, false
	}
	id := a.ids[0]
	return id, a.clients[id], true
}

// SetMainMember records the main (funding) account's member id, addressed as account 0
func (a *Accounts) SetMainMember(memberID int64) {
	a.main = memberID
}

// MemberID returns the venue member id configured for the account. Account 0 is the main account.
func (a *Accounts) MemberID(accountID int) (int64, bool) {
	if accountID == 0 {
		return a.main, a.main != 0
	}
	m, ok := a.members[accountID]
	return m, ok && m != 0
}
