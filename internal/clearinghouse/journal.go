package clearinghouse

import (
	"github.com/atmx/perp-engine/internal/assets"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/vamm"
)

// txn collects the undo steps and pending events of one transition.
type txn struct {
	undo   []func()
	events []Event
}

func (tx *txn) onRollback(f func()) {
	tx.undo = append(tx.undo, f)
}

func (tx *txn) emit(e Event) {
	tx.events = append(tx.events, e)
}

func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.events = nil
}

// apply runs fn as one all-or-nothing transition. Events reach the sink only
// after fn succeeds.
func (ch *ClearingHouse) apply(fn func(tx *txn) error) error {
	tx := &txn{}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if ch.sink != nil {
		for _, e := range tx.events {
			ch.sink.Publish(e)
		}
	}
	return nil
}

// guardVamm snapshots a market's vAMM state so a failed transition restores
// reserves and twap together.
func (ch *ClearingHouse) guardVamm(tx *txn, id vamm.ID) error {
	before, err := ch.vamms.Get(id)
	if err != nil {
		return err
	}
	tx.onRollback(func() { _ = ch.vamms.Restore(id, before) })
	return nil
}

func (ch *ClearingHouse) setCollateral(tx *txn, account assets.Account, v fixed.Balance) {
	prev, had := ch.collateral[account]
	tx.onRollback(func() {
		if had {
			ch.collateral[account] = prev
		} else {
			delete(ch.collateral, account)
		}
	})
	ch.collateral[account] = v
}

func (ch *ClearingHouse) setPosition(tx *txn, p Position) {
	k := p.key()
	prev, had := ch.positions[k]
	tx.onRollback(func() {
		if had {
			ch.positions[k] = prev
		} else {
			delete(ch.positions, k)
		}
	})
	ch.positions[k] = p
}

func (ch *ClearingHouse) removePosition(tx *txn, k positionKey) {
	prev, had := ch.positions[k]
	if !had {
		return
	}
	tx.onRollback(func() { ch.positions[k] = prev })
	delete(ch.positions, k)
}

func (ch *ClearingHouse) addBadDebt(tx *txn, amount fixed.Balance) error {
	next, err := fixed.CheckedAdd(ch.badDebt, amount)
	if err != nil {
		return err
	}
	prev := ch.badDebt
	tx.onRollback(func() { ch.badDebt = prev })
	ch.badDebt = next
	return nil
}
