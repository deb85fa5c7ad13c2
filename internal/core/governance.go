package core

import (
	"fmt"

	"LendRisk/internal/event"
	"LendRisk/internal/state"
)

func (e *Engine) requireDAO(caller state.Account) error {
	if caller != e.cfg.DAO {
		return fmt.Errorf("%w: %s does not hold dao permission", state.ErrUnauthorized, caller)
	}
	return nil
}

// requireElevated admits the DAO or any guardian. Guardians can flip
// protections on; only the DAO can flip them back off.
func (e *Engine) requireElevated(caller state.Account) error {
	if caller == e.cfg.DAO || e.cfg.Guardians[caller] {
		return nil
	}
	return fmt.Errorf("%w: %s does not hold elevated permission", state.ErrUnauthorized, caller)
}

func (e *Engine) handleListToken(w *World, op *event.ListToken) error {
	if err := e.requireDAO(op.Caller); err != nil {
		return err
	}
	if _, ok := w.Book.Tokens[op.Token]; ok {
		return fmt.Errorf("%w: %s", state.ErrTokenAlreadyListed, op.Token)
	}

	// The backing market must start before the listing is recorded; a
	// listing the backend cannot serve is refused outright.
	if _, err := w.Tokens.StartMarket(op.Token, op.Collateral, op.Caller, op.InitialDeposit, op.Timestamp); err != nil {
		return err
	}

	kind := state.TokenDebt
	if op.Collateral {
		kind = state.TokenCollateral
	}
	if _, err := w.Book.ListToken(op.Token, kind, op.Timestamp); err != nil {
		return err
	}
	w.Registry.Register(op.Token)

	e.logger.Info().
		Str("token", string(op.Token)).
		Str("kind", kind.String()).
		Str("seed", op.InitialDeposit.String()).
		Msg("token listed")
	return nil
}

func (e *Engine) handleUpdateCollateralToken(w *World, op *event.UpdateCollateralToken) error {
	if err := e.requireDAO(op.Caller); err != nil {
		return err
	}
	rec, err := w.Book.TokenOf(op.Token)
	if err != nil {
		return err
	}
	if rec.Kind != state.TokenCollateral {
		return fmt.Errorf("%w: %s is not a collateral token", state.ErrInvalidParameter, op.Token)
	}
	if err := op.Params.Validate(); err != nil {
		return err
	}
	// Collateral can be tightened but never silently disabled; turning
	// a live collateral off has its own migration path.
	if rec.CollRatio.Sign() > 0 && op.Params.CollRatio.Sign() == 0 {
		return fmt.Errorf("%w: collateralization ratio for %s cannot drop to zero once set", state.ErrInvalidParameter, op.Token)
	}
	op.Params.ApplyTo(rec)

	e.logger.Info().
		Str("token", string(op.Token)).
		Str("coll_ratio", rec.CollRatio.String()).
		Str("coll_req_soft", rec.CollReqSoft.String()).
		Str("coll_req_hard", rec.CollReqHard.String()).
		Msg("collateral parameters updated")
	return nil
}

func (e *Engine) handleSetCollateralCaps(w *World, op *event.SetCollateralCaps) error {
	if err := e.requireElevated(op.Caller); err != nil {
		return err
	}
	if len(op.Tokens) == 0 || len(op.Tokens) != len(op.Caps) {
		return fmt.Errorf("%w: tokens and caps must pair up", state.ErrInvalidParameter)
	}
	for i, tok := range op.Tokens {
		rec, err := w.Book.TokenOf(tok)
		if err != nil {
			return err
		}
		newCap := op.Caps[i]
		if newCap == nil || newCap.Sign() < 0 {
			return fmt.Errorf("%w: cap for %s must be non-negative", state.ErrInvalidParameter, tok)
		}
		// A cap above zero is meaningless until the token can actually
		// back debt.
		if newCap.Sign() > 0 && !rec.CollateralEnabled() {
			return fmt.Errorf("%w: %s has no collateralization ratio", state.ErrInvalidParameter, tok)
		}
		rec.CollateralCap.Set(newCap)
	}
	return nil
}

func (e *Engine) handleSetPause(w *World, op *event.SetPause) error {
	// Pausing is the cheap, reversible protection: guardians may flip
	// it on. Unpausing re-exposes users, so it takes the DAO.
	if op.Paused {
		if err := e.requireElevated(op.Caller); err != nil {
			return err
		}
	} else {
		if err := e.requireDAO(op.Caller); err != nil {
			return err
		}
	}

	switch op.Kind {
	case event.PauseMint, event.PauseBorrow:
		if op.Token == nil {
			return fmt.Errorf("%w: %s pause requires a token", state.ErrInvalidParameter, op.Kind)
		}
		if _, err := w.Book.TokenOf(*op.Token); err != nil {
			return err
		}
		target := w.Book.MintPaused
		if op.Kind == event.PauseBorrow {
			target = w.Book.BorrowPaused
		}
		if op.Paused {
			target[*op.Token] = true
		} else {
			delete(target, *op.Token)
		}
	case event.PauseRedeem:
		w.Book.RedeemPaused = op.Paused
	case event.PauseTransfer:
		w.Book.TransferPaused = op.Paused
	case event.PauseSeize:
		w.Book.SeizePaused = op.Paused
	default:
		return fmt.Errorf("%w: unknown pause kind %d", state.ErrInvalidParameter, op.Kind)
	}

	evt := e.logger.Info().
		Str("kind", op.Kind.String()).
		Bool("paused", op.Paused).
		Str("caller", string(op.Caller))
	if op.Token != nil {
		evt = evt.Str("token", string(*op.Token))
	}
	evt.Msg("pause flag set")
	return nil
}

func (e *Engine) handleSetPositionFolding(w *World, op *event.SetPositionFolding) error {
	if err := e.requireDAO(op.Caller); err != nil {
		return err
	}
	if op.Address == "" {
		return fmt.Errorf("%w: folding principal must be set", state.ErrInvalidParameter)
	}
	if op.Enabled {
		w.Book.Folding[op.Address] = true
	} else {
		delete(w.Book.Folding, op.Address)
	}
	return nil
}
