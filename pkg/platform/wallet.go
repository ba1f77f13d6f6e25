package platform

import (
	"context"
	"errors"

	"github.com/datapact/core/pkg/settlement"
)

// Wallet is the per-sovereign balance view served to collaborators: the
// settlement position plus the YC credit balance.
type Wallet struct {
	DSID             string `json:"dsId"`
	Currency         string `json:"currency"`
	AvailableBalance int64  `json:"availableBalance"`
	PendingBalance   int64  `json:"pendingBalance"`
	TotalEarned      int64  `json:"totalEarned"`
	TotalPaidOut     int64  `json:"totalPaidOut"`
	YCBalance        int64  `json:"ycBalance"`
}

// Wallet assembles the balance view for one data sovereign. A sovereign
// with no settlements yet gets a zero wallet, not an error.
func (p *Platform) Wallet(ctx context.Context, dsID string) (*Wallet, error) {
	w := &Wallet{DSID: dsID}

	bal, err := p.Settlement.GetBalance(ctx, dsID)
	switch {
	case errors.Is(err, settlement.ErrBalanceNotFound):
	case err != nil:
		return nil, err
	default:
		w.Currency = bal.Currency
		w.AvailableBalance = bal.AvailableMinor
		w.PendingBalance = bal.PendingMinor
		w.TotalEarned = bal.EarnedMinor
		w.TotalPaidOut = bal.PaidOutMinor
	}

	yc, err := p.Credits.Balance(ctx, dsID)
	if err != nil {
		return nil, err
	}
	w.YCBalance = yc.AmountMinor
	return w, nil
}
