package billing

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/consult/pkg/ledger"
	"github.com/shopspring/decimal"
)

// CommissionKind selects how the platform share of a tick is computed.
type CommissionKind string

const (
	CommissionFlat    CommissionKind = "flat"
	CommissionPercent CommissionKind = "percent"
)

var hundred = decimal.NewFromInt(100)

// Commission is the platform share captured when a session is created.
type Commission struct {
	kind    CommissionKind
	flat    ledger.AmountCents
	percent decimal.Decimal
}

// FlatCommission takes a fixed amount per minute.
func FlatCommission(amount ledger.AmountCents) (Commission, error) {
	if amount < 0 {
		return Commission{}, fmt.Errorf("%w: negative flat commission", ErrInvalidCommission)
	}
	return Commission{kind: CommissionFlat, flat: amount}, nil
}

// PercentCommission takes a share of the per-minute price, 0 to 100 inclusive.
func PercentCommission(percent decimal.Decimal) (Commission, error) {
	if percent.IsNegative() || percent.GreaterThan(hundred) {
		return Commission{}, fmt.Errorf("%w: percent %s out of range", ErrInvalidCommission, percent.String())
	}
	return Commission{kind: CommissionPercent, percent: percent}, nil
}

// ParseCommission builds a commission from its stored form.
func ParseCommission(kind string, value string) (Commission, error) {
	switch CommissionKind(kind) {
	case CommissionFlat:
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return Commission{}, fmt.Errorf("%w: %v", ErrInvalidCommission, err)
		}
		if !amount.IsInteger() {
			return Commission{}, fmt.Errorf("%w: flat commission must be whole cents", ErrInvalidCommission)
		}
		return FlatCommission(ledger.AmountCents(amount.IntPart()))
	case CommissionPercent:
		percent, err := decimal.NewFromString(value)
		if err != nil {
			return Commission{}, fmt.Errorf("%w: %v", ErrInvalidCommission, err)
		}
		return PercentCommission(percent)
	default:
		return Commission{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCommission, kind)
	}
}

// Kind returns the commission kind.
func (commission Commission) Kind() CommissionKind {
	if commission.kind == "" {
		return CommissionFlat
	}
	return commission.kind
}

// Value renders the commission parameter the way ParseCommission reads it.
func (commission Commission) Value() string {
	if commission.Kind() == CommissionPercent {
		return commission.percent.String()
	}
	return fmt.Sprintf("%d", commission.flat.Int64())
}

// Amount returns the platform share of one minute at price, rounded half up and never above price.
func (commission Commission) Amount(price ledger.AmountCents) ledger.AmountCents {
	var share ledger.AmountCents
	switch commission.Kind() {
	case CommissionPercent:
		share = ledger.AmountCents(decimal.NewFromInt(price.Int64()).Mul(commission.percent).Div(hundred).Round(0).IntPart())
	default:
		share = commission.flat
	}
	if share > price {
		return price
	}
	if share < 0 {
		return 0
	}
	return share
}

// String describes the commission for logs.
func (commission Commission) String() string {
	if commission.Kind() == CommissionPercent {
		return commission.percent.String() + "%"
	}
	return fmt.Sprintf("%d cents", commission.flat.Int64())
}
