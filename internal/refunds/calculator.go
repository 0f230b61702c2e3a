// Package refunds computes refund amounts for appointment cancellations.
// Calculation is pure; crediting the ledger and recording refunded units are
// the reconciliation facade's job.
package refunds

import (
	"github.com/shopspring/decimal"

	"github.com/mindwell/therapy-platform/internal/appointments"
)

// Policy selects how much of the contracted price is refunded. Precedence:
// ExplicitUnits, then ChargeHalf, then a default full refund.
type Policy struct {
	// ExplicitUnits is a caller-specified partial-unit count. Zero means
	// unset.
	ExplicitUnits int

	// ChargeHalf keeps a 50% cancellation charge.
	ChargeHalf bool
}

// Refund is the computed outcome: the amount to credit to the internal
// ledger, and the units to record as refunded per payment channel. Refunds
// are always credited as store credit regardless of the original payment
// method.
type Refund struct {
	Amount           decimal.Decimal
	UnitsFromBalance int
	UnitsFromStripe  int
}

var half = decimal.RequireFromString("0.5")

// Calculate computes the refund for cancelling the appointment under the
// policy. The result never exceeds what is still recoverable on the
// appointment's payment channel(s): each channel caps at
// (sessionsPaid - alreadyRefunded) * unitPrice.
func Calculate(a *appointments.Appointment, p Policy) Refund {
	unitPrice := effectiveUnitPrice(a)

	multiplier := decimal.NewFromInt(1)
	switch {
	case p.ExplicitUnits > 0:
		multiplier = decimal.NewFromInt(int64(p.ExplicitUnits))
	case p.ChargeHalf:
		multiplier = half
	}

	price := a.Price
	if !price.IsPositive() {
		price = a.Payment.UnitPrice
	}
	requested := price.Mul(multiplier).Round(2)
	if !requested.IsPositive() {
		return Refund{Amount: decimal.Zero}
	}

	var out Refund
	remaining := requested
	for _, ch := range channelsFor(a.Payment.Method) {
		if !remaining.IsPositive() {
			break
		}
		units := recoverableUnits(a, ch)
		if units <= 0 {
			continue
		}
		capacity := unitPrice.Mul(decimal.NewFromInt(int64(units)))
		take := decimal.Min(remaining, capacity)
		charged := unitsCharged(take, unitPrice, units)
		switch ch {
		case appointments.MethodBalance:
			out.UnitsFromBalance = charged
		case appointments.MethodStripe:
			out.UnitsFromStripe = charged
		}
		out.Amount = out.Amount.Add(take)
		remaining = remaining.Sub(take)
	}
	out.Amount = out.Amount.Round(2)
	return out
}

// channelsFor orders the payment channels a refund draws recoverability
// from. Mixed payments consume balance-paid units first.
func channelsFor(m appointments.PaymentMethod) []appointments.PaymentMethod {
	switch m {
	case appointments.MethodBalance:
		return []appointments.PaymentMethod{appointments.MethodBalance}
	case appointments.MethodStripe:
		return []appointments.PaymentMethod{appointments.MethodStripe}
	default:
		return []appointments.PaymentMethod{appointments.MethodBalance, appointments.MethodStripe}
	}
}

func recoverableUnits(a *appointments.Appointment, ch appointments.PaymentMethod) int {
	switch ch {
	case appointments.MethodBalance:
		return a.Payment.SessionsPaidWithBalance - a.Payment.RefundedUnitsFromBalance
	case appointments.MethodStripe:
		return a.Payment.SessionsPaidWithStripe - a.Payment.RefundedUnitsFromStripe
	}
	return 0
}

// unitsCharged converts a refunded amount into consumed units, rounding up
// so a partial-unit refund still retires the whole unit's recoverability.
func unitsCharged(amount, unitPrice decimal.Decimal, max int) int {
	if !unitPrice.IsPositive() {
		return max
	}
	units := int(amount.Div(unitPrice).Ceil().IntPart())
	if units > max {
		units = max
	}
	return units
}

func effectiveUnitPrice(a *appointments.Appointment) decimal.Decimal {
	if a.Payment.UnitPrice.IsPositive() {
		return a.Payment.UnitPrice
	}
	if a.Price.IsPositive() && a.TotalSessions > 0 {
		return a.Price.Div(decimal.NewFromInt(int64(a.TotalSessions))).Round(2)
	}
	return a.Price
}
