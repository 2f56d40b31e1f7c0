// Package settlement computes payout splits. Every function is pure: the fee
// schedule is passed in as a snapshot and nothing is read from shared state.
package settlement

import (
	"errors"
	"fmt"
	"math/bits"

	"escrowflow/fee"
	"escrowflow/ledger"
)

const (
	bpsDenominator   = 10_000
	shareDenominator = 100
)

// ErrShareOutOfRange signals a buyer share outside [0, 100].
var ErrShareOutOfRange = errors.New("settlement: buyer share out of range")

// Parties names the accounts a payout can reach.
type Parties struct {
	Custody string
	Buyer   string
	Seller  string
}

// Payout is the computed split plus the ledger legs that realise it.
type Payout struct {
	Amount      uint64
	BuyerAmount uint64
	SellerGross uint64
	SellerNet   uint64
	Fee         uint64
	FeeBps      uint32
	FeeVersion  uint64
	Transfers   []ledger.Transfer
}

// mulDiv returns a*b/d truncated, without intermediate overflow. b must not exceed d.
func mulDiv(a, b, d uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, d)
	return q
}

// FeeOn returns amount * bps / 10000, truncated toward zero.
func FeeOn(amount uint64, bps uint32) uint64 {
	return mulDiv(amount, uint64(bps), bpsDenominator)
}

// Release pays the full amount to the seller minus the fee.
func Release(amount uint64, p Parties, s fee.Schedule, ref string) Payout {
	f := FeeOn(amount, s.Bps)
	out := Payout{
		Amount:      amount,
		SellerGross: amount,
		SellerNet:   amount - f,
		Fee:         f,
		FeeBps:      s.Bps,
		FeeVersion:  s.Version,
	}
	out.Transfers = legs(p, s.Collector, ref, 0, out.SellerNet, out.Fee)
	return out
}

// Dispute splits the amount by buyerShare percent. The buyer's part is never
// charged a fee; the seller's remainder is charged at the schedule rate.
func Dispute(amount uint64, buyerShare uint8, p Parties, s fee.Schedule, ref string) (Payout, error) {
	if buyerShare > shareDenominator {
		return Payout{}, fmt.Errorf("%w: %d", ErrShareOutOfRange, buyerShare)
	}
	buyerAmount := mulDiv(amount, uint64(buyerShare), shareDenominator)
	sellerGross := amount - buyerAmount

	var f uint64
	if sellerGross > 0 {
		f = FeeOn(sellerGross, s.Bps)
	}
	out := Payout{
		Amount:      amount,
		BuyerAmount: buyerAmount,
		SellerGross: sellerGross,
		SellerNet:   sellerGross - f,
		Fee:         f,
		FeeBps:      s.Bps,
		FeeVersion:  s.Version,
	}
	out.Transfers = legs(p, s.Collector, ref, buyerAmount, out.SellerNet, out.Fee)
	return out, nil
}

// legs drops zero-amount movements.
func legs(p Parties, collector, ref string, buyer, seller, f uint64) []ledger.Transfer {
	out := make([]ledger.Transfer, 0, 3)
	add := func(to string, amount uint64) {
		if amount == 0 {
			return
		}
		out = append(out, ledger.Transfer{From: p.Custody, To: to, Amount: amount, Ref: ref})
	}
	add(p.Buyer, buyer)
	add(p.Seller, seller)
	add(collector, f)
	return out
}

// Sum totals the legs of a payout.
func (p Payout) Sum() uint64 {
	var total uint64
	for _, t := range p.Transfers {
		total += t.Amount
	}
	return total
}
