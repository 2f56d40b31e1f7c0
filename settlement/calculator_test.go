package settlement

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/fee"
	"escrowflow/ledger"
)

var parties = Parties{Custody: ledger.CustodyAccount("e1"), Buyer: "buyer", Seller: "seller"}

func schedule(bps uint32) fee.Schedule {
	return fee.Schedule{Bps: bps, Collector: "collector", Version: 7}
}

func TestRelease_Scenario(t *testing.T) {
	p := Release(1_000_000, parties, schedule(50), "e1")

	assert.Equal(t, uint64(995_000), p.SellerNet)
	assert.Equal(t, uint64(5_000), p.Fee)
	assert.Equal(t, uint64(7), p.FeeVersion)
	assert.Equal(t, []ledger.Transfer{
		{From: parties.Custody, To: "seller", Amount: 995_000, Ref: "e1"},
		{From: parties.Custody, To: "collector", Amount: 5_000, Ref: "e1"},
	}, p.Transfers)
}

func TestDispute_Scenario(t *testing.T) {
	p, err := Dispute(1_000_000, 30, parties, schedule(50), "e1")
	require.NoError(t, err)

	assert.Equal(t, uint64(300_000), p.BuyerAmount)
	assert.Equal(t, uint64(700_000), p.SellerGross)
	assert.Equal(t, uint64(3_500), p.Fee)
	assert.Equal(t, uint64(696_500), p.SellerNet)
	assert.Equal(t, uint64(1_000_000), p.Sum())
	assert.Len(t, p.Transfers, 3)
}

func TestDispute_ZeroShareMatchesRelease(t *testing.T) {
	for _, bps := range []uint32{0, 1, 50, 999, 1000} {
		d, err := Dispute(123_457, 0, parties, schedule(bps), "e1")
		require.NoError(t, err)
		r := Release(123_457, parties, schedule(bps), "e1")

		assert.Equal(t, r.SellerNet, d.SellerNet, "bps=%d", bps)
		assert.Equal(t, r.Fee, d.Fee, "bps=%d", bps)
		assert.Equal(t, r.Transfers, d.Transfers, "bps=%d", bps)
	}
}

func TestDispute_FullShareGoesToBuyerFeeFree(t *testing.T) {
	p, err := Dispute(1_000_001, 100, parties, schedule(1000), "e1")
	require.NoError(t, err)

	assert.Equal(t, uint64(1_000_001), p.BuyerAmount)
	assert.Zero(t, p.Fee)
	assert.Zero(t, p.SellerNet)
	assert.Equal(t, []ledger.Transfer{{From: parties.Custody, To: "buyer", Amount: 1_000_001, Ref: "e1"}}, p.Transfers)
}

func TestDispute_ShareOutOfRange(t *testing.T) {
	_, err := Dispute(10, 101, parties, schedule(50), "e1")
	assert.ErrorIs(t, err, ErrShareOutOfRange)
}

func TestZeroLegsSkipped(t *testing.T) {
	// 1 unit at 10% truncates the fee to zero.
	p := Release(1, parties, schedule(1000), "e1")
	assert.Zero(t, p.Fee)
	assert.Len(t, p.Transfers, 1)

	p = Release(5, parties, schedule(0), "e1")
	assert.Len(t, p.Transfers, 1)
}

func TestPayoutsConserveAmount(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	amounts := []uint64{1, 2, 9_999, 10_000, 10_001, 1 << 53}
	for i := 0; i < 500; i++ {
		amounts = append(amounts, 1+uint64(rng.Int63n(1<<53)))
	}

	for _, amount := range amounts {
		for bps := uint32(0); bps <= fee.MaxBps; bps += 37 {
			r := Release(amount, parties, schedule(bps), "e1")
			require.Equal(t, amount, r.Sum(), "release amount=%d bps=%d", amount, bps)
			require.Equal(t, amount, r.SellerNet+r.Fee)

			share := uint8(rng.Intn(101))
			d, err := Dispute(amount, share, parties, schedule(bps), "e1")
			require.NoError(t, err)
			require.Equal(t, amount, d.Sum(), "dispute amount=%d bps=%d share=%d", amount, bps, share)
			require.Equal(t, amount, d.BuyerAmount+d.SellerNet+d.Fee)
		}
	}
}

func TestFeeOn_NoOverflow(t *testing.T) {
	assert.Equal(t, uint64(math.MaxUint64/10), FeeOn(math.MaxUint64, 1000))
	assert.Equal(t, uint64(0), FeeOn(9, 1000))
	assert.Equal(t, uint64(1), FeeOn(10, 1000))
}
