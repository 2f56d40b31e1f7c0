package escrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/fee"
)

var allStatuses = []Status{StatusCreated, StatusFunded, StatusCompleted, StatusDisputed, StatusRefunded, StatusCancelled}

func TestStateMachineNeverLowersStatus(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				assert.Greater(t, to.rank(), from.rank(), "%s -> %s", from, to)
			}
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusRefunded, StatusCancelled} {
		assert.True(t, from.Terminal())
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, Status("bogus").Valid())
}

func TestReservedStatusesUnreachableByPlanners(t *testing.T) {
	assert.True(t, CanTransition(StatusCreated, StatusCancelled))
	for _, from := range allStatuses {
		assert.False(t, CanTransition(from, StatusRefunded))
	}
}

func TestGuardOrder_StatusBeforeRole(t *testing.T) {
	g := NewGuard(arbitrator)
	e, err := newEscrow(ID{1}, buyer, seller, 100, epoch)
	require.NoError(t, err)
	schedule := fee.Schedule{Bps: 50, Collector: collector, Version: 1}

	_, err = planRelease(g, e, "mallory", epoch, schedule)
	assert.ErrorIs(t, err, ErrInvalidState)

	e.Status = StatusFunded
	_, err = planRelease(g, e, "mallory", epoch, schedule)
	assert.ErrorIs(t, err, ErrUnauthorized)

	e.DisputeRaised = true
	_, err = planRelease(g, e, buyer, epoch, schedule)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPlanRelease_TransfersConserveAmount(t *testing.T) {
	e, err := newEscrow(ID{1}, buyer, seller, 1_000_003, epoch)
	require.NoError(t, err)
	e.Status = StatusFunded

	m, err := planRelease(NewGuard(), e, buyer, epoch, fee.Schedule{Bps: 333, Collector: collector, Version: 4})
	require.NoError(t, err)

	var total uint64
	for _, tr := range m.Transfers {
		assert.Equal(t, e.Custody(), tr.From)
		total += tr.Amount
	}
	assert.Equal(t, e.Amount, total)
	assert.Equal(t, uint64(4), m.Next.FeeVersion)
	assert.NoError(t, checkSuccessor(e, m.Next))
}
