package escrow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/metrics"
	"escrowflow/notify"
)

func TestRelease_StalledSinkDoesNotBlock(t *testing.T) {
	sinks := map[string]func(stuck <-chan struct{}) notify.SinkFunc{
		"honours context": func(<-chan struct{}) notify.SinkFunc {
			return func(ctx context.Context, ev notify.Event) error {
				if ev.Kind != EventReleased {
					return nil
				}
				<-ctx.Done()
				return ctx.Err()
			}
		},
		"ignores context": func(stuck <-chan struct{}) notify.SinkFunc {
			return func(_ context.Context, ev notify.Event) error {
				if ev.Kind != EventReleased {
					return nil
				}
				<-stuck
				return nil
			}
		},
	}
	for name, sink := range sinks {
		t.Run(name, func(t *testing.T) {
			stuck := make(chan struct{})
			defer close(stuck)

			f := newFixture(t, 50)
			reg := prometheus.NewRegistry()
			log, hook := test.NewNullLogger()
			f.svc.WithNotifier(sink(stuck)).
				WithNotifyTimeout(20 * time.Millisecond).
				WithMetrics(metrics.New(reg)).
				WithLogger(log)

			e := f.funded(t, 1_000)
			start := time.Now()
			e, err := f.svc.Release(context.Background(), buyer, e.ID)
			require.NoError(t, err)
			assert.Less(t, time.Since(start), time.Second)
			assert.Equal(t, StatusCompleted, e.Status)
			assert.Equal(t, uint64(995), f.balance(t, seller))

			require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP escrow_notify_failures_total Events the notification sink failed to accept.
# TYPE escrow_notify_failures_total counter
escrow_notify_failures_total{event="escrow.released"} 1
`), "escrow_notify_failures_total"))

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, logrus.WarnLevel, entry.Level)
			assert.Equal(t, EventReleased, entry.Data["event"])
		})
	}
}

func TestSettledUnits_LabelledByPayoutRole(t *testing.T) {
	f := newFixture(t, 50)
	reg := prometheus.NewRegistry()
	f.svc.WithMetrics(metrics.New(reg))

	// The seller also collects fees, so both legs credit the same account.
	_, err := f.svc.SetFeeCollector(context.Background(), arbitrator, seller)
	require.NoError(t, err)

	e := f.funded(t, 1_000)
	_, err = f.svc.Release(context.Background(), buyer, e.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), f.balance(t, seller))

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP escrow_settled_units_total Smallest asset units paid out of custody by recipient role.
# TYPE escrow_settled_units_total counter
escrow_settled_units_total{recipient="fee"} 5
escrow_settled_units_total{recipient="seller"} 995
`), "escrow_settled_units_total"))
}

func TestSettledUnits_DisputeWithBuyerCollecting(t *testing.T) {
	f := newFixture(t, 50)
	reg := prometheus.NewRegistry()
	f.svc.WithMetrics(metrics.New(reg))

	_, err := f.svc.SetFeeCollector(context.Background(), arbitrator, buyer)
	require.NoError(t, err)

	e := f.disputed(t, 1_000)
	_, err = f.svc.ResolveDispute(context.Background(), arbitrator, e.ID, 50)
	require.NoError(t, err)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP escrow_settled_units_total Smallest asset units paid out of custody by recipient role.
# TYPE escrow_settled_units_total counter
escrow_settled_units_total{recipient="buyer"} 500
escrow_settled_units_total{recipient="fee"} 2
escrow_settled_units_total{recipient="seller"} 498
`), "escrow_settled_units_total"))
}
