package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLendingCommandOutcomes(t *testing.T) {
	m := Lending()
	ok := m.commands.WithLabelValues("borrow", "success")
	failed := m.commands.WithLabelValues("borrow", "error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	m.ObserveCommand("borrow", time.Millisecond, nil)
	m.ObserveCommand("borrow", time.Millisecond, errors.New("boom"))
	m.ObserveCommand(" ", time.Millisecond, nil)

	require.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	require.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
	require.GreaterOrEqual(t, testutil.ToFloat64(m.commands.WithLabelValues("unknown", "success")), 1.0)
}

func TestLendingRecordMarketScalesRay(t *testing.T) {
	m := Lending()
	ray := new(big.Int).Exp(big.NewInt(10), big.NewInt(27), nil)
	index := new(big.Int).Mul(ray, big.NewInt(11))
	index.Quo(index, big.NewInt(10))
	utilisation := new(big.Int).Quo(ray, big.NewInt(4))

	m.RecordMarket(7, index, utilisation, big.NewInt(5000))

	require.InDelta(t, 1.1, testutil.ToFloat64(m.borrowIndex.WithLabelValues("7")), 1e-9)
	require.InDelta(t, 0.25, testutil.ToFloat64(m.utilisation.WithLabelValues("7")), 1e-9)
	require.Equal(t, 5000.0, testutil.ToFloat64(m.totalDebt.WithLabelValues("7")))
}

func TestProducerKeepsHeightOnFailedCommit(t *testing.T) {
	p := Producer()
	p.RecordBlock(12, time.Millisecond, nil)
	p.RecordBlock(13, time.Millisecond, errors.New("disk full"))

	require.Equal(t, 12.0, testutil.ToFloat64(p.height))
	require.GreaterOrEqual(t, testutil.ToFloat64(p.commits.WithLabelValues("error")), 1.0)
}

func TestThrottleReasonDefaults(t *testing.T) {
	m := ModuleMetrics()
	m.RecordThrottle("lendingd", "")
	require.GreaterOrEqual(t, testutil.ToFloat64(m.throttles.WithLabelValues("lendingd", "unspecified")), 1.0)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *LendingMetrics
	require.NotPanics(t, func() {
		m.ObserveCommand("x", 0, nil)
		m.RecordMarket(1, nil, nil, nil)
		m.SetMarkets(3)
	})
}
