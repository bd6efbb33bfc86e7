package detect

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
	"github.com/obsrvlabs/pricewatch/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type idGen struct{}

func (idGen) NewRawID() (uuid.UUID, error) { return uuid.NewV7() }

type recordingNotifier struct {
	events []monitor.ChangeEvent
}

func (n *recordingNotifier) Dispatch(_ context.Context, event monitor.ChangeEvent, _ monitor.Site, _ monitor.Target) error {
	n.events = append(n.events, event)
	return nil
}

func ptr(v float64) *float64 { return &v }

func snapshotPair(oldPrice, newPrice *float64, oldStock, newStock monitor.StockStatus) (monitor.Snapshot, monitor.Snapshot) {
	targetID := uuid.New()
	prev := monitor.Snapshot{
		ID:       uuid.New(),
		TargetID: targetID,
		Price:    oldPrice,
		Currency: "USD",
		Stock:    oldStock,
	}
	curr := monitor.Snapshot{
		ID:       uuid.New(),
		TargetID: targetID,
		CrawlID:  uuid.New(),
		Price:    newPrice,
		Currency: "USD",
		Stock:    newStock,
	}
	return prev, curr
}

func newDetector(t *testing.T) (*Detector, *recordingNotifier, *memory.EventStore) {
	t.Helper()
	events := memory.NewEventStore()
	notifier := &recordingNotifier{}
	d := New(events, notifier, idGen{}, fakeClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
	return d, notifier, events
}

func TestDetectPriceAboveThreshold(t *testing.T) {
	t.Parallel()

	d, notifier, _ := newDetector(t)
	site := monitor.Site{ID: uuid.New(), PriceThresholdPct: 1.0}
	prev, curr := snapshotPair(ptr(100), ptr(101.50), monitor.StockInStock, monitor.StockInStock)

	emitted, err := d.Detect(context.Background(), site, monitor.Target{ID: curr.TargetID}, &prev, curr)
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	require.Equal(t, monitor.ChangePrice, emitted[0].Kind)
	require.InDelta(t, 1.5, *emitted[0].ChangePct, 1e-9)
	require.Equal(t, prev.ID, emitted[0].FromSnapshotID)
	require.Equal(t, curr.ID, emitted[0].ToSnapshotID)
	require.Len(t, notifier.events, 1)
}

func TestDetectPriceBelowThresholdSuppressed(t *testing.T) {
	t.Parallel()

	d, notifier, _ := newDetector(t)
	site := monitor.Site{ID: uuid.New(), PriceThresholdPct: 1.0}
	prev, curr := snapshotPair(ptr(100), ptr(100.50), monitor.StockInStock, monitor.StockInStock)

	emitted, err := d.Detect(context.Background(), site, monitor.Target{ID: curr.TargetID}, &prev, curr)
	require.NoError(t, err)
	require.Empty(t, emitted)
	require.Empty(t, notifier.events)
}

func TestDetectStockChangeBypassesThreshold(t *testing.T) {
	t.Parallel()

	d, notifier, _ := newDetector(t)
	site := monitor.Site{ID: uuid.New(), PriceThresholdPct: 50.0}
	prev, curr := snapshotPair(ptr(100), ptr(100), monitor.StockInStock, monitor.StockOutOfStock)

	emitted, err := d.Detect(context.Background(), site, monitor.Target{ID: curr.TargetID}, &prev, curr)
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	require.Equal(t, monitor.ChangeStock, emitted[0].Kind)
	require.Equal(t, monitor.StockInStock, emitted[0].OldStock)
	require.Equal(t, monitor.StockOutOfStock, emitted[0].NewStock)
	require.Len(t, notifier.events, 1)
}

func TestDetectPriceAppearedWithoutPercentage(t *testing.T) {
	t.Parallel()

	d, _, _ := newDetector(t)
	site := monitor.Site{ID: uuid.New(), PriceThresholdPct: 1.0}
	prev, curr := snapshotPair(nil, ptr(19.99), monitor.StockInStock, monitor.StockInStock)

	emitted, err := d.Detect(context.Background(), site, monitor.Target{ID: curr.TargetID}, &prev, curr)
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	require.Nil(t, emitted[0].ChangePct)
	require.Nil(t, emitted[0].OldPrice)
	require.Equal(t, 19.99, *emitted[0].NewPrice)
}

func TestDetectZeroBasePriceWithoutPercentage(t *testing.T) {
	t.Parallel()

	d, _, _ := newDetector(t)
	site := monitor.Site{ID: uuid.New(), PriceThresholdPct: 1.0}
	prev, curr := snapshotPair(ptr(0), ptr(5), monitor.StockInStock, monitor.StockInStock)

	emitted, err := d.Detect(context.Background(), site, monitor.Target{ID: curr.TargetID}, &prev, curr)
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	require.Nil(t, emitted[0].ChangePct)
}

func TestDetectBaselineEmitsNothing(t *testing.T) {
	t.Parallel()

	d, notifier, _ := newDetector(t)
	site := monitor.Site{ID: uuid.New(), PriceThresholdPct: 1.0}
	_, curr := snapshotPair(nil, ptr(10), monitor.StockUnknown, monitor.StockInStock)

	emitted, err := d.Detect(context.Background(), site, monitor.Target{ID: curr.TargetID}, nil, curr)
	require.NoError(t, err)
	require.Empty(t, emitted)
	require.Empty(t, notifier.events)
}

func TestDetectSamePairIsIdempotent(t *testing.T) {
	t.Parallel()

	d, notifier, _ := newDetector(t)
	site := monitor.Site{ID: uuid.New(), PriceThresholdPct: 1.0}
	prev, curr := snapshotPair(ptr(100), ptr(110), monitor.StockInStock, monitor.StockInStock)
	target := monitor.Target{ID: curr.TargetID}

	first, err := d.Detect(context.Background(), site, target, &prev, curr)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := d.Detect(context.Background(), site, target, &prev, curr)
	require.NoError(t, err)
	require.Empty(t, second)
	// The duplicate must not be re-dispatched either.
	require.Len(t, notifier.events, 1)
}
