package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"variation-radar/internal/model"
)

type memRepo struct {
	mu      sync.Mutex
	data    map[string][]model.Sample
	saveErr error
	// failOn makes only the n-th save fail, counting from 1.
	failOn  int
	loadErr error
	saves   int
}

func newMemRepo() *memRepo {
	return &memRepo{data: make(map[string][]model.Sample)}
}

func (r *memRepo) LoadHistory(_ context.Context, instrument string, _ int) ([]model.Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	return append([]model.Sample(nil), r.data[instrument]...), nil
}

func (r *memRepo) SaveHistory(_ context.Context, instrument string, samples []model.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}
	if r.failOn == r.saves {
		return errors.New("write interrupted")
	}
	r.data[instrument] = append([]model.Sample(nil), samples...)
	return nil
}

func sample(i int, price int64) model.Sample {
	return model.Sample{
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
		Price:     decimal.NewFromInt(price),
	}
}

func TestAppendEvictsOldestBeyondCapacity(t *testing.T) {
	repo := newMemRepo()
	store := NewStore(repo, 3, zerolog.Nop())
	ctx := context.Background()

	var h model.History
	var err error
	for i := 0; i < 5; i++ {
		h, err = store.Append(ctx, "BTC/USD", sample(i, int64(100+i)))
		require.NoError(t, err)
	}

	require.Len(t, h, 3)
	assert.True(t, h[0].Price.Equal(decimal.NewFromInt(102)))
	assert.True(t, h[2].Price.Equal(decimal.NewFromInt(104)))
	assert.Len(t, repo.data["BTC/USD"], 3)
	assert.Equal(t, 5, repo.saves)
}

func TestDefaultCapacityKeepsNewestThousand(t *testing.T) {
	repo := newMemRepo()
	store := NewStore(repo, 0, zerolog.Nop())
	ctx := context.Background()

	var h model.History
	var err error
	for i := 0; i < DefaultCapacity+1; i++ {
		h, err = store.Append(ctx, "BTC/USD", sample(i, int64(i)))
		require.NoError(t, err)
	}

	require.Len(t, h, 1000)
	assert.True(t, h[0].Price.Equal(decimal.NewFromInt(1)), "oldest kept sample must be the second append")
	assert.True(t, h[999].Price.Equal(decimal.NewFromInt(1000)))
	require.Len(t, repo.data["BTC/USD"], 1000)
	assert.True(t, repo.data["BTC/USD"][0].Price.Equal(decimal.NewFromInt(1)))
}

func TestFailedSaveIsRepairedByNextAppend(t *testing.T) {
	repo := newMemRepo()
	repo.failOn = 2
	store := NewStore(repo, 10, zerolog.Nop())
	ctx := context.Background()

	_, err := store.Append(ctx, "BTC/USD", sample(0, 100))
	require.NoError(t, err)
	_, err = store.Append(ctx, "BTC/USD", sample(1, 101))
	require.ErrorIs(t, err, model.ErrPersistence)
	h, err := store.Append(ctx, "BTC/USD", sample(2, 102))
	require.NoError(t, err)

	require.Len(t, h, 3)
	require.Len(t, repo.data["BTC/USD"], len(h))
	assert.True(t, repo.data["BTC/USD"][1].Price.Equal(decimal.NewFromInt(101)))

	reloaded := NewStore(repo, 10, zerolog.Nop())
	require.NoError(t, reloaded.Load(ctx, []string{"BTC/USD"}))
	prev, latest, ok := reloaded.LatestTwo("BTC/USD")
	require.True(t, ok)
	assert.True(t, prev.Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, latest.Price.Equal(decimal.NewFromInt(102)))
}

func TestAppendKeepsChronologicalOrder(t *testing.T) {
	store := NewStore(nil, 0, zerolog.Nop())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, "USD/BRL", sample(i, 5))
		require.NoError(t, err)
	}
	h := store.History("USD/BRL")
	for i := 1; i < len(h); i++ {
		assert.True(t, h[i].Timestamp.After(h[i-1].Timestamp))
	}
	assert.Equal(t, DefaultCapacity, store.Capacity())
}

func TestAppendPersistenceFailureKeepsSample(t *testing.T) {
	repo := newMemRepo()
	repo.saveErr = errors.New("disk full")
	store := NewStore(repo, 10, zerolog.Nop())

	h, err := store.Append(context.Background(), "BTC/USD", sample(0, 42))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrPersistence)
	require.Len(t, h, 1)

	latest, ok := store.Latest("BTC/USD")
	require.True(t, ok)
	assert.True(t, latest.Price.Equal(decimal.NewFromInt(42)))
}

func TestLoadWarmsHistories(t *testing.T) {
	repo := newMemRepo()
	repo.data["BTC/USD"] = []model.Sample{sample(0, 1), sample(1, 2), sample(2, 3)}
	store := NewStore(repo, 2, zerolog.Nop())

	require.NoError(t, store.Load(context.Background(), []string{"BTC/USD", "USD/BRL"}))

	prev, latest, ok := store.LatestTwo("BTC/USD")
	require.True(t, ok)
	assert.True(t, prev.Price.Equal(decimal.NewFromInt(2)))
	assert.True(t, latest.Price.Equal(decimal.NewFromInt(3)))

	_, _, ok = store.LatestTwo("USD/BRL")
	assert.False(t, ok)
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	repo := newMemRepo()
	repo.loadErr = errors.New("corrupt")
	store := NewStore(repo, 2, zerolog.Nop())

	err := store.Load(context.Background(), []string{"BTC/USD"})
	require.Error(t, err)
	assert.Empty(t, store.History("BTC/USD"))
}

func TestHistoryReturnsCopy(t *testing.T) {
	store := NewStore(nil, 5, zerolog.Nop())
	_, err := store.Append(context.Background(), "X", sample(0, 1))
	require.NoError(t, err)

	h := store.History("X")
	h[0].Price = decimal.NewFromInt(999)

	latest, _ := store.Latest("X")
	assert.True(t, latest.Price.Equal(decimal.NewFromInt(1)))
}
