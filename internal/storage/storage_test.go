package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"variation-radar/internal/config"
	"variation-radar/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)

	sqliteStore, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "radar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Backend{"file": fileStore, "sqlite": sqliteStore}
}

func TestHistorySaveReplacesAndLoads(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var samples []model.Sample
			for i := 0; i < 5; i++ {
				samples = append(samples, model.Sample{Timestamp: t0.Add(time.Duration(i) * time.Minute), Price: decimal.NewFromInt(int64(100 + i))})
			}
			require.NoError(t, b.SaveHistory(ctx, "BTC/USD", samples[:2]))
			require.NoError(t, b.SaveHistory(ctx, "BTC/USD", samples))
			require.NoError(t, b.SaveHistory(ctx, "USD/BRL", []model.Sample{{Timestamp: t0, Price: decimal.RequireFromString("5.12")}}))

			all, err := b.LoadHistory(ctx, "BTC/USD", 10)
			require.NoError(t, err)
			require.Len(t, all, 5)

			h, err := b.LoadHistory(ctx, "BTC/USD", 3)
			require.NoError(t, err)
			require.Len(t, h, 3)
			assert.True(t, h[0].Price.Equal(decimal.NewFromInt(102)))
			assert.True(t, h[2].Price.Equal(decimal.NewFromInt(104)))
			assert.True(t, h[2].Timestamp.Equal(t0.Add(4*time.Minute)))

			other, err := b.LoadHistory(ctx, "USD/BRL", 3)
			require.NoError(t, err)
			require.Len(t, other, 1)
			assert.Equal(t, "5.12", other[0].Price.String())

			empty, err := b.LoadHistory(ctx, "ETH/USD", 3)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestHistoryOfSimilarNamesStaysSeparate(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.SaveHistory(ctx, "BTC/USD", []model.Sample{{Timestamp: t0, Price: decimal.NewFromInt(60000)}}))
			require.NoError(t, b.SaveHistory(ctx, "BTC-USD", []model.Sample{{Timestamp: t0, Price: decimal.NewFromInt(5)}}))
			require.NoError(t, b.SaveHistory(ctx, "BTC_USD", []model.Sample{{Timestamp: t0, Price: decimal.NewFromInt(7)}}))

			h, err := b.LoadHistory(ctx, "BTC/USD", 10)
			require.NoError(t, err)
			require.Len(t, h, 1)
			assert.True(t, h[0].Price.Equal(decimal.NewFromInt(60000)))

			h, err = b.LoadHistory(ctx, "BTC-USD", 10)
			require.NoError(t, err)
			require.Len(t, h, 1)
			assert.True(t, h[0].Price.Equal(decimal.NewFromInt(5)))
		})
	}
}

func TestAlertLogCapAndEnrichment(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				rec := model.AlertRecord{
					ID:           fmt.Sprintf("a%d", i),
					Instrument:   "BTC/USD",
					VariationPct: decimal.RequireFromString("3.5"),
					Price:        decimal.NewFromInt(int64(60000 + i)),
					Timestamp:    t0.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, b.AppendAlert(ctx, rec, 2))
			}

			alerts, err := b.ListRecentAlerts(ctx, 10)
			require.NoError(t, err)
			require.Len(t, alerts, 2)
			assert.Equal(t, "a3", alerts[0].ID)
			assert.Equal(t, "a2", alerts[1].ID)
			assert.False(t, alerts[0].Enriched())

			items := []model.ContextItem{{Kind: model.ContextNews, Language: "en", Title: "BTC rallies", Source: "wire"}}
			require.NoError(t, b.AttachEnrichment(ctx, "a3", items, t0.Add(time.Hour)))

			alerts, err = b.ListRecentAlerts(ctx, 1)
			require.NoError(t, err)
			require.Len(t, alerts, 1)
			require.True(t, alerts[0].Enriched())
			require.Len(t, alerts[0].Enrichment, 1)
			assert.Equal(t, "BTC rallies", alerts[0].Enrichment[0].Title)

			err = b.AttachEnrichment(ctx, "a0", items, t0)
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestSubscribersUnique(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sub := model.Subscriber{RecipientID: "42", Username: "ana", FirstName: "Ana", RegisteredAt: t0}

			added, err := b.AddSubscriber(ctx, sub)
			require.NoError(t, err)
			assert.True(t, added)

			added, err = b.AddSubscriber(ctx, sub)
			require.NoError(t, err)
			assert.False(t, added)

			_, err = b.AddSubscriber(ctx, model.Subscriber{RecipientID: "7", RegisteredAt: t0.Add(time.Second)})
			require.NoError(t, err)

			subs, err := b.ListSubscribers(ctx)
			require.NoError(t, err)
			require.Len(t, subs, 2)
			assert.Equal(t, "42", subs[0].RecipientID)
			assert.Equal(t, "Ana", subs[0].FirstName)

			removed, err := b.RemoveSubscriber(ctx, "42")
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = b.RemoveSubscriber(ctx, "42")
			require.NoError(t, err)
			assert.False(t, removed)

			subs, err = b.ListSubscribers(ctx)
			require.NoError(t, err)
			require.Len(t, subs, 1)
			assert.Equal(t, "7", subs[0].RecipientID)
		})
	}
}

func TestFileStoreHistoryFileName(t *testing.T) {
	name := historyFile("BTC/USD")
	assert.True(t, strings.HasPrefix(name, "history_btc_usd_"), name)
	assert.True(t, strings.HasSuffix(name, ".json"), name)
	assert.Equal(t, name, historyFile("BTC/USD"))

	assert.NotEqual(t, name, historyFile("BTC-USD"))
	assert.NotEqual(t, name, historyFile("BTC_USD"))
	assert.NotEqual(t, name, historyFile("btc/usd"))
}

func TestSQLiteSaveHistoryRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM price_samples")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO price_samples")).WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	store := NewSQLiteStore(db)
	err = store.SaveHistory(context.Background(), "BTC/USD", []model.Sample{{Timestamp: t0, Price: decimal.NewFromInt(1)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert sample")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteListSubscribersQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT recipient_id")).WillReturnError(errors.New("boom"))

	_, err = NewSQLiteStore(db).ListSubscribers(context.Background())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreNotConfigured(t *testing.T) {
	var store *PostgresStore
	_, err := store.ListSubscribers(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = NewPostgresStore(nil).TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, store.Close())
}

func TestOpenRejectsUnknownDriverAndMissingDSN(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "redis"}, zerolog.Nop())
	require.Error(t, err)

	_, err = Open(context.Background(), config.StorageConfig{Driver: "postgres"}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn")
}

func TestOpenFileDriver(t *testing.T) {
	b, err := Open(context.Background(), config.StorageConfig{Driver: "file", DataDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	subs, err := b.ListSubscribers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, subs)
}
