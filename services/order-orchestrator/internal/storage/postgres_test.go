package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/services/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
		pool.Close()
	})
	if err := testutil.CleanupTestData(context.Background(), pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	return New(pool), pool
}

func TestCreateBatchIdempotent(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	key := "pg-key-" + time.Now().Format(time.RFC3339Nano)

	first, created, err := store.CreateBatch(ctx, Batch{UserID: "u1", PortfolioID: 1, OrdersJSON: json.RawMessage(`[]`), IdempotencyKey: &key})
	if err != nil || !created {
		t.Fatalf("CreateBatch: created=%v err=%v", created, err)
	}
	second, created, err := store.CreateBatch(ctx, Batch{UserID: "u1", PortfolioID: 1, OrdersJSON: json.RawMessage(`[]`), IdempotencyKey: &key})
	if err != nil {
		t.Fatalf("CreateBatch duplicate: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected duplicate to return existing batch")
	}

	response := []byte(`{"batch_id":1,  "status":"processing"}`)
	if err := store.SaveBatchResponse(ctx, first.ID, response); err != nil {
		t.Fatalf("SaveBatchResponse: %v", err)
	}
	stored, err := store.GetBatchByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("GetBatchByIdempotencyKey: %v", err)
	}
	if string(stored.Response) != string(response) {
		t.Fatalf("response bytes must round-trip verbatim, got %q", stored.Response)
	}
}

func TestOrderLifecycleRoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	batch, _, err := store.CreateBatch(ctx, Batch{UserID: "u1", PortfolioID: 1})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	price := decimal.RequireFromString("101.5")
	ext := "ZERO-1-0000ABCD"
	order, err := store.CreateOrder(ctx, Order{
		PortfolioID: 1, Broker: "zerodha-mock", InstrumentID: 42, Quantity: decimal.NewFromInt(10),
		PriceLimit: &price, Side: SideBuy, Status: OrderStatusPlaced, ExtOrderID: &ext, BatchID: &batch.ID,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !order.PriceLimit.Equal(price) {
		t.Fatalf("unexpected price %s", order.PriceLimit)
	}

	now := time.Now().UTC()
	fillPrice := decimal.RequireFromString("101.25")
	fillQty := decimal.NewFromInt(10)
	updated, err := store.UpdateOrder(ctx, order.ID, func(o *Order) error {
		o.Status = OrderStatusFilled
		o.FillPrice = &fillPrice
		o.FillQty = &fillQty
		o.ExecutedAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	if updated.Status != OrderStatusFilled || updated.FillPrice == nil || !updated.FillPrice.Equal(fillPrice) {
		t.Fatalf("unexpected updated order %+v", updated)
	}

	byExt, err := store.GetOrderByExtID(ctx, "zerodha-mock", ext)
	if err != nil || byExt.ID != order.ID {
		t.Fatalf("GetOrderByExtID: %v", err)
	}

	_ = store.UpdateBatchStatus(ctx, batch.ID, BatchStatusProcessing)
	status, err := store.RefreshBatchStatus(ctx, batch.ID)
	if err != nil || status != BatchStatusCompleted {
		t.Fatalf("RefreshBatchStatus: %s %v", status, err)
	}

	if _, err := store.GetOrder(ctx, -1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertBrokerConfig(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	cfg, err := store.UpsertBrokerConfig(ctx, BrokerConfig{BrokerName: "test-broker", Config: map[string]any{"prefix": "TEST"}, Active: true})
	if err != nil {
		t.Fatalf("UpsertBrokerConfig: %v", err)
	}
	if cfg.Config["prefix"] != "TEST" {
		t.Fatalf("unexpected config %+v", cfg.Config)
	}
	if _, err := store.UpsertBrokerConfig(ctx, BrokerConfig{BrokerName: "test-broker", Active: false}); err != nil {
		t.Fatalf("UpsertBrokerConfig update: %v", err)
	}
	active, err := store.ListBrokerConfigs(ctx, true)
	if err != nil {
		t.Fatalf("ListBrokerConfigs: %v", err)
	}
	for _, c := range active {
		if c.BrokerName == "test-broker" {
			t.Fatalf("inactive broker listed as active")
		}
	}
}
