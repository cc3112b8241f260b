package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/connector"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/idempotency"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/lifecycle"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/orchmetrics"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/reconcile"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/routing"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/validation"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const DefaultPlacementConcurrency = 4

var (
	ErrNoFillData  = errors.New("no fill data for order")
	ErrInvalidFill = errors.New("invalid fill")
	ErrNotPlaced   = errors.New("order has no broker order id")
	// ErrBatchFailed is returned for a key whose batch aborted before a
	// response could be stored.
	ErrBatchFailed = errors.New("batch for this idempotency key failed")
)

type Store interface {
	CreateBatch(ctx context.Context, batch storage.Batch) (*storage.Batch, bool, error)
	GetBatch(ctx context.Context, id int64) (*storage.Batch, error)
	UpdateBatchStatus(ctx context.Context, id int64, status string) error
	SaveBatchResponse(ctx context.Context, id int64, response []byte) error
	RefreshBatchStatus(ctx context.Context, id int64) (string, error)
	GetOrder(ctx context.Context, id int64) (*storage.Order, error)
	GetOrderByExtID(ctx context.Context, broker, extOrderID string) (*storage.Order, error)
	ListOrdersByBatch(ctx context.Context, batchID int64) ([]storage.Order, error)
}

type IdempotencyCache interface {
	Check(ctx context.Context, key string) ([]byte, bool)
	Claim(ctx context.Context, key string) error
	Release(ctx context.Context, key string)
	Save(ctx context.Context, key string, response []byte)
}

type Connectors interface {
	Get(name string) (connector.Connector, error)
	Simulator(name string) (connector.FillSimulator, error)
}

type Dependencies struct {
	Store       Store
	Idempotency IdempotencyCache
	Validator   *validation.Validator
	Router      *routing.Router
	Connectors  Connectors
	Lifecycle   *lifecycle.Manager
	Reconciler  *reconcile.Engine
	Logger      *slog.Logger
	Metrics     *orchmetrics.Metrics
	// PlacementConcurrency bounds parallel broker calls within one batch.
	PlacementConcurrency int
}

type BatchService struct {
	store       Store
	idem        IdempotencyCache
	validator   *validation.Validator
	router      *routing.Router
	connectors  Connectors
	lifecycle   *lifecycle.Manager
	reconciler  *reconcile.Engine
	logger      *slog.Logger
	metrics     *orchmetrics.Metrics
	concurrency int
}

func NewBatchService(deps Dependencies) *BatchService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.PlacementConcurrency <= 0 {
		deps.PlacementConcurrency = DefaultPlacementConcurrency
	}
	return &BatchService{
		store:       deps.Store,
		idem:        deps.Idempotency,
		validator:   deps.Validator,
		router:      deps.Router,
		connectors:  deps.Connectors,
		lifecycle:   deps.Lifecycle,
		reconciler:  deps.Reconciler,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		concurrency: deps.PlacementConcurrency,
	}
}

type SubmitBatchInput struct {
	UserID          string
	PortfolioID     int64
	PreferredBroker string
	Orders          []validation.OrderRequest
	IdempotencyKey  string
}

type SubmitBatchResult struct {
	// Response is the serialized BatchResponse. Replays return the stored
	// bytes unchanged.
	Response []byte
	Replayed bool
	BatchID  int64
}

// fingerprint is hashed when the caller sends no idempotency key.
type fingerprint struct {
	PortfolioID int64                     `json:"portfolio_id"`
	Broker      string                    `json:"broker,omitempty"`
	Orders      []validation.OrderRequest `json:"orders"`
}

// SubmitBatch validates, routes and places a batch. A key seen before returns
// the first response without touching any broker.
func (s *BatchService) SubmitBatch(ctx context.Context, input SubmitBatchInput) (*SubmitBatchResult, error) {
	start := time.Now()
	key, err := idempotency.DeriveKey(input.IdempotencyKey, fingerprint{
		PortfolioID: input.PortfolioID,
		Broker:      strings.TrimSpace(input.PreferredBroker),
		Orders:      input.Orders,
	})
	if err != nil {
		s.metrics.ObserveBatch("error", start)
		return nil, fmt.Errorf("derive idempotency key: %w", err)
	}
	key = idempotency.ScopeKey(input.UserID, key)

	if cached, ok := s.idem.Check(ctx, key); ok {
		s.logger.Info("batch replayed from idempotency cache", "idempotency_key", key)
		s.metrics.ObserveBatch("replayed", start)
		return &SubmitBatchResult{Response: cached, Replayed: true}, nil
	}

	if err := s.validator.ValidateBatch(ctx, input.Orders, input.PortfolioID); err != nil {
		s.metrics.ValidationFailed()
		s.metrics.ObserveBatch("invalid", start)
		return nil, err
	}

	routeInput := make([]routing.Order, len(input.Orders))
	for i, o := range input.Orders {
		routeInput[i] = routing.Order{InstrumentID: o.InstrumentID, Broker: o.Broker}
	}
	decisions, err := s.router.Route(routeInput, input.PreferredBroker)
	if err != nil {
		s.metrics.ObserveBatch("invalid", start)
		return nil, err
	}

	if err := s.idem.Claim(ctx, key); err != nil {
		s.metrics.ObserveBatch("in_flight", start)
		return nil, err
	}
	saved := false
	defer func() {
		if !saved {
			s.idem.Release(context.WithoutCancel(ctx), key)
		}
	}()

	// Placement is not abandoned when the caller goes away.
	workCtx := context.WithoutCancel(ctx)

	snapshot, err := json.Marshal(input.Orders)
	if err != nil {
		s.metrics.ObserveBatch("error", start)
		return nil, fmt.Errorf("snapshot orders: %w", err)
	}
	batch, created, err := s.store.CreateBatch(workCtx, storage.Batch{
		UserID:         input.UserID,
		PortfolioID:    input.PortfolioID,
		OrdersJSON:     snapshot,
		Status:         storage.BatchStatusPending,
		IdempotencyKey: &key,
	})
	if err != nil {
		s.metrics.ObserveBatch("error", start)
		return nil, fmt.Errorf("create batch: %w", err)
	}
	if !created {
		if len(batch.Response) == 0 {
			if batch.Status == storage.BatchStatusFailed {
				s.metrics.ObserveBatch("failed", start)
				return nil, fmt.Errorf("%w: batch %d", ErrBatchFailed, batch.ID)
			}
			s.metrics.ObserveBatch("in_flight", start)
			return nil, idempotency.ErrRequestInFlight
		}
		s.idem.Save(workCtx, key, batch.Response)
		saved = true
		s.logger.Info("batch replayed from store", "batch_id", batch.ID, "idempotency_key", key)
		s.metrics.ObserveBatch("replayed", start)
		return &SubmitBatchResult{Response: batch.Response, Replayed: true, BatchID: batch.ID}, nil
	}

	orders, err := s.placeOrders(workCtx, batch, input, decisions)
	if err != nil {
		if s.failBatch(workCtx, batch.ID, key, orders, decisions, err) {
			saved = true
		}
		s.metrics.ObserveBatch("error", start)
		return nil, err
	}

	if err := s.store.UpdateBatchStatus(workCtx, batch.ID, storage.BatchStatusProcessing); err != nil {
		s.metrics.ObserveBatch("error", start)
		return nil, fmt.Errorf("update batch status: %w", err)
	}
	status, err := s.store.RefreshBatchStatus(workCtx, batch.ID)
	if err != nil {
		s.metrics.ObserveBatch("error", start)
		return nil, fmt.Errorf("refresh batch status: %w", err)
	}

	response, err := json.Marshal(BatchResponse{
		BatchID:         batch.ID,
		Status:          status,
		Orders:          NewOrderViews(orders),
		ProposedRouting: decisions,
		Message:         fmt.Sprintf("Batch %d created with %d orders", batch.ID, len(orders)),
	})
	if err != nil {
		s.metrics.ObserveBatch("error", start)
		return nil, fmt.Errorf("encode batch response: %w", err)
	}
	if err := s.store.SaveBatchResponse(workCtx, batch.ID, response); err != nil {
		s.metrics.ObserveBatch("error", start)
		return nil, fmt.Errorf("save batch response: %w", err)
	}
	s.idem.Save(workCtx, key, response)
	saved = true

	s.logger.Info("batch submitted", "batch_id", batch.ID, "orders", len(orders), "status", status, "idempotency_key", key)
	s.metrics.ObserveBatch("created", start)
	return &SubmitBatchResult{Response: response, BatchID: batch.ID}, nil
}

// failBatch marks an aborted batch failed and stores a terminal response
// listing the orders that were persisted, so retries with the same key replay
// it instead of placing again. It reports whether the response was stored.
func (s *BatchService) failBatch(ctx context.Context, batchID int64, key string, orders []storage.Order, decisions []routing.Decision, cause error) bool {
	if err := s.store.UpdateBatchStatus(ctx, batchID, storage.BatchStatusFailed); err != nil {
		s.logger.Error("mark batch failed", "batch_id", batchID, "error", err)
	}
	response, err := json.Marshal(BatchResponse{
		BatchID:         batchID,
		Status:          storage.BatchStatusFailed,
		Orders:          NewOrderViews(orders),
		ProposedRouting: decisions,
		Message:         fmt.Sprintf("Batch %d failed after recording %d of %d orders: %v", batchID, len(orders), len(decisions), cause),
	})
	if err != nil {
		s.logger.Error("encode failed batch response", "batch_id", batchID, "error", err)
		return false
	}
	if err := s.store.SaveBatchResponse(ctx, batchID, response); err != nil {
		s.logger.Error("save failed batch response", "batch_id", batchID, "error", err)
		return false
	}
	s.idem.Save(ctx, key, response)
	return true
}

// placeOrders fans placement out across the routed brokers. A broker failure
// is recorded on that order as rejected; only persistence errors abort. On
// abort the orders that were persisted are still returned.
func (s *BatchService) placeOrders(ctx context.Context, batch *storage.Batch, input SubmitBatchInput, decisions []routing.Decision) ([]storage.Order, error) {
	placed := make([]storage.Order, len(input.Orders))
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	for i, req := range input.Orders {
		broker := decisions[i].Broker
		g.Go(func() error {
			order := storage.Order{
				PortfolioID:  input.PortfolioID,
				Broker:       broker,
				InstrumentID: req.InstrumentID,
				Quantity:     req.Quantity,
				PriceLimit:   req.PriceLimit,
				Side:         req.Side,
				BatchID:      &batch.ID,
			}
			result := s.place(ctx, broker, req)
			applyPlacement(&order, result)

			stored, err := s.lifecycle.Create(ctx, order)
			if err != nil {
				s.logger.Error("placed order not persisted", "batch_id", batch.ID, "order_index", i, "broker", broker, "ext_order_id", order.ExtOrderID, "status", order.Status, "error", err)
				return fmt.Errorf("persist order %d of batch %d: %w", i, batch.ID, err)
			}
			s.metrics.OrderPlaced(broker, stored.Status)
			placed[i] = *stored
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		recorded := make([]storage.Order, 0, len(placed))
		for _, o := range placed {
			if o.ID != 0 {
				recorded = append(recorded, o)
			}
		}
		return recorded, err
	}
	return placed, nil
}

func (s *BatchService) place(ctx context.Context, broker string, req validation.OrderRequest) connector.OrderResult {
	conn, err := s.connectors.Get(broker)
	if err != nil {
		return connector.Rejected(err.Error())
	}
	result, err := conn.PlaceOrder(ctx, connector.PlaceRequest{
		InstrumentID: req.InstrumentID,
		Quantity:     req.Quantity,
		Side:         req.Side,
		PriceLimit:   req.PriceLimit,
	})
	if err != nil {
		s.logger.Warn("order placement failed", "broker", broker, "instrument_id", req.InstrumentID, "retryable", connector.IsRetryable(err), "error", err)
		if result.Success {
			result = connector.Rejected(err.Error())
		}
		if result.ErrorMessage == "" {
			result.ErrorMessage = err.Error()
		}
		result.Status = storage.OrderStatusRejected
	}
	return result
}

func applyPlacement(order *storage.Order, result connector.OrderResult) {
	if result.ExtOrderID != "" {
		ext := result.ExtOrderID
		order.ExtOrderID = &ext
	}
	switch {
	case !result.Success || result.Status == storage.OrderStatusRejected:
		order.Status = storage.OrderStatusRejected
		reason := result.ErrorMessage
		if reason == "" {
			reason = "rejected by broker"
		}
		order.RejectReason = &reason
	case result.Status == storage.OrderStatusFilled && result.FillPrice != nil && result.FillQty != nil:
		order.Status = storage.OrderStatusFilled
		order.FillPrice = result.FillPrice
		order.FillQty = result.FillQty
	case result.Status == storage.OrderStatusAcked:
		order.Status = storage.OrderStatusAcked
	default:
		order.Status = storage.OrderStatusPlaced
	}
}

func (s *BatchService) GetOrder(ctx context.Context, id int64) (*storage.Order, error) {
	return s.store.GetOrder(ctx, id)
}

func (s *BatchService) GetBatch(ctx context.Context, id int64) (*BatchView, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	orders, err := s.store.ListOrdersByBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	view := NewBatchView(*batch, orders)
	return &view, nil
}

type FillInput struct {
	OrderID   int64            `json:"order_id"`
	FillPrice *decimal.Decimal `json:"fill_price"`
	FillQty   *decimal.Decimal `json:"fill_qty,omitempty"`
}

// SimulateFill drives orderID to filled using its entry in fills. A missing
// fill_qty fills the whole order.
func (s *BatchService) SimulateFill(ctx context.Context, orderID int64, fills []FillInput) (*FillResult, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var fill *FillInput
	for i := range fills {
		if fills[i].OrderID == orderID {
			fill = &fills[i]
			break
		}
	}
	if fill == nil {
		return nil, fmt.Errorf("%w %d", ErrNoFillData, orderID)
	}
	if fill.FillPrice == nil || !fill.FillPrice.IsPositive() {
		return nil, fmt.Errorf("%w: fill_price must be positive", ErrInvalidFill)
	}
	qty := order.Quantity
	if fill.FillQty != nil {
		qty = *fill.FillQty
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: fill_qty must be positive", ErrInvalidFill)
	}

	filled, err := s.lifecycle.ProcessFill(ctx, orderID, *fill.FillPrice, qty)
	if err != nil {
		return nil, err
	}
	s.refreshBatch(ctx, filled)

	return &FillResult{
		OrderID:   filled.ID,
		Status:    filled.Status,
		FillPrice: *filled.FillPrice,
		FillQty:   *filled.FillQty,
		Message:   "Fill simulated successfully",
	}, nil
}

func (s *BatchService) Acknowledge(ctx context.Context, orderID int64) (*storage.Order, error) {
	return s.lifecycle.Acknowledge(ctx, orderID, "")
}

func (s *BatchService) Cancel(ctx context.Context, orderID int64) (*storage.Order, error) {
	order, err := s.lifecycle.Cancel(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.refreshBatch(ctx, order)
	return order, nil
}

// SyncOrder polls the order's broker and applies any forward progress. A
// broker answer that would move the order backwards is ignored.
func (s *BatchService) SyncOrder(ctx context.Context, orderID int64) (*storage.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.ExtOrderID == nil || *order.ExtOrderID == "" {
		return nil, fmt.Errorf("%w: %d", ErrNotPlaced, orderID)
	}
	if lifecycle.IsTerminal(order.Status) {
		return order, nil
	}

	conn, err := s.connectors.Get(order.Broker)
	if err != nil {
		return nil, err
	}
	result, err := conn.GetOrderStatus(ctx, *order.ExtOrderID)
	if err != nil {
		return nil, fmt.Errorf("poll broker: %w", err)
	}
	if result.Status == order.Status || !lifecycle.CanTransition(order.Status, result.Status) {
		return order, nil
	}

	updated, err := s.applyBrokerStatus(ctx, order.ID, result.Status, result.FillPrice, result.FillQty, result.ErrorMessage)
	if err != nil {
		return nil, err
	}
	s.refreshBatch(ctx, updated)
	return updated, nil
}

// ExecutionInput is an asynchronous broker report about one order.
type ExecutionInput struct {
	Broker     string
	ExtOrderID string
	OrderID    int64
	Status     string
	FillPrice  *decimal.Decimal
	FillQty    *decimal.Decimal
	Reason     string
}

// ApplyExecution resolves the reported order and applies its new status.
// Repeated reports surface lifecycle.ErrIllegalTransition.
func (s *BatchService) ApplyExecution(ctx context.Context, in ExecutionInput) (*storage.Order, error) {
	var (
		order *storage.Order
		err   error
	)
	if in.OrderID > 0 {
		order, err = s.store.GetOrder(ctx, in.OrderID)
	} else {
		order, err = s.store.GetOrderByExtID(ctx, in.Broker, in.ExtOrderID)
	}
	if err != nil {
		return nil, err
	}
	if in.Broker != "" && order.Broker != in.Broker {
		return nil, fmt.Errorf("%w: order %d belongs to %s, report from %s", storage.ErrNotFound, order.ID, order.Broker, in.Broker)
	}

	updated, err := s.applyBrokerStatus(ctx, order.ID, in.Status, in.FillPrice, in.FillQty, in.Reason)
	if err != nil {
		return nil, err
	}
	s.refreshBatch(ctx, updated)
	return updated, nil
}

func (s *BatchService) applyBrokerStatus(ctx context.Context, orderID int64, status string, price, qty *decimal.Decimal, reason string) (*storage.Order, error) {
	upd := lifecycle.Update{}
	if status == storage.OrderStatusFilled {
		upd.FillPrice = price
		upd.FillQty = qty
	}
	if status == storage.OrderStatusRejected && reason != "" {
		upd.RejectReason = &reason
	}
	return s.lifecycle.UpdateStatus(ctx, orderID, status, upd)
}

func (s *BatchService) Reconcile(ctx context.Context, batchID int64) (*reconcile.Report, error) {
	return s.reconciler.Reconcile(ctx, batchID)
}

// SetSimulatedFill scripts the fill a mock broker reports for instrumentID.
func (s *BatchService) SetSimulatedFill(broker string, instrumentID int64, price, qty decimal.Decimal) error {
	sim, err := s.connectors.Simulator(broker)
	if err != nil {
		return err
	}
	sim.SetSimulatedFill(instrumentID, price, qty)
	s.logger.Info("simulated fill configured", "broker", broker, "instrument_id", instrumentID, "price", price.String(), "qty", qty.String())
	return nil
}

func (s *BatchService) ClearSimulatedFill(broker string, instrumentID int64) error {
	sim, err := s.connectors.Simulator(broker)
	if err != nil {
		return err
	}
	sim.ClearSimulatedFill(instrumentID)
	return nil
}

func (s *BatchService) refreshBatch(ctx context.Context, order *storage.Order) {
	if order == nil || order.BatchID == nil {
		return
	}
	if _, err := s.store.RefreshBatchStatus(ctx, *order.BatchID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("refresh batch status failed", "batch_id", *order.BatchID, "error", err)
	}
}
