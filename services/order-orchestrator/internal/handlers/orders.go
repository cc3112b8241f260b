package handlers

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/amodvardhan/INDMoneyPlus/libs/auth"
	"github.com/amodvardhan/INDMoneyPlus/libs/httpmiddleware"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/connector"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/export"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/idempotency"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/lifecycle"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/reconcile"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/routing"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/service"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/validation"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type OrderService interface {
	SubmitBatch(ctx context.Context, input service.SubmitBatchInput) (*service.SubmitBatchResult, error)
	GetOrder(ctx context.Context, id int64) (*storage.Order, error)
	GetBatch(ctx context.Context, id int64) (*service.BatchView, error)
	SimulateFill(ctx context.Context, orderID int64, fills []service.FillInput) (*service.FillResult, error)
	Acknowledge(ctx context.Context, orderID int64) (*storage.Order, error)
	Cancel(ctx context.Context, orderID int64) (*storage.Order, error)
	SyncOrder(ctx context.Context, orderID int64) (*storage.Order, error)
	Reconcile(ctx context.Context, batchID int64) (*reconcile.Report, error)
	SetSimulatedFill(broker string, instrumentID int64, price, qty decimal.Decimal) error
	ClearSimulatedFill(broker string, instrumentID int64) error
}

type Handler struct {
	Service OrderService
	Logger  *slog.Logger
}

type submitBatchRequest struct {
	PortfolioID    int64                     `json:"portfolio_id"`
	Broker         string                    `json:"broker"`
	IdempotencyKey string                    `json:"idempotency_key"`
	Orders         []validation.OrderRequest `json:"orders"`
}

type simulateFillRequest struct {
	Fills []service.FillInput `json:"fills"`
}

type simulatedFillRequest struct {
	InstrumentID int64            `json:"instrument_id"`
	FillPrice    *decimal.Decimal `json:"fill_price"`
	FillQty      *decimal.Decimal `json:"fill_qty"`
}

type errorResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Reasons []string `json:"reasons,omitempty"`
}

func New(service OrderService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret string) {
	group := r.Group("/api/v1", auth.Identity(jwtSecret))
	group.GET("/orders/:id", h.GetOrder)
	group.GET("/batches/:id", h.GetBatch)
	group.GET("/reconcile/:batch_id", h.Reconcile)
	group.GET("/reconcile/:batch_id/export", h.ExportReconciliation)

	write := group.Group("", auth.RequireScope(auth.ScopeOrdersWrite))
	write.POST("/orders", h.SubmitBatch)
	write.POST("/orders/:id/simulate_fill", h.SimulateFill)
	write.POST("/orders/:id/ack", h.Acknowledge)
	write.POST("/orders/:id/cancel", h.Cancel)
	write.POST("/orders/:id/sync", h.SyncOrder)
	write.POST("/brokers/:name/simulated_fills", h.SetSimulatedFill)
	write.DELETE("/brokers/:name/simulated_fills/:instrument_id", h.ClearSimulatedFill)
}

func (h *Handler) SubmitBatch(c *gin.Context) {
	var req submitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", []string{err.Error()})
		return
	}

	key := req.IdempotencyKey
	if headerKey := c.GetHeader(IdempotencyKeyHeader); headerKey != "" {
		key = headerKey
	}

	result, err := h.Service.SubmitBatch(c.Request.Context(), service.SubmitBatchInput{
		UserID:          auth.UserID(c),
		PortfolioID:     req.PortfolioID,
		PreferredBroker: req.Broker,
		Orders:          req.Orders,
		IdempotencyKey:  key,
	})
	if err != nil {
		h.writeServiceError(c, "submit batch", err, "ORDER_NOT_FOUND")
		return
	}

	if result.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", result.Response)
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "invalid order id")
	if !ok {
		return
	}
	order, err := h.Service.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, "get order", err, "ORDER_NOT_FOUND")
		return
	}
	c.JSON(http.StatusOK, service.NewOrderView(*order))
}

func (h *Handler) SimulateFill(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "invalid order id")
	if !ok {
		return
	}
	var req simulateFillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", []string{err.Error()})
		return
	}

	result, err := h.Service.SimulateFill(c.Request.Context(), id, req.Fills)
	if err != nil {
		h.writeServiceError(c, "simulate fill", err, "ORDER_NOT_FOUND")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Acknowledge(c *gin.Context) {
	h.transition(c, "acknowledge order", h.Service.Acknowledge)
}

func (h *Handler) Cancel(c *gin.Context) {
	h.transition(c, "cancel order", h.Service.Cancel)
}

func (h *Handler) SyncOrder(c *gin.Context) {
	h.transition(c, "sync order", h.Service.SyncOrder)
}

func (h *Handler) transition(c *gin.Context, op string, fn func(context.Context, int64) (*storage.Order, error)) {
	id, ok := parseIDParam(c, "id", "invalid order id")
	if !ok {
		return
	}
	order, err := fn(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, op, err, "ORDER_NOT_FOUND")
		return
	}
	c.JSON(http.StatusOK, service.NewOrderView(*order))
}

func (h *Handler) GetBatch(c *gin.Context) {
	id, ok := parseIDParam(c, "id", "invalid batch id")
	if !ok {
		return
	}
	batch, err := h.Service.GetBatch(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, "get batch", err, "BATCH_NOT_FOUND")
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) Reconcile(c *gin.Context) {
	id, ok := parseIDParam(c, "batch_id", "invalid batch id")
	if !ok {
		return
	}
	report, err := h.Service.Reconcile(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, "reconcile batch", err, "BATCH_NOT_FOUND")
		return
	}
	c.JSON(http.StatusOK, service.NewReconcileView(*report))
}

func (h *Handler) ExportReconciliation(c *gin.Context) {
	id, ok := parseIDParam(c, "batch_id", "invalid batch id")
	if !ok {
		return
	}
	report, err := h.Service.Reconcile(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, "export reconciliation", err, "BATCH_NOT_FOUND")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteParquet(&buf, *report); err != nil {
		h.Logger.Error("export reconciliation failed", "batch_id", id, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "export failed", nil)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+export.FileName(id)+`"`)
	c.Data(http.StatusOK, export.ContentType, buf.Bytes())
}

func (h *Handler) SetSimulatedFill(c *gin.Context) {
	var req simulatedFillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", []string{err.Error()})
		return
	}
	if req.InstrumentID <= 0 || req.FillPrice == nil || !req.FillPrice.IsPositive() {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "instrument_id and a positive fill_price are required", nil)
		return
	}
	qty := decimal.Zero
	if req.FillQty != nil {
		qty = *req.FillQty
	}

	broker := c.Param("name")
	if err := h.Service.SetSimulatedFill(broker, req.InstrumentID, *req.FillPrice, qty); err != nil {
		h.writeServiceError(c, "set simulated fill", err, "ORDER_NOT_FOUND")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"broker":        broker,
		"instrument_id": req.InstrumentID,
		"fill_price":    *req.FillPrice,
		"fill_qty":      qty,
	})
}

func (h *Handler) ClearSimulatedFill(c *gin.Context) {
	instrumentID, ok := parseIDParam(c, "instrument_id", "invalid instrument id")
	if !ok {
		return
	}
	if err := h.Service.ClearSimulatedFill(c.Param("name"), instrumentID); err != nil {
		h.writeServiceError(c, "clear simulated fill", err, "ORDER_NOT_FOUND")
		return
	}
	c.Status(http.StatusNoContent)
}

// writeServiceError maps domain errors onto the API error body. notFoundCode
// names the resource the route addresses.
func (h *Handler) writeServiceError(c *gin.Context, op string, err error, notFoundCode string) {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Order validation failed: "+verr.Error(), verr.Violations)
	case errors.Is(err, routing.ErrUnknownBroker), errors.Is(err, connector.ErrUnknownBroker):
		writeError(c, http.StatusBadRequest, "UNKNOWN_BROKER", err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, notFoundCode, err.Error(), nil)
	case errors.Is(err, reconcile.ErrNotFound):
		writeError(c, http.StatusNotFound, "BATCH_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		writeError(c, http.StatusConflict, "ILLEGAL_TRANSITION", err.Error(), nil)
	case errors.Is(err, idempotency.ErrRequestInFlight):
		writeError(c, http.StatusConflict, "REQUEST_IN_FLIGHT", err.Error(), nil)
	case errors.Is(err, service.ErrBatchFailed):
		writeError(c, http.StatusConflict, "BATCH_FAILED", err.Error(), nil)
	case errors.Is(err, service.ErrNoFillData),
		errors.Is(err, service.ErrInvalidFill),
		errors.Is(err, service.ErrNotPlaced),
		errors.Is(err, lifecycle.ErrIncompleteFill),
		errors.Is(err, lifecycle.ErrFillRequired),
		errors.Is(err, connector.ErrNoSimulation):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	default:
		h.Logger.Error(op+" failed", "error", err, "request_id", httpmiddleware.RequestIDFromContext(c))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func parseIDParam(c *gin.Context, name, message string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param(name)), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, status int, code, message string, reasons []string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
		Reasons: reasons,
	})
}
