// Package server exposes settlement over a small JSON API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/amirphl/signal-settler/internal/db"
	"github.com/amirphl/signal-settler/internal/marketdata"
	"github.com/amirphl/signal-settler/internal/reward"
	"github.com/amirphl/signal-settler/internal/settlement"
	"github.com/amirphl/signal-settler/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Settler computes a settlement without persisting it.
type Settler interface {
	Settle(ctx context.Context, req settlement.Request) (settlement.Result, error)
}

// SignalReader loads stored signals.
type SignalReader interface {
	GetSignal(ctx context.Context, id int64) (*db.Signal, error)
}

type Handler struct {
	settler Settler
	signals SignalReader
	timeout time.Duration
}

func New(settler Settler, signals SignalReader, timeout time.Duration) *Handler {
	return &Handler{settler: settler, signals: signals, timeout: timeout}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.POST("/settlements/preview", h.PreviewSettlement)
	if h.signals != nil {
		api.GET("/signals/:id", h.GetSignal)
	}
}

// NewRouter returns an engine with recovery, request logging and all routes.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// PreviewSettlement scores a signal description on demand. Nothing is stored.
func (h *Handler) PreviewSettlement(c *gin.Context) {
	var req settlement.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.settler.Settle(ctx, req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type signalResponse struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"userId"`
	Market       string     `json:"market"`
	Timeframe    string     `json:"timeframe"`
	Exchanges    []string   `json:"exchanges"`
	EntryPoint   float64    `json:"entryPoint"`
	StopLoss     float64    `json:"stopLoss"`
	OpenTime     time.Time  `json:"openTime"`
	CloseTime    time.Time  `json:"closeTime"`
	Status       string     `json:"status"`
	Score        float64    `json:"score"`
	ExitedByStop bool       `json:"exitedByStop"`
	ExitTime     *time.Time `json:"exitTime,omitempty"`
	SettledAt    *time.Time `json:"settledAt,omitempty"`
	Targets      []target   `json:"targets"`

	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

type target struct {
	Index     int        `json:"index"`
	Value     float64    `json:"value"`
	Touched   bool       `json:"touched"`
	TouchedAt *time.Time `json:"touchedAt,omitempty"`
}

func (h *Handler) GetSignal(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal id"})
		return
	}

	sig, err := h.signals.GetSignal(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	resp := signalResponse{
		ID:           sig.ID,
		UserID:       sig.UserID,
		Market:       sig.Market,
		Timeframe:    sig.Timeframe,
		Exchanges:    sig.Exchanges,
		EntryPoint:   sig.EntryPoint,
		StopLoss:     sig.StopLoss,
		OpenTime:     sig.OpenTime,
		CloseTime:    sig.CloseTime,
		Status:       sig.Status,
		Score:        sig.Score,
		ExitedByStop: sig.ExitedByStop,
		ExitTime:     sig.ExitTime,
		SettledAt:    sig.SettledAt,
		Targets:      make([]target, 0, len(sig.Targets)),

		Attempts:      sig.Attempts,
		NextAttemptAt: sig.NextAttemptAt,
		LastError:     sig.LastError,
	}
	for _, t := range sig.Targets {
		resp.Targets = append(resp.Targets, target{Index: t.Index, Value: t.Value, Touched: t.Touched, TouchedAt: t.TouchedAt})
	}
	c.JSON(http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, reward.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrSignalNotFound):
		return http.StatusNotFound
	case errors.Is(err, marketdata.ErrDataUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		utils.GetLogger().WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Info("API | request")
	}
}
