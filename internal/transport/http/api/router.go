package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cyclone/internal/cycle"
	"cyclone/internal/engine"
	"cyclone/internal/gateway/venue"
	"cyclone/internal/logger"
	"cyclone/internal/store"
	"cyclone/internal/store/journal"

	"github.com/gin-gonic/gin"
)

// CycleEngine is the supervisor surface the API drives.
type CycleEngine interface {
	OpenCycle(ctx context.Context, req engine.OpenRequest) (cycle.Cycle, error)
	CloseCycle(ctx context.Context, cycleID string) error
	ActiveCycles() []cycle.Cycle
}

// CycleReader serves persisted cycle rows for history and detail views.
type CycleReader interface {
	GetCycleByCycleID(ctx context.Context, cycleID string) (cycle.Cycle, bool, error)
	ListRecentCycles(ctx context.Context, symbol string, limit, offset int) ([]cycle.Cycle, error)
}

// OrderReader serves ledger rows.
type OrderReader interface {
	ListOrdersByCycle(ctx context.Context, cycleID string) ([]store.OrderRecord, error)
	ListOpenOrders(ctx context.Context) ([]store.OrderRecord, error)
	ListPendingOrders(ctx context.Context) ([]store.OrderRecord, error)
}

// SnapshotReader serves the persisted equity curve.
type SnapshotReader interface {
	ListAccountSnapshots(ctx context.Context, since time.Time, limit int) ([]store.AccountSnapshotRecord, error)
}

// JournalReader serves execution journal entries.
type JournalReader interface {
	List(ctx context.Context, q journal.Query) ([]journal.Entry, error)
}

// AccountReader serves the live account snapshot from the venue.
type AccountReader interface {
	Account(ctx context.Context) (venue.AccountSnapshot, error)
}

// Router holds the API handlers and their dependencies.
type Router struct {
	engine    CycleEngine
	cycles    CycleReader
	orders    OrderReader
	snapshots SnapshotReader
	journal   JournalReader
	account   AccountReader
}

// NewRouter builds the /api router from the server dependencies.
func NewRouter(cfg ServerConfig) *Router {
	return &Router{
		engine:    cfg.Engine,
		cycles:    cfg.Cycles,
		orders:    cfg.Orders,
		snapshots: cfg.Snapshots,
		journal:   cfg.Journal,
		account:   cfg.Account,
	}
}

// Register mounts the API routes under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/cycles", r.handleOpenCycle)
	group.GET("/cycles", r.handleCycleHistory)
	group.GET("/cycles/active", r.handleActiveCycles)
	group.GET("/cycles/:id", r.handleCycleByID)
	group.GET("/cycles/:id/orders", r.handleCycleOrders)
	group.POST("/cycles/:id/close", r.handleCloseCycle)
	group.GET("/orders/open", r.handleOpenOrders)
	group.GET("/journal", r.handleJournal)
	group.GET("/account", r.handleAccount)
	group.GET("/account/history", r.handleAccountHistory)
}

func (r *Router) handleOpenCycle(c *gin.Context) {
	var req engine.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Errorf("[api] open cycle bind failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := r.engine.OpenCycle(c.Request.Context(), req)
	if err != nil {
		logger.Errorf("[api] open cycle failed ip=%s symbol=%s err=%v", c.ClientIP(), strings.ToUpper(strings.TrimSpace(req.Symbol)), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] cycle opened ip=%s cycle=%s symbol=%s strategy=%s", c.ClientIP(), created.CycleID, created.Symbol, req.Strategy)
	c.JSON(http.StatusCreated, gin.H{"cycle": created})
}

func (r *Router) handleActiveCycles(c *gin.Context) {
	cycles := r.engine.ActiveCycles()
	c.JSON(http.StatusOK, gin.H{"cycles": cycles, "count": len(cycles)})
}

func (r *Router) handleCycleHistory(c *gin.Context) {
	if r.cycles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cycle store unavailable"})
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "0"))
	if pageSize <= 0 {
		pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "0"))
	}
	if pageSize <= 0 {
		pageSize, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}
	offset := (page - 1) * pageSize
	cycles, err := r.cycles.ListRecentCycles(c.Request.Context(), symbol, pageSize, offset)
	if err != nil {
		logger.Errorf("[api] cycle history failed ip=%s symbol=%s err=%v", c.ClientIP(), symbol, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cycles":    cycles,
		"page":      page,
		"page_size": pageSize,
	})
}

func (r *Router) handleCycleByID(c *gin.Context) {
	cycleID := strings.TrimSpace(c.Param("id"))
	if cycleID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cycle id is required"})
		return
	}
	// Running workers are fresher than the store row.
	for _, live := range r.engine.ActiveCycles() {
		if live.CycleID == cycleID {
			c.JSON(http.StatusOK, gin.H{"cycle": live, "live": true})
			return
		}
	}
	if r.cycles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cycle store unavailable"})
		return
	}
	found, ok, err := r.cycles.GetCycleByCycleID(c.Request.Context(), cycleID)
	if err != nil {
		logger.Errorf("[api] cycle detail failed ip=%s cycle=%s err=%v", c.ClientIP(), cycleID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycle": found, "live": false})
}

func (r *Router) handleCycleOrders(c *gin.Context) {
	if r.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order ledger unavailable"})
		return
	}
	cycleID := strings.TrimSpace(c.Param("id"))
	if cycleID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cycle id is required"})
		return
	}
	rows, err := r.orders.ListOrdersByCycle(c.Request.Context(), cycleID)
	if err != nil {
		logger.Errorf("[api] cycle orders failed ip=%s cycle=%s err=%v", c.ClientIP(), cycleID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows, "count": len(rows)})
}

func (r *Router) handleCloseCycle(c *gin.Context) {
	cycleID := strings.TrimSpace(c.Param("id"))
	if cycleID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cycle id is required"})
		return
	}
	logger.Infof("[api] close cycle requested ip=%s cycle=%s", c.ClientIP(), cycleID)
	if err := r.engine.CloseCycle(c.Request.Context(), cycleID); err != nil {
		if errors.Is(err, engine.ErrUnknownCycle) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		logger.Errorf("[api] close cycle failed ip=%s cycle=%s err=%v", c.ClientIP(), cycleID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closing"})
}

func (r *Router) handleOpenOrders(c *gin.Context) {
	if r.orders == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order ledger unavailable"})
		return
	}
	ctx := c.Request.Context()
	positions, err := r.orders.ListOpenOrders(ctx)
	if err != nil {
		logger.Errorf("[api] open orders failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pending, err := r.orders.ListPendingOrders(ctx)
	if err != nil {
		logger.Errorf("[api] pending orders failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "pending": pending})
}

func (r *Router) handleJournal(c *gin.Context) {
	if r.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal unavailable"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	q := journal.Query{
		CycleID: strings.TrimSpace(c.Query("cycle_id")),
		Symbol:  strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
		Event:   strings.TrimSpace(c.Query("event")),
		Since:   since,
		Limit:   limit,
		Offset:  offset,
	}
	entries, err := r.journal.List(c.Request.Context(), q)
	if err != nil {
		logger.Errorf("[api] journal read failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (r *Router) handleAccount(c *gin.Context) {
	if r.account == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account reader unavailable"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	snap, err := r.account.Account(ctx)
	if err != nil {
		logger.Errorf("[api] account read failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"login":        snap.Login,
		"currency":     snap.Currency,
		"balance":      snap.Balance,
		"equity":       snap.Equity,
		"margin":       snap.Margin,
		"free_margin":  snap.FreeMargin,
		"margin_level": snap.MarginLevel,
		"profit":       snap.Profit,
		"leverage":     snap.Leverage,
	})
}

func (r *Router) handleAccountHistory(c *gin.Context) {
	if r.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot store unavailable"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "0"))
	var since time.Time
	if hours > 0 {
		since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	recs, err := r.snapshots.ListAccountSnapshots(c.Request.Context(), since, limit)
	if err != nil {
		logger.Errorf("[api] account history failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": recs, "count": len(recs)})
}
