package admin

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"tiller/internal/daemon"
	"tiller/internal/safety"
	"tiller/internal/store/history"
)

// Router exposes the daemon's operator endpoints.
type Router struct {
	Daemon   *daemon.Daemon
	History  *history.Store
	AuditDir string
}

func NewRouter(d *daemon.Daemon, h *history.Store, auditDir string) *Router {
	return &Router{Daemon: d, History: h, AuditDir: auditDir}
}

// Register mounts the API routes under the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/signals", r.handleSignal)
	group.GET("/positions", r.handlePositions)
	group.POST("/positions/:ticker/close", r.handleClosePosition)
	group.GET("/orders", r.handleOrders)
	group.GET("/orders/history", r.handleOrderHistory)
	group.GET("/trades", r.handleTrades)
	group.GET("/audit", r.handleAudit)
	group.GET("/killswitches", r.handleKillSwitches)
	group.POST("/killswitches/manual", r.handleTripManual)
	group.DELETE("/killswitches/:switch", r.handleClearSwitch)
}

func (r *Router) handleHealth(c *gin.Context) {
	ok, reason := r.Daemon.Safety().CanTrade()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"mode":        string(r.Daemon.Mode()),
		"trading":     ok,
		"halt_reason": reason,
		"queue_depth": r.Daemon.QueueDepth(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSignal validates the raw signal and enqueues it. The reply is
// 202: acceptance here means "queued for gating", not "order placed".
func (r *Router) handleSignal(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	sig, err := daemon.ParseSignal(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	evt := daemon.NewEvent(daemon.EvtSignalEntry, daemon.SignalEntryPayload{Signal: sig})
	if err := r.Daemon.Send(evt); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"signal_id": sig.ID, "event_id": evt.ID})
}

func (r *Router) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": r.Daemon.Positions()})
}

func (r *Router) handleClosePosition(c *gin.Context) {
	ticker := c.Param("ticker")
	evt := daemon.NewEvent(daemon.EvtSignalExit, daemon.SignalExitPayload{
		Ticker: ticker,
		Reason: "manual_close",
	})
	if err := r.Daemon.SendSync(c.Request.Context(), evt); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ticker": ticker})
}

func (r *Router) handleOrders(c *gin.Context) {
	open := r.Daemon.Orders().Open()
	c.JSON(http.StatusOK, gin.H{"open_orders": open})
}

func (r *Router) handleOrderHistory(c *gin.Context) {
	if r.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history store disabled"})
		return
	}
	n, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := r.History.RecentOrders(c.Request.Context(), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows})
}

func (r *Router) handleTrades(c *gin.Context) {
	if r.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history store disabled"})
		return
	}
	n, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := r.History.RecentTrades(c.Request.Context(), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": rows})
}

// handleAudit streams one day's audit entries, optionally filtered by
// kind or ticker. Lines are scanned without full decoding; only
// matching entries are returned verbatim.
func (r *Router) handleAudit(c *gin.Context) {
	if r.AuditDir == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log disabled"})
		return
	}
	day := c.DefaultQuery("day", time.Now().UTC().Format("2006-01-02"))
	if _, err := time.Parse("2006-01-02", day); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
		return
	}
	kind := c.Query("kind")
	ticker := c.Query("ticker")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if limit <= 0 || limit > 5000 {
		limit = 500
	}

	f, err := os.Open(filepath.Join(r.AuditDir, "audit-"+day+".ndjson"))
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, gin.H{"day": day, "entries": []json.RawMessage{}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	entries := make([]json.RawMessage, 0, 64)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() && len(entries) < limit {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if kind != "" && gjson.GetBytes(line, "kind").String() != kind {
			continue
		}
		if ticker != "" && gjson.GetBytes(line, "ticker").String() != ticker {
			continue
		}
		entries = append(entries, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"day": day, "entries": entries})
}

func (r *Router) handleKillSwitches(c *gin.Context) {
	trades, realized := r.Daemon.Safety().Counters()
	c.JSON(http.StatusOK, gin.H{
		"active":       r.Daemon.Safety().ActiveSwitches(),
		"trades_today": trades,
		"realized_pnl": realized,
	})
}

func (r *Router) handleTripManual(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.Reason == "" {
		body.Reason = "manual trip via admin API"
	}
	evt := daemon.NewEvent(daemon.EvtKillSwitch, daemon.KillSwitchPayload{
		Switch: safety.SwitchManual,
		Reason: body.Reason,
	})
	if err := r.Daemon.SendSync(c.Request.Context(), evt); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tripped": safety.SwitchManual})
}

func (r *Router) handleClearSwitch(c *gin.Context) {
	sw := safety.Switch(c.Param("switch"))
	evt := daemon.NewEvent(daemon.EvtKillSwitch, daemon.KillSwitchPayload{
		Switch: sw,
		Clear:  true,
	})
	if err := r.Daemon.SendSync(c.Request.Context(), evt); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": sw})
}
