package handler

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/eventbus"
	"github.com/stemsi/exstem-live/internal/monitor"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

const statsInterval = 7 * time.Second

// SystemHandler reports the occupancy of the engine's live registries.
type SystemHandler struct {
	registry  *service.SessionRegistry
	hub       *monitor.Hub
	relay     *eventbus.Relay // nil when no sink is configured
	rdb       *redis.Client   // nil without the activity queue
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(registry *service.SessionRegistry, hub *monitor.Hub, relay *eventbus.Relay, rdb *redis.Client, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		registry:  registry,
		hub:       hub,
		relay:     relay,
		rdb:       rdb,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type engineStats struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	Registry service.RegistryStats `json:"registry"`
	Hub      monitor.Stats         `json:"hub"`
	Relay    *eventbus.Stats       `json:"relay,omitempty"`
	// ActivityQueue is the backlog of audit entries awaiting the worker.
	ActivityQueue *int64 `json:"activityQueue,omitempty"`

	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heapAlloc"`
	NumGC       uint32  `json:"numGC"`
	AppRSSBytes uint64  `json:"appRssBytes"`
	LoadAvg1    float64 `json:"loadAvg1"`
}

// HubStats godoc
// GET /api/v1/monitor/hub/stats
func (h *SystemHandler) HubStats(c *gin.Context) {
	response.Success(c, http.StatusOK, h.collect(c.Request.Context()))
}

// StatsSSE godoc
// GET /api/v1/monitor/system/stream
func (h *SystemHandler) StatsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	c.SSEvent("stats", h.collect(reqCtx))
	c.Writer.Flush()
	for {
		select {
		case <-reqCtx.Done():
			return
		case <-ticker.C:
			c.SSEvent("stats", h.collect(reqCtx))
			c.Writer.Flush()
		}
	}
}

func (h *SystemHandler) collect(ctx context.Context) engineStats {
	m := engineStats{
		Timestamp: time.Now().Unix(),
		Uptime:    formatDuration(time.Since(h.startTime)),
		Registry:  h.registry.Stats(),
		Hub:       h.hub.Stats(),
	}
	if h.relay != nil {
		rs := h.relay.Stats()
		m.Relay = &rs
	}
	if h.rdb != nil {
		qctx, cancel := context.WithTimeout(ctx, time.Second)
		n, err := h.rdb.LLen(qctx, config.WorkerKey.PersistActivityQueue).Result()
		cancel()
		if err == nil {
			m.ActivityQueue = &n
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines = runtime.NumGoroutine()
	m.HeapAlloc = ms.HeapAlloc
	m.NumGC = ms.NumGC
	m.AppRSSBytes, _ = readProcessRSS()
	m.LoadAvg1, _ = readLoadAvg()
	return m
}

// ---------- /proc Readers ----------

// readLoadAvg returns the one-minute load average from /proc/loadavg.
func readLoadAvg() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("unexpected /proc/loadavg format")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// readProcessRSS reads VmRSS from /proc/self/status.
func readProcessRSS() (uint64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		// Format: "VmRSS:     16384 kB"
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		return kb * 1024, err
	}
	return 0, fmt.Errorf("VmRSS not found")
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
