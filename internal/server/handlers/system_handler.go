package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fabienpiette/speedlayer/internal/services"
)

// defaultAnalyticsDays is the analytics window when days is omitted
const defaultAnalyticsDays = 7

// SystemHandler handles settings, analytics and the search stream
type SystemHandler struct {
	container *services.Container
}

// NewSystemHandler creates a new system handler
func NewSystemHandler(container *services.Container) *SystemHandler {
	return &SystemHandler{
		container: container,
	}
}

// GetAnalytics summarizes recorded metrics over the last days days
func (h *SystemHandler) GetAnalytics(c *gin.Context) {
	days := defaultAnalyticsDays
	if d := c.Query("days"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil {
			badRequest(c, h.container.Logger(), "days", "must be an integer")
			return
		}
		days = parsed
	}

	analytics, err := h.container.GetAnalytics(c.Request.Context(), days)
	if err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}

	c.JSON(http.StatusOK, analytics)
}

// GetOperations returns the in-process per-operation aggregates
func (h *SystemHandler) GetOperations(c *gin.Context) {
	snapshot := h.container.Recorder().Snapshot()

	operations := make(map[string]interface{}, len(snapshot))
	for op, agg := range snapshot {
		operations[op] = gin.H{
			"count":      agg.Count,
			"avg_ms":     agg.AvgTime().Milliseconds(),
			"min_ms":     agg.MinTime.Milliseconds(),
			"max_ms":     agg.MaxTime.Milliseconds(),
			"errors":     agg.Errors,
			"cache_hits": agg.CacheHits,
			"total_ms":   agg.TotalTime.Milliseconds(),
		}
	}

	c.JSON(http.StatusOK, gin.H{"operations": operations})
}

// GetSettings returns the active runtime settings
func (h *SystemHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.container.GetSettings(c.Request.Context()))
}

// UpdateSettings stores the settings given as a JSON object of key/value
// pairs
func (h *SystemHandler) UpdateSettings(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, h.container.Logger(), "body", err.Error())
		return
	}

	values := make(map[string]string, len(body))
	for key, value := range body {
		values[key] = fmt.Sprint(value)
	}

	updated, err := h.container.UpdateSettings(c.Request.Context(), values)
	if err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}

	c.JSON(http.StatusOK, updated)
}

// SearchStream upgrades to a WebSocket carrying debounced searches
func (h *SystemHandler) SearchStream(c *gin.Context) {
	h.container.Hub().HandleWebSocket(c.Writer, c.Request)
}
