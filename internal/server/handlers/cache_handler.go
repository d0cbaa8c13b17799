package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/services"
)

// CacheHandler exposes the TTL cache
type CacheHandler struct {
	container *services.Container
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(container *services.Container) *CacheHandler {
	return &CacheHandler{
		container: container,
	}
}

// PutCacheRequest is the body of PUT /cache/:key
type PutCacheRequest struct {
	Value      json.RawMessage `json:"value" binding:"required"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// Get returns the value cached under :key
func (h *CacheHandler) Get(c *gin.Context) {
	key := c.Param("key")

	value, ok := h.container.CacheGet(c.Request.Context(), key)
	if !ok {
		respondError(c, h.container.Logger(), fmt.Errorf("cache key %q: %w", key, models.ErrNotFound))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":   key,
		"value": value,
	})
}

// Put stores the body value under :key. ttl_seconds <= 0 uses the
// configured default TTL.
func (h *CacheHandler) Put(c *gin.Context) {
	key := c.Param("key")

	var req PutCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.container.Logger(), "body", err.Error())
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.container.CacheSet(c.Request.Context(), key, req.Value, ttl); err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Invalidate removes every key containing the pattern query parameter
func (h *CacheHandler) Invalidate(c *gin.Context) {
	pattern := c.Query("pattern")

	removed, err := h.container.Invalidate(c.Request.Context(), pattern)
	if err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pattern": pattern,
		"removed": removed,
	})
}
