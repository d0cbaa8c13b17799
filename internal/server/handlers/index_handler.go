package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/services"
)

// IndexHandler maintains the search index
type IndexHandler struct {
	container *services.Container
}

// NewIndexHandler creates a new index handler
func NewIndexHandler(container *services.Container) *IndexHandler {
	return &IndexHandler{
		container: container,
	}
}

// RebuildRequest is the optional body of POST /index/rebuild
type RebuildRequest struct {
	Types []string `json:"types"`
}

// IndexEntity rebuilds the entry of :type/:id from its source row
func (h *IndexHandler) IndexEntity(c *gin.Context) {
	entityType, err := models.ParseEntityType(c.Param("type"))
	if err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}
	entityID := c.Param("id")

	if err := h.container.IndexEntity(c.Request.Context(), entityType, entityID); err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entity_type": entityType,
		"entity_id":   entityID,
		"indexed":     true,
	})
}

// RemoveEntity deletes the entry of :type/:id
func (h *IndexHandler) RemoveEntity(c *gin.Context) {
	entityType, err := models.ParseEntityType(c.Param("type"))
	if err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}
	entityID := c.Param("id")

	removed, err := h.container.RemoveEntity(c.Request.Context(), entityType, entityID)
	if err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entity_type": entityType,
		"entity_id":   entityID,
		"removed":     removed,
	})
}

// Rebuild reindexes the requested entity types, or all of them
func (h *IndexHandler) Rebuild(c *gin.Context) {
	var req RebuildRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, h.container.Logger(), "body", err.Error())
			return
		}
	}
	if t := c.Query("type"); t != "" {
		req.Types = append(req.Types, t)
	}

	types := make([]models.EntityType, 0, len(req.Types))
	for _, raw := range req.Types {
		t, err := models.ParseEntityType(raw)
		if err != nil {
			respondError(c, h.container.Logger(), err)
			return
		}
		types = append(types, t)
	}

	counts, err := h.container.Reindex(c.Request.Context(), types...)
	if err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"indexed": counts,
		"total":   total,
	})
}
