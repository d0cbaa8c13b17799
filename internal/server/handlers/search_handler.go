package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/services"
)

// query parameters of GET /search that are not filters
var searchParams = map[string]bool{
	"q":         true,
	"text":      true,
	"sort":      true,
	"direction": true,
	"limit":     true,
	"offset":    true,
}

// SearchHandler handles search-related endpoints
type SearchHandler struct {
	container *services.Container
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(container *services.Container) *SearchHandler {
	return &SearchHandler{
		container: container,
	}
}

// Search runs a query given as URL parameters. Parameters other than
// q, sort, direction, limit and offset are filters; entity_type accepts a
// comma-separated list.
func (h *SearchHandler) Search(c *gin.Context) {
	query := &models.SearchQuery{
		Text: c.Query("q"),
		Sort: models.SearchSort{
			Field:     c.Query("sort"),
			Direction: c.Query("direction"),
		},
	}
	if query.Text == "" {
		query.Text = c.Query("text")
	}

	if limit := c.Query("limit"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			badRequest(c, h.container.Logger(), "limit", "must be an integer")
			return
		}
		query.Limit = l
	}

	if offset := c.Query("offset"); offset != "" {
		o, err := strconv.Atoi(offset)
		if err != nil {
			badRequest(c, h.container.Logger(), "offset", "must be an integer")
			return
		}
		query.Offset = o
	}

	for key, values := range c.Request.URL.Query() {
		if searchParams[key] || len(values) == 0 {
			continue
		}
		if query.Filters == nil {
			query.Filters = make(map[string]interface{})
		}
		if key == models.FilterEntityType {
			types := make([]interface{}, 0, len(values))
			for _, v := range values {
				for _, t := range strings.Split(v, ",") {
					if t = strings.TrimSpace(t); t != "" {
						types = append(types, t)
					}
				}
			}
			query.Filters[key] = types
			continue
		}
		query.Filters[key] = values[0]
	}

	h.run(c, query)
}

// SearchJSON runs a query given as a JSON body
func (h *SearchHandler) SearchJSON(c *gin.Context) {
	var query models.SearchQuery
	if err := c.ShouldBindJSON(&query); err != nil {
		badRequest(c, h.container.Logger(), "body", err.Error())
		return
	}
	h.run(c, &query)
}

func (h *SearchHandler) run(c *gin.Context, query *models.SearchQuery) {
	response, err := h.container.Search(c.Request.Context(), query)
	if err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}

	c.JSON(http.StatusOK, response)
}
