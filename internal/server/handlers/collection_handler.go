package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fabienpiette/speedlayer/internal/models"
	"github.com/fabienpiette/speedlayer/internal/services"
)

// query parameters of GET /collections/:name that are not filters
var pageParams = map[string]bool{
	"page":      true,
	"page_size": true,
	"order_by":  true,
}

// CollectionHandler serves paginated reads of the business tables
type CollectionHandler struct {
	container *services.Container
}

// NewCollectionHandler creates a new collection handler
func NewCollectionHandler(container *services.Container) *CollectionHandler {
	return &CollectionHandler{
		container: container,
	}
}

// List returns one page of :name. order_by is a comma-separated column list
// where a leading '-' sorts descending. Other parameters are filters: a
// repeated parameter matches any of its values and a column__op suffix
// (gt, gte, lt, lte, contains) selects a comparison.
func (h *CollectionHandler) List(c *gin.Context) {
	req := &models.PageRequest{
		Collection: c.Param("name"),
		Page:       1,
	}

	if page := c.Query("page"); page != "" {
		p, err := strconv.Atoi(page)
		if err != nil {
			badRequest(c, h.container.Logger(), "page", "must be an integer")
			return
		}
		req.Page = p
	}

	if size := c.Query("page_size"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			badRequest(c, h.container.Logger(), "page_size", "must be an integer")
			return
		}
		req.PageSize = s
	}

	if orderBy := c.Query("order_by"); orderBy != "" {
		for _, field := range strings.Split(orderBy, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			order := models.OrderBy{Field: field}
			if strings.HasPrefix(field, "-") {
				order = models.OrderBy{Field: field[1:], Desc: true}
			}
			req.OrderBy = append(req.OrderBy, order)
		}
	}

	for key, values := range c.Request.URL.Query() {
		if pageParams[key] || len(values) == 0 {
			continue
		}
		if req.Filters == nil {
			req.Filters = make(map[string]interface{})
		}
		if len(values) == 1 {
			req.Filters[key] = values[0]
			continue
		}
		list := make([]interface{}, len(values))
		for i, v := range values {
			list[i] = v
		}
		req.Filters[key] = list
	}

	result, err := h.container.Paginate(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.container.Logger(), err)
		return
	}

	c.JSON(http.StatusOK, result)
}
