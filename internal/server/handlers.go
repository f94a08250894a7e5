package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// upsertRequest is the write payload for creates and updates. Data
// carries the entity fields opaquely; the server only owns identity and
// versioning.
type upsertRequest struct {
	ID      string                 `json:"id" validate:"required"`
	Version int64                  `json:"version" validate:"gte=0"`
	Data    map[string]interface{} `json:"data"`
}

type entityHandler struct {
	records *recordStore
}

func (h *entityHandler) list(c echo.Context) error {
	t, err := entityParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.records.list(t))
}

func (h *entityHandler) get(c echo.Context) error {
	t, err := entityParam(c)
	if err != nil {
		return err
	}
	r := h.records.get(t, c.Param("id"))
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *entityHandler) create(c echo.Context) error {
	t, err := entityParam(c)
	if err != nil {
		return err
	}

	var req upsertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	r, ok := h.records.create(t, req.ID, req.Data, time.Now().UTC())
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "record already exists")
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *entityHandler) update(c echo.Context) error {
	t, err := entityParam(c)
	if err != nil {
		return err
	}

	var req upsertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	req.ID = c.Param("id")
	if err := c.Validate(&req); err != nil {
		return err
	}

	r, found, ok := h.records.update(t, req.ID, req.Version, req.Data, time.Now().UTC())
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	}
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "version conflict: record changed on the server")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *entityHandler) remove(c echo.Context) error {
	t, err := entityParam(c)
	if err != nil {
		return err
	}
	h.records.remove(t, c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}
