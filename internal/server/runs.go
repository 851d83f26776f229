package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/dbadvisor/internal/optimizer"
	"github.com/mohammad-safakhou/dbadvisor/internal/store"
)

// RunRepo is the read side of the run store.
type RunRepo interface {
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	ListRounds(ctx context.Context, runID string) ([]optimizer.RoundRecord, error)
	LatestRound(ctx context.Context, runID string) (optimizer.RoundRecord, error)
}

// Trigger starts an optimization run in the background and returns its id.
type Trigger interface {
	Start(ctx context.Context, maxRounds int) (string, error)
}

// ErrRunInProgress is returned by a Trigger that refuses concurrent runs.
var ErrRunInProgress = errors.New("a run is already in progress")

// RunsHandler serves the run status API.
type RunsHandler struct {
	Repo    RunRepo
	Trigger Trigger
}

type startRunRequest struct {
	MaxRounds int `json:"max_rounds"`
}

type startRunResponse struct {
	RunID string `json:"run_id"`
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.POST("", h.start)
	g.GET("/:id/rounds", h.rounds)
	g.GET("/:id/plan", h.latestPlan)
}

func (h *RunsHandler) list(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	runs, err := h.Repo.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []store.Run{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *RunsHandler) rounds(c echo.Context) error {
	rounds, err := h.Repo.ListRounds(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(rounds) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, rounds)
}

func (h *RunsHandler) latestPlan(c echo.Context) error {
	rec, err := h.Repo.LatestRound(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run has no rounds")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec.Plan)
}

func (h *RunsHandler) start(c echo.Context) error {
	if h.Trigger == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run trigger not configured")
	}
	var req startRunRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.MaxRounds < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "max_rounds must not be negative")
	}
	runID, err := h.Trigger.Start(c.Request().Context(), req.MaxRounds)
	if errors.Is(err, ErrRunInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, startRunResponse{RunID: runID})
}
