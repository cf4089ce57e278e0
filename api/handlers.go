package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/maryammeda/tracker/domain"
	"github.com/maryammeda/tracker/storage"
)

const (
	maxBodySize       = 64 << 10
	idempotencyHeader = "Idempotency-Key"
	dedupeTimeout     = 250 * time.Millisecond
)

type errorResponse struct {
	Detail string `json:"detail"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status string             `json:"status"`
	Cache  storage.CacheStats `json:"cache"`
}

// Register wires up all API routes on the provided Echo instance. sched and
// dedup may be nil.
func Register(e *echo.Echo, svc Assignments, sched Scheduler, auth Authenticator, dedup Deduper, logger *log.Logger) {
	e.GET("/api/assignments", listAssignments(svc, auth, logger))
	e.POST("/api/assignments", createAssignment(svc, auth, dedup, logger))
	e.PATCH("/api/assignments/:id", updateAssignment(svc, auth, logger))
	e.DELETE("/api/assignments/:id", deleteAssignment(svc, auth, logger))
	if sched != nil {
		e.GET("/api/scheduler", schedulerStatus(sched, auth))
		e.POST("/api/scheduler/run", runScheduler(sched, auth))
	}
	e.GET("/healthz", healthz(svc))
}

func healthz(svc Assignments) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthResponse{Status: "ok", Cache: svc.Stats()})
	}
}

func detail(c echo.Context, status int, msg string) error {
	return c.JSON(status, errorResponse{Detail: msg})
}

// writeError maps service errors onto HTTP responses.
func writeError(c echo.Context, logger *log.Logger, err error) error {
	var vErr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return detail(c, http.StatusNotFound, "Assignment not found")
	case errors.Is(err, domain.ErrNotOwner):
		return detail(c, http.StatusBadRequest, "Not enough permissions")
	case errors.As(err, &vErr):
		return detail(c, http.StatusBadRequest, vErr.Error())
	default:
		logger.WithError(err).WithFields(log.Fields{
			"method": c.Request().Method,
			"path":   c.Path(),
		}).Error("request failed")
		return detail(c, http.StatusInternalServerError, "internal server error")
	}
}

var errTrailingData = errors.New("unexpected data after JSON body")

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}

func queryInt(c echo.Context, name string) (int, bool) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func ownerID(c echo.Context, auth Authenticator) (string, error) {
	return auth.OwnerIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
}

func listAssignments(svc Assignments, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newListRequestMetrics(c.Request().Context(), logger)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		owner, authErr := ownerID(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			return detail(c, http.StatusUnauthorized, authErr.Error())
		}

		skip, ok := queryInt(c, "skip")
		if !ok {
			metrics.SetErrorStage("invalid_skip")
			return detail(c, http.StatusBadRequest, "invalid skip")
		}
		limit, ok := queryInt(c, "limit")
		if !ok {
			metrics.SetErrorStage("invalid_limit")
			return detail(c, http.StatusBadRequest, "invalid limit")
		}
		metrics.SetPage(skip, limit)

		fetchStart := time.Now()
		page, fetchErr := svc.ListAssignments(ctx, owner, skip, limit)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			return writeError(c, logger, fetchErr)
		}
		metrics.SetResult(len(page.Data), page.Count)

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, page)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func createAssignment(svc Assignments, auth Authenticator, dedup Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		owner, err := ownerID(c, auth)
		if err != nil {
			return detail(c, http.StatusUnauthorized, err.Error())
		}

		var in domain.AssignmentCreate
		if err := decodeBody(c, &in); err != nil {
			return detail(c, http.StatusBadRequest, "invalid body")
		}
		if err := in.Validate(); err != nil {
			return writeError(c, logger, err)
		}

		key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
		recorded := false
		if key != "" && dedup != nil {
			dctx, cancel := context.WithTimeout(ctx, dedupeTimeout)
			added, dErr := dedup.Add(dctx, owner, key)
			cancel()
			switch {
			case dErr != nil:
				logger.WithError(dErr).WithField("owner_id", owner).Warn("idempotency check skipped")
			case !added:
				return detail(c, http.StatusConflict, "duplicate request")
			default:
				recorded = true
			}
		}

		a, err := svc.CreateAssignment(ctx, owner, in)
		if err != nil {
			if recorded {
				if rErr := dedup.Remove(context.WithoutCancel(ctx), owner, key); rErr != nil {
					logger.WithError(rErr).Warn("failed to release idempotency key")
				}
			}
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, a)
	}
}

func updateAssignment(svc Assignments, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner, err := ownerID(c, auth)
		if err != nil {
			return detail(c, http.StatusUnauthorized, err.Error())
		}

		var upd domain.AssignmentUpdate
		if err := decodeBody(c, &upd); err != nil {
			return detail(c, http.StatusBadRequest, "invalid body")
		}
		if err := upd.Validate(); err != nil {
			return writeError(c, logger, err)
		}

		a, err := svc.UpdateAssignment(c.Request().Context(), owner, c.Param("id"), upd)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, a)
	}
}

func deleteAssignment(svc Assignments, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner, err := ownerID(c, auth)
		if err != nil {
			return detail(c, http.StatusUnauthorized, err.Error())
		}
		if err := svc.DeleteAssignment(c.Request().Context(), owner, c.Param("id")); err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Assignment deleted successfully"})
	}
}

func schedulerStatus(sched Scheduler, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := ownerID(c, auth); err != nil {
			return detail(c, http.StatusUnauthorized, err.Error())
		}
		return c.JSON(http.StatusOK, sched.Status())
	}
}

func runScheduler(sched Scheduler, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := ownerID(c, auth); err != nil {
			return detail(c, http.StatusUnauthorized, err.Error())
		}
		return c.JSON(http.StatusOK, sched.RunNow(c.Request().Context()))
	}
}
