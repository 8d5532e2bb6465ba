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

	"taskboard-api/domain"
)

// Board is the mutation-coordination kernel as seen by the transport.
type Board interface {
	Create(ctx context.Context, req domain.CreateRequest) (domain.Task, error)
	Edit(ctx context.Context, taskID string, changes domain.TaskChanges, version *int64, actor string) (domain.Task, error)
	Delete(ctx context.Context, taskID, actor string) error
	SmartAssign(ctx context.Context, taskID, actor string) (domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	RecentLogs(ctx context.Context, limit int) ([]domain.AuditLogEntry, error)
	TaskLogs(ctx context.Context, taskID string) ([]domain.AuditLogEntry, error)
	UserTaskCounts(ctx context.Context) ([]domain.UserTaskCount, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, board Board, subs Subscriber, auth Authenticator, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(board, auth, logger))
	e.POST("/api/tasks", createTask(board, auth))
	e.PUT("/api/tasks/:id", editTask(board, auth, logger))
	e.DELETE("/api/tasks/:id", deleteTask(board, auth))
	e.POST("/api/tasks/smart-assign", smartAssign(board, auth))
	e.GET("/api/tasks/:id/logs", getTaskLogs(board, auth))
	e.GET("/api/logs", getRecentLogs(board, auth))
	e.GET("/api/users", getUsers(board, auth))
	e.GET("/api/users/task-counts", getUserTaskCounts(board, auth))
	e.GET("/api/stream", streamEvents(subs, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

type createRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Board       string `json:"board"`
	Priority    string `json:"priority"`
	Actor       string `json:"actor"`
	AssignedTo  string `json:"assignedTo"`
}

type editRequest struct {
	Changes domain.TaskChanges `json:"changes"`
	Version *int64             `json:"version"`
	Actor   string             `json:"actor"`
}

type actorRequest struct {
	Actor string `json:"actor"`
}

type smartAssignRequest struct {
	TaskID string `json:"taskId"`
	Actor  string `json:"actor"`
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, mutationBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeError maps kernel errors onto the HTTP surface. Conflicts carry the
// current server-side task and the caller's unapplied changes.
func writeError(c echo.Context, err error) error {
	var validationErr domain.ValidationError
	var notFoundErr domain.NotFoundError
	var conflictErr domain.ConflictError
	switch {
	case errors.As(err, &validationErr):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: validationErr.Reason})
	case errors.As(err, &notFoundErr):
		return c.JSON(http.StatusNotFound, errorResponse{Error: notFoundErr.Error()})
	case errors.As(err, &conflictErr):
		return c.JSON(http.StatusConflict, conflictResponse{
			Conflict:    true,
			Current:     conflictErr.Current,
			YourChanges: conflictErr.YourChanges,
		})
	case errors.Is(err, domain.ErrNoAssigneeAvailable):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return c.JSON(http.StatusConflict, errorResponse{Error: "task is being modified concurrently"})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func createTask(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req createRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		task, err := board.Create(c.Request().Context(), domain.CreateRequest{
			Title:       req.Title,
			Description: req.Description,
			Board:       req.Board,
			Priority:    req.Priority,
			Actor:       req.Actor,
			AssignedTo:  req.AssignedTo,
		})
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func editTask(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks/:id")
		ctx := spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}
		var req editRequest
		if err := decodeBody(c, &req); err != nil {
			metrics.SetErrorStage("decode_request")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		metrics.SetVersionProvided(req.Version != nil)

		storeStart := time.Now()
		task, editErr := board.Edit(ctx, c.Param("id"), req.Changes, req.Version, req.Actor)
		metrics.ObserveStore(time.Since(storeStart))
		if editErr != nil {
			var conflictErr domain.ConflictError
			if errors.As(editErr, &conflictErr) {
				metrics.SetConflict(true)
			} else {
				metrics.SetErrorStage("store")
			}
			err = writeError(c, editErr)
			return err
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, task)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func deleteTask(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req actorRequest
		if err := decodeBody(c, &req); err != nil && err != io.EOF {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if err := board.Delete(c.Request().Context(), c.Param("id"), req.Actor); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, deleteResponse{Success: true})
	}
}

func smartAssign(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		var req smartAssignRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if req.TaskID == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "taskId is required"})
		}
		task, err := board.SmartAssign(c.Request().Context(), req.TaskID, req.Actor)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, task)
	}
}

func getTasks(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks")
		ctx := spanCtx
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		storeStart := time.Now()
		tasks, listErr := board.ListTasks(ctx)
		metrics.ObserveStore(time.Since(storeStart))
		if listErr != nil {
			metrics.SetErrorStage("store")
			c.Logger().Error(listErr)
			err = c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to fetch tasks"})
			return err
		}
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasks)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func getRecentLogs(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		limit := 0
		if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			}
			limit = parsed
		}
		logs, err := board.RecentLogs(c.Request().Context(), limit)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to fetch logs"})
		}
		return c.JSON(http.StatusOK, logs)
	}
}

func getTaskLogs(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		logs, err := board.TaskLogs(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to fetch task logs"})
		}
		return c.JSON(http.StatusOK, logs)
	}
}

func getUsers(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		users, err := board.ListUsers(c.Request().Context())
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to fetch users"})
		}
		return c.JSON(http.StatusOK, users)
	}
}

func getUserTaskCounts(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization)); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		counts, err := board.UserTaskCounts(c.Request().Context())
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to fetch user task counts"})
		}
		return c.JSON(http.StatusOK, counts)
	}
}
