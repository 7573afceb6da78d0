package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"shopfloor-api/domain"
	"shopfloor-api/storage"
)

type tasksResponse struct {
	Tasks         []domain.Task `json:"tasks"`
	NextPageToken string        `json:"nextPageToken,omitempty"`
}

func getTasks(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newTaskRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		_, authErr := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = jsonError(c, http.StatusUnauthorized, authErr.Error())
			return err
		}

		department := strings.TrimSpace(c.QueryParam("department"))
		if department == "" {
			department = domain.DefaultDepartment
		}
		pageToken := c.QueryParam("pageToken")
		metrics.SetPageTokenProvided(pageToken != "")

		pageSizeParam := strings.TrimSpace(c.QueryParam("pageSize"))
		pageSize := 0
		if pageSizeParam != "" {
			var parseErr error
			pageSize, parseErr = strconv.Atoi(pageSizeParam)
			if parseErr != nil || pageSize <= 0 {
				metrics.SetErrorStage("invalid_page_size")
				err = jsonError(c, http.StatusBadRequest, "invalid page size")
				return err
			}
		}

		fetchStart := time.Now()
		tasks, nextToken, fetchErr := store.FetchTasks(ctx, department, pageToken, pageSize)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			var invalidTokenErr InvalidContinuationTokenError
			if errors.As(fetchErr, &invalidTokenErr) {
				metrics.SetErrorStage("invalid_page_token")
				err = jsonError(c, http.StatusBadRequest, "invalid page token")
				return err
			}
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = jsonError(c, http.StatusInternalServerError, fetchErr.Error())
			return err
		}
		metrics.SetTasksReturned(len(tasks))
		resp := tasksResponse{Tasks: tasks}
		if nextToken != "" {
			metrics.SetHasNextPage(true)
			resp.NextPageToken = nextToken
		}
		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, resp)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}

		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return jsonError(c, http.StatusBadRequest, "invalid body")
		}

		record := map[string]any{"title": req.Title}
		if missing := domain.CheckRequiredFields(record, []string{"title"}); len(missing) > 0 {
			return jsonError(c, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
		}

		task := domain.BuildCanonicalTask(domain.TaskInput{
			Title:         req.Title,
			Description:   req.Description,
			Status:        req.Status,
			Priority:      req.Priority,
			StartDate:     optionalInput(req.StartDate),
			DueDate:       optionalInput(req.DueDate),
			Department:    req.Department,
			CreatedBy:     claims.UserID,
			DocumentLinks: req.DocumentLinks,
		})
		task.ID = uuid.NewString()

		if err := store.InsertTask(c.Request().Context(), task); err != nil {
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusCreated, task)
	}
}

// optionalInput maps a blank form value to an absent one.
func optionalInput(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// patchableTaskColumns maps request keys onto stored columns. Department
// is the partition key and cannot be patched in place.
var patchableTaskColumns = map[string]string{
	"title":         "Title",
	"description":   "Description",
	"status":        "Status",
	"priority":      "Priority",
	"startDate":     "StartDate",
	"dueDate":       "DueDate",
	"documentLinks": "DocumentLinks",
}

func patchTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}
		id := c.Param("id")

		var body map[string]any
		if err := decodeBody(c, &body); err != nil {
			return jsonError(c, http.StatusBadRequest, "invalid body")
		}

		fields := make(map[string]any, len(patchableTaskColumns))
		for reqKey, column := range patchableTaskColumns {
			value, present := body[reqKey]
			if !present {
				fields[column] = domain.Undefined
				continue
			}
			fields[column] = normalizePatchValue(reqKey, value)
		}
		fields = domain.DropUndefinedFields(fields)
		if len(fields) == 0 {
			return jsonError(c, http.StatusBadRequest, "no patchable fields")
		}
		if title, ok := fields["Title"]; ok {
			trimmed, _ := title.(string)
			if strings.TrimSpace(trimmed) == "" {
				return jsonError(c, http.StatusBadRequest, "title cannot be cleared")
			}
			fields["Title"] = strings.TrimSpace(trimmed)
		}

		task, err := store.UpdateTask(c.Request().Context(), id, fields)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return jsonError(c, http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, task)
	}
}

// normalizePatchValue reduces a present request value to its stored
// form. A JSON null clears the column.
func normalizePatchValue(key string, value any) any {
	if value == nil {
		return nil
	}
	switch key {
	case "status":
		s, _ := value.(string)
		return string(domain.MapStatusToCanonical(s))
	case "priority":
		s, _ := value.(string)
		return string(domain.MapPriorityToCanonical(s))
	case "startDate", "dueDate":
		day := domain.NormalizeDateToCalendarDay(value)
		if day == nil {
			return nil
		}
		return *day
	case "description":
		s, _ := value.(string)
		text := domain.SanitizeOptionalText(s)
		if text == nil {
			return nil
		}
		return *text
	case "documentLinks":
		items, ok := value.([]any)
		if !ok {
			return nil
		}
		links := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				links = append(links, s)
			}
		}
		return storage.EncodeDocumentLinks(links)
	default:
		return value
	}
}

func deleteTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}
		if err := store.DeleteTask(c.Request().Context(), c.Param("id")); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return jsonError(c, http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getSubtasks(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}
		subtasks, err := store.Subtasks(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, subtasks)
	}
}

func postSubtask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}
		var req subtaskRequest
		if err := decodeBody(c, &req); err != nil {
			return jsonError(c, http.StatusBadRequest, "invalid body")
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			return jsonError(c, http.StatusBadRequest, "missing required fields: title")
		}
		st := domain.Subtask{
			ID:     uuid.NewString(),
			TaskID: c.Param("id"),
			Title:  title,
		}
		if req.Done != nil {
			st.Done = *req.Done
		}
		if err := store.InsertSubtask(c.Request().Context(), st); err != nil {
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusCreated, st)
	}
}

func patchSubtask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}
		var body map[string]any
		if err := decodeBody(c, &body); err != nil {
			return jsonError(c, http.StatusBadRequest, "invalid body")
		}

		fields := map[string]any{"Title": domain.Undefined, "Done": domain.Undefined}
		if v, ok := body["title"]; ok {
			title, _ := v.(string)
			if strings.TrimSpace(title) == "" {
				return jsonError(c, http.StatusBadRequest, "title cannot be cleared")
			}
			fields["Title"] = strings.TrimSpace(title)
		}
		if v, ok := body["done"]; ok {
			done, isBool := v.(bool)
			if !isBool {
				return jsonError(c, http.StatusBadRequest, "done must be a boolean")
			}
			fields["Done"] = done
		}
		fields = domain.DropUndefinedFields(fields)
		if len(fields) == 0 {
			return jsonError(c, http.StatusBadRequest, "no patchable fields")
		}

		if err := store.UpdateSubtask(c.Request().Context(), c.Param("id"), fields); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return jsonError(c, http.StatusNotFound, "subtask not found")
			}
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getComments(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}
		comments, err := store.Comments(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, comments)
	}
}

func postComment(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := auth.ClaimsFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}
		var req commentRequest
		if err := decodeBody(c, &req); err != nil {
			return jsonError(c, http.StatusBadRequest, "invalid body")
		}
		body := strings.TrimSpace(req.Body)
		if body == "" {
			return jsonError(c, http.StatusBadRequest, "missing required fields: body")
		}
		comment := domain.Comment{
			ID:        uuid.NewString(),
			TaskID:    c.Param("id"),
			AuthorID:  claims.UserID,
			Body:      body,
			CreatedAt: nextTimestamp(),
		}
		if err := store.InsertComment(c.Request().Context(), comment); err != nil {
			c.Logger().Error(err)
			return jsonError(c, http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusCreated, comment)
	}
}
