package api

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

// Config carries the collaborators handlers need.
type Config struct {
	Store    Storage
	Auth     Authenticator
	Deduper  Deduper
	Approver Approver
	Streams  *SessionStreams
	Notifier Notifier
	Logger   *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, cfg Config) {
	e.POST("/api/create-user-profile", createUserProfile(cfg.Store, cfg.Auth, cfg.Notifier))
	e.POST("/api/users/invite", inviteUser(cfg.Store, cfg.Auth, cfg.Logger))
	e.POST("/api/approve-user", approveUser(cfg.Store, cfg.Auth, cfg.Approver, cfg.Notifier))

	e.GET("/api/tasks", getTasks(cfg.Store, cfg.Auth, cfg.Logger))
	e.POST("/api/tasks", postTask(cfg.Store, cfg.Auth))
	e.PATCH("/api/tasks/:id", patchTask(cfg.Store, cfg.Auth))
	e.DELETE("/api/tasks/:id", deleteTask(cfg.Store, cfg.Auth))

	e.GET("/api/tasks/:id/subtasks", getSubtasks(cfg.Store, cfg.Auth))
	e.POST("/api/tasks/:id/subtasks", postSubtask(cfg.Store, cfg.Auth))
	e.PATCH("/api/subtasks/:id", patchSubtask(cfg.Store, cfg.Auth))

	e.GET("/api/tasks/:id/comments", getComments(cfg.Store, cfg.Auth))
	e.POST("/api/tasks/:id/comments", postComment(cfg.Store, cfg.Auth))

	if cfg.Streams != nil {
		e.GET("/api/session/stream", cfg.Streams.Handler(cfg.Auth))
	}
	e.GET("/healthz", healthz(cfg.Store))

	initMailer(cfg.Store, cfg.Deduper, cfg.Logger)
}

func healthz(_ Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	return dec.Decode(out)
}

func jsonError(c echo.Context, status int, msg string) error {
	return c.JSON(status, errorResponse{Error: msg})
}
