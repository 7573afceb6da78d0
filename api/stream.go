package api

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"shopfloor-api/domain"
	"shopfloor-api/idp"
	"shopfloor-api/session"
)

const defaultSnapshotInterval = 5 * time.Second

func authChangeChannel(userID string) string {
	return "auth:changed:" + userID
}

// RedisNotifier publishes profile changes so open streams for the
// affected user re-resolve their identity. The cached profile row is
// evicted first so re-resolution reads the updated row instead of the
// one cached before the change.
type RedisNotifier struct {
	Client   *redis.Client
	Profiles ProfileEvictor
	Logger   *log.Logger
}

func (n *RedisNotifier) AuthChanged(ctx context.Context, userID string) {
	if n == nil || userID == "" {
		return
	}
	if n.Profiles != nil {
		n.Profiles.EvictProfile(ctx, userID)
	}
	if n.Client == nil {
		return
	}
	if err := n.Client.Publish(ctx, authChangeChannel(userID), "changed").Err(); err != nil && n.Logger != nil {
		n.Logger.Warnf("auth change publish failed, user: %s, err: %v", userID, err)
	}
}

// SessionStreams serves the SSE endpoint. Each connection gets its own
// session manager bound to the caller's bearer token; the stream pushes
// an identity event first, then board snapshots, and re-resolves the
// identity when an auth change is published for the user.
type SessionStreams struct {
	IdP              *idp.Client
	Store            Storage
	Profiles         session.ProfileStore
	Redis            *redis.Client
	Logger           *log.Logger
	ResolveTimeout   time.Duration
	SnapshotInterval time.Duration
}

func (s *SessionStreams) Handler(auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		if header == "" {
			if token := c.QueryParam("token"); token != "" {
				header = "Bearer " + token
			}
		}
		claims, err := auth.ClaimsFromAuthHeader(header)
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}
		rawToken, err := bearerTokenFromString(header)
		if err != nil {
			return jsonError(c, http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		ctx := c.Request().Context()
		provider := s.IdP.ForSession(string(rawToken))
		mgr := session.NewManager(provider, s.Profiles, session.Config{ResolveTimeout: s.ResolveTimeout}, s.Logger)

		updates, unsubscribe := mgr.Subscribe()
		defer unsubscribe()

		mgr.ResolveInitialSession(ctx)
		if err := writeEvent(c, flusher, "identity", mgr.Snapshot()); err != nil {
			return nil
		}

		department := s.departmentFor(ctx, claims.UserID)
		writeTasks := func() error {
			tasks, _, err := s.Store.FetchTasks(ctx, department, "", 0)
			if err != nil {
				if s.Logger != nil {
					s.Logger.WithError(err).Warn("stream board snapshot failed")
				}
				return nil
			}
			return writeEvent(c, flusher, "tasks", tasks)
		}
		if err := writeTasks(); err != nil {
			return nil
		}

		var authChanges <-chan *redis.Message
		if s.Redis != nil {
			pubsub := s.Redis.Subscribe(ctx, authChangeChannel(claims.UserID))
			defer func() { _ = pubsub.Close() }()
			authChanges = pubsub.Channel()
		}

		interval := s.SnapshotInterval
		if interval <= 0 {
			interval = defaultSnapshotInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := writeTasks(); err != nil {
					return nil
				}
			case snap, open := <-updates:
				if !open {
					return nil
				}
				if err := writeEvent(c, flusher, "identity", snap); err != nil {
					return nil
				}
			case _, open := <-authChanges:
				if !open {
					return nil
				}
				s.reresolve(ctx, mgr, provider)
			}
		}
	}
}

// reresolve reruns the resolution after an external auth change. The
// resulting snapshot reaches the client through the subscription.
func (s *SessionStreams) reresolve(ctx context.Context, mgr *session.Manager, provider session.Provider) {
	sess, err := provider.CurrentSession(ctx)
	if err != nil {
		if s.Logger != nil {
			s.Logger.WithError(err).Warn("auth change re-resolution failed")
		}
		return
	}
	event := session.EventTokenRefreshed
	if sess == nil {
		event = session.EventSignedOut
	}
	mgr.OnExternalAuthChange(ctx, event, sess)
}

func (s *SessionStreams) departmentFor(ctx context.Context, userID string) string {
	if s.Profiles == nil {
		return domain.DefaultDepartment
	}
	profile, err := s.Profiles.ProfileByID(ctx, userID)
	if err != nil || profile.Department == "" {
		return domain.DefaultDepartment
	}
	return profile.Department
}

func writeEvent(c echo.Context, flusher http.Flusher, event string, payload any) error {
	data, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("event: " + event + "\ndata: ")); err != nil {
		return err
	}
	if _, err := c.Response().Write(data); err != nil {
		return err
	}
	if _, err := c.Response().Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
