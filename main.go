package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"shopfloor-api/api"
	"shopfloor-api/idp"
	"shopfloor-api/storage"
)

func main() {
	_ = godotenv.Load()

	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing storage config")
	}
	cfg := storage.Config{
		ProfilesTable: os.Getenv("PROFILES_TABLE"),
		TasksTable:    os.Getenv("TASKS_TABLE"),
		SubtasksTable: os.Getenv("SUBTASKS_TABLE"),
		CommentsTable: os.Getenv("COMMENTS_TABLE"),
		EmailQueue:    os.Getenv("EMAIL_QUEUE"),
	}
	if cfg.ProfilesTable == "" || cfg.TasksTable == "" || cfg.SubtasksTable == "" || cfg.CommentsTable == "" || cfg.EmailQueue == "" {
		log.Fatal("missing storage config")
	}
	if v := os.Getenv("TASKS_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("invalid TASKS_PAGE_SIZE: %v", v)
		}
		cfg.TaskPageSize = n
	}
	store, err := storage.New(connStr, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	redisOpts, err := redis.ParseURL(redisConn)
	if err != nil {
		parts := strings.Split(redisConn, ",")
		redisOpts = &redis.Options{Addr: parts[0]}
		for _, p := range parts[1:] {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			switch strings.ToLower(kv[0]) {
			case "password":
				redisOpts.Password = kv[1]
			case "ssl":
				if strings.ToLower(kv[1]) == "true" {
					redisOpts.TLSConfig = &tls.Config{}
				}
			}
		}
	}
	rc := redis.NewClient(redisOpts)

	cacheTTL := 5 * time.Minute
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid CACHE_TTL: %v", v)
		}
		cacheTTL = d
	}
	cached := storage.NewCache(store, rc, cacheTTL)

	dedupeTTL := 24 * time.Hour
	if v := os.Getenv("DEDUPER_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid DEDUPER_TTL: %v", v)
		}
		dedupeTTL = d
	}
	deduper := api.NewRedisDeduper(rc, dedupeTTL)

	auth := buildAuth()

	idpBaseURL := os.Getenv("IDENTITY_BASE_URL")
	idpAnonKey := os.Getenv("IDENTITY_ANON_KEY")
	if idpBaseURL == "" || idpAnonKey == "" {
		log.Fatal("missing identity provider config")
	}
	identity := idp.New(idpBaseURL, idpAnonKey)

	approver := api.NewFunctionApprover(os.Getenv("APPROVE_FUNCTION_URL"), os.Getenv("APPROVE_FUNCTION_KEY"))

	logger := log.New()

	resolveTimeout := 10 * time.Second
	if v := os.Getenv("SESSION_RESOLVE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid SESSION_RESOLVE_TIMEOUT: %v", v)
		}
		resolveTimeout = d
	}
	streams := &api.SessionStreams{
		IdP:            identity,
		Store:          cached,
		Profiles:       cached,
		Redis:          rc,
		Logger:         logger,
		ResolveTimeout: resolveTimeout,
	}
	notifier := &api.RedisNotifier{Client: rc, Profiles: cached, Logger: logger}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(api.GzipRequestMiddleware())
	e.Use(echoprometheus.NewMiddleware("shopfloor"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, api.Config{
		Store:    cached,
		Auth:     auth,
		Deduper:  deduper,
		Approver: approver,
		Streams:  streams,
		Notifier: notifier,
		Logger:   logger,
	})

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

func buildAuth() *api.Auth {
	if os.Getenv("AUTH_TEST_MODE") == "1" || os.Getenv("LOCAL_AUTH_MODE") != "" {
		return api.NewAuth(nil, "", "")
	}
	audience := os.Getenv("AUTH_AUDIENCE")
	domain := os.Getenv("AUTH_DOMAIN")
	if domain == "" {
		log.Fatal("missing auth config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(jwks, audience, "https://"+domain+"/")
}
