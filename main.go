package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard-api/api"
	"taskboard-api/broadcast"
	"taskboard-api/domain"
	"taskboard-api/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTableName := os.Getenv("TASKS_TABLE")
	logsTableName := os.Getenv("LOGS_TABLE")
	usersTableName := os.Getenv("USERS_TABLE")
	if connStr == "" || tasksTableName == "" || logsTableName == "" || usersTableName == "" {
		log.Fatal("missing storage config")
	}
	eventsQueueName := os.Getenv("EVENTS_QUEUE")
	store, err := storage.New(connStr, tasksTableName, logsTableName, usersTableName, eventsQueueName)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	var rc *redis.Client
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc = redis.NewClient(parseRedisOptions(redisConn))
	}

	var st domain.Store = store
	if rc != nil {
		cacheTTL := 5 * time.Minute
		if v := os.Getenv("CACHE_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				log.Fatalf("invalid CACHE_TTL: %v", err)
			}
			cacheTTL = d
		}
		st = storage.NewCache(store, rc, cacheTTL)
	}

	logger := log.New()

	broker := broadcast.NewBroker()
	var events domain.Broadcaster = broker
	if rc != nil {
		channel := os.Getenv("EVENTS_CHANNEL")
		if channel == "" {
			channel = "board-events"
		}
		relay := broadcast.NewRelay(broker, rc, channel, logger)
		go relay.Run(context.Background())
		events = relay
	}

	opts := []domain.Option{}
	if eventsQueueName != "" {
		opts = append(opts, domain.WithEventQueue(store))
	}
	board := domain.NewCoordinator(st, events, logger, opts...)

	var auth *api.Auth
	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			log.Fatal("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		auth = api.NewTestAuth([]byte(secret))
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		authDomain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || authDomain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, jwtAudience, "https://"+authDomain+"/")
	}

	e := echo.New()
	e.Use(api.GzipRequestMiddleware())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, board, broker, auth, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}

// parseRedisOptions accepts either a redis URL or the comma separated
// host,password=...,ssl=true form used by managed caches.
func parseRedisOptions(redisConn string) *redis.Options {
	redisOpts, err := redis.ParseURL(redisConn)
	if err == nil {
		return redisOpts
	}
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
	return redisOpts
}
