package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"collabcanvas/breaker"
	"collabcanvas/dedup"
	"collabcanvas/handlers/api/mutations"
	"collabcanvas/handlers/auth"
	"collabcanvas/handlers/websocket"
	"collabcanvas/limiter"
	"collabcanvas/pipeline"
	"collabcanvas/presence"
	"collabcanvas/stores"
)

func setupRouter(fallback *mutations.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)

	corsOptions := cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			if origin == "" {
				return false
			}

			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}

			switch parsed.Scheme {
			case "http", "https":
				switch parsed.Hostname() {
				case "localhost", "127.0.0.1", "[::1]":
					return true
				}
			}

			if allowed := os.Getenv("ALLOWED_ORIGIN"); allowed != "" {
				return origin == allowed
			}
			return false
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-Mutation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	r.Route("/api/v1", fallback.Routes)

	return r
}

// buildCollaborators selects redis-backed rate limiting, presence and dedup
// when REDIS_ADDR is set, in-process implementations otherwise.
func buildCollaborators() (limiter.Limiter, presence.Tracker, dedup.Registry) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		logrus.Info("Using in-process rate limiting, presence and dedup")
		return limiter.NewMemoryLimiter(limiter.DefaultBudgets()),
			presence.NewMemoryTracker(presence.DefaultTTL),
			dedup.NewMemoryRegistry(dedup.DefaultTTL)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	logrus.WithField("addr", redisAddr).Info("Using redis-backed rate limiting, presence and dedup")
	return limiter.NewRedisLimiter(client, limiter.DefaultBudgets()),
		presence.NewRedisTracker(client, presence.DefaultTTL),
		dedup.NewRedisRegistry(client, dedup.DefaultTTL)
}

func waitForShutdown(ioo *socketio.Server) {
	exit := make(chan struct{})
	signalC := make(chan os.Signal, 1)

	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range signalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
	logrus.Info("Shutting down")
	ioo.Close(nil)
	os.Exit(0)
}

func main() {
	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", ":3002", "Set the server listen address")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, relying on environment")
	}

	auth.InitAuth()

	objectStore := stores.GetStore()
	lim, tracker, registry := buildCollaborators()

	breakers := breaker.NewRegistry()
	breakers.RegisterDefaults()

	pipe := pipeline.New(objectStore, breakers, lim, tracker, registry)

	wsHandler := websocket.NewHandler(pipe)
	ioo := wsHandler.Setup()

	fallback := mutations.NewHandler(pipe, wsHandler, wsHandler)
	r := setupRouter(fallback)
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithField("addr", *listenAddr).Info("starting server")
	go func() {
		if err := server.ListenAndServe(); err != nil {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	waitForShutdown(ioo)
}
