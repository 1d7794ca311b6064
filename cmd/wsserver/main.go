package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/whisper/relay/internal/archive"
	"github.com/whisper/relay/internal/gateway"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.Heartbeat.Timeout = d
		}
	}

	engineConfig := relay.DefaultConfig()
	if v := os.Getenv("EPHEMERAL_RETENTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			engineConfig.EphemeralRetention = b
		}
	}

	var msgLimit int
	var msgWindow time.Duration
	if v := os.Getenv("RATE_LIMIT_MESSAGES"); v != "" {
		msgLimit, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		msgWindow, _ = time.ParseDuration(v)
	}
	msgRule := ratelimit.MessageRule(msgLimit, msgWindow)

	filter, err := moderation.ParseRules(os.Getenv("CONTENT_FILTER"))
	if err != nil {
		log.Fatalf("invalid CONTENT_FILTER: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	mirror, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(mirror.Client())

	// Sessions left behind by a previous run of this server are dead.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if n, err := mirror.SweepServer(ctx); err != nil {
		log.Printf("sweep stale sessions: %v", err)
	} else if n > 0 {
		log.Printf("swept %d stale sessions", n)
	}
	if engineConfig.EphemeralRetention {
		if err := mirror.Purge(ctx); err != nil {
			log.Printf("purge identity mirror: %v", err)
		}
	} else if names, err := mirror.KnownNames(ctx); err != nil {
		log.Printf("read identity mirror: %v", err)
	} else {
		log.Printf("identity mirror holds %d names from earlier runs", len(names))
	}
	cancel()

	// --- Message log ---
	// ARCHIVE_DRIVER=memory keeps recent messages in process, postgres or
	// sqlite write straight to a database; otherwise messages are published
	// to NATS for cmd/archiver.
	var (
		persist    relay.Persistence
		history    archive.Reader
		natsClient *messaging.NATSClient
		store      *archive.Store
	)
	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "relay-" + serverName

	archiveDriver := os.Getenv("ARCHIVE_DRIVER")
	switch archiveDriver {
	case "memory":
		mem := archive.NewMemory(archive.RecentLimit)
		persist, history = mem, mem
	case "":
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		persist = archive.NewPublisher(natsClient)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err = archive.Open(ctx, archiveDriver, os.Getenv("DATABASE_URL"))
		cancel()
		if err != nil {
			log.Fatalf("failed to open archive: %v", err)
		}
		persist, history = store, store
	}

	log.Printf("Relay server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  ephemeral:       %v", engineConfig.EphemeralRetention)
	log.Printf("  rate_limit:      %d per %s", msgRule.Limit, msgRule.Window)
	log.Printf("  content_filter:  %v", filter.Rules())
	if natsClient != nil {
		log.Printf("  nats_url:        %s", natsConfig.URL)
	} else {
		log.Printf("  archive:         %s (in process)", archiveDriver)
	}

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(config, dispatcher.Dispatch)

	engine := relay.NewEngine(engineConfig, gateway.NewTransport(server), persist, mirror)
	gw := gateway.New(engine, server, limiter, msgRule)
	gw.SetFilter(filter)
	gw.Register(dispatcher)

	server.SetOnConnect(engine.OnConnect)
	server.SetOnDisconnect(engine.OnDisconnect)
	server.SetAdmit(func(r *http.Request) bool {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		allowed, _ := limiter.Allow(ctx, host, ratelimit.RuleConnect)
		if !allowed {
			metrics.RateLimitedTotal.Inc()
			log.Printf("connect rate limit hit for %s", host)
		}
		return allowed
	})

	users := gateway.UsersHandler(engine)
	server.Handle("/users", users)
	server.Handle("/users/", users)
	server.Handle("/metrics", metrics.Handler())
	mirrorHandler := session.Handler(mirror)
	server.Handle(session.MirrorPath, mirrorHandler)
	server.Handle(session.MirrorPath+"/", mirrorHandler)
	if history != nil {
		server.Handle("/messages", archive.MessagesHandler(history))
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		// Shutdown disconnected everyone; let the purge and log writes land.
		engine.Close()
		if natsClient != nil {
			natsClient.Close()
		}
		if store != nil {
			store.Close()
		}
		if err := mirror.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
