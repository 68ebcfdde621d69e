package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/wirechat/server/internal/server"
)

const shutdownTimeout = 10 * time.Second

// echoProcessor is a stand-in for the external business-logic service so the
// binary runs without it. It answers every endpoint with a reflection of the
// request. Deployments inject their real processor here.
type echoProcessor struct{}

func (echoProcessor) Process(_ context.Context, endpoint string, args map[string]any, payload json.RawMessage, caller server.Caller) (*server.Result, error) {
	return &server.Result{
		Status: 200,
		Data: map[string]any{
			"endpoint": endpoint,
			"args":     args,
			"payload":  payload,
			"user_id":  caller.UserID,
		},
	}, nil
}

func main() {
	fmt.Println("Starting chat relay server...")

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	config := server.NewConfigFromEnv()
	server.SetConfig(config)

	redisClient := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		// The relay retries subscriptions on its own; a dead Redis at boot
		// is worth a loud note but not a refusal to start.
		log.Printf("Redis not reachable at %s yet: %v", config.RedisAddr, err)
	}

	registry := server.NewRegistry()
	presence := server.NewPresence(server.NewRedisCounterStore(redisClient))
	hub := server.NewHub(registry, presence)
	hub.SetDispatcher(server.NewDispatcher(registry, echoProcessor{}, hub))

	relay := server.NewEventRelay(server.NewRedisPubSub(redisClient), registry, hub)
	relayCtx, stopRelay := context.WithCancel(context.Background())
	relay.Run(relayCtx)

	sessions := server.NewRedisSessionStore(redisClient, config.SessionCookie)

	mux := server.SetupRoutes(hub, relay, sessions)
	httpServer := server.CreateServer(config.Port, mux)

	server.StartHub(hub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	case sig := <-stop:
		log.Printf("Received %s, shutting down...", sig)
	}

	stopRelay()
	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		log.Printf("HTTP shutdown incomplete: %v", err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		log.Printf("Hub shutdown incomplete: %v", err)
	}
	if err := redisClient.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}
}
