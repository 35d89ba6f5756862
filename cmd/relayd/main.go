package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/grandcat/zeroconf"
	"github.com/redis/go-redis/v9"

	"github.com/jonathanhooker/rivesync/channel"
	"github.com/jonathanhooker/rivesync/relay"
)

func main() {
	addr := os.Getenv("RELAY_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	// Redis is optional: without it the relay runs single-instance.
	var bridge *relay.Bridge
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := rdb.Ping(context.Background()).Result(); err != nil {
			log.Fatalf("Could not connect to Redis: %v", err)
		}
		log.Println("Connected to Redis successfully.")
		bridge = relay.NewBridge(rdb)
	}

	srv := relay.NewServer(bridge)
	handler := logRequests(srv.Handler())

	// Advertise over mDNS so rivectl can find us without config.
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		log.Fatalf("Invalid RELAY_ADDR %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("Invalid RELAY_ADDR port %q: %v", portStr, err)
	}
	host, _ := os.Hostname()
	mdns, err := zeroconf.Register("rivesync-"+host, channel.ServiceType, "local.", port, []string{"txtv=0"}, nil)
	if err != nil {
		log.Printf("mDNS registration failed (discovery disabled): %v", err)
	} else {
		defer mdns.Shutdown()
		log.Printf("mDNS service registered: %s on port %d", channel.ServiceType, port)
	}

	httpServer := &http.Server{Addr: addr, Handler: handler}
	go func() {
		log.Printf("rivesync relay listening on %s...", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	log.Printf("Signal caught: %v, shutting down", sig)

	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		log.Printf("handled %s %s status=%d duration=%s", r.Method, r.URL, m.Code, m.Duration)
	})
}
