package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"clinic-paging/internal/calls"
	"clinic-paging/internal/httpapi"
	"clinic-paging/internal/reporting"
	"clinic-paging/internal/stream"

	"github.com/gin-gonic/gin"
)

func TestServerShutdown_ClosesPanelStreams(t *testing.T) {
	gin.SetMode(gin.TestMode)

	svc, err := calls.NewService(calls.NewMemoryRepo(), nopTTS{}, calls.ServiceConfig{Policy: calls.DefaultPolicy()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	streams := stream.NewRegistry(1)
	r := gin.New()
	registerRoutes(r, httpapi.Handlers{
		Calls:     svc,
		Reporting: reporting.NewService(svc),
		Streams:   streams,
		KeepAlive: time.Hour,
	}, routeOptions{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := newHTTPServer(ln.Addr().String(), r, streams, slog.New(slog.NewTextHandler(io.Discard, nil)))
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/audio/stream/1")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for i := 0; streams.Count(1) != 1; i++ {
		if i > 200 {
			t.Fatalf("stream never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("expected clean shutdown with an open stream, got %v", err)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}
	if n := streams.Count(1); n != 0 {
		t.Fatalf("expected no subscribers after shutdown, got %d", n)
	}
}
