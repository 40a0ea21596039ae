package notifications_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"shotline/internal/notifications"
	"shotline/internal/testsupport"
)

func TestNoopWhenUnconfigured(t *testing.T) {
	service := notifications.NewService(testsupport.NewConfig(t))
	if err := service.NotifyRunStarted(context.Background(), "Alpha", 3); err != nil {
		t.Fatalf("noop service returned error: %v", err)
	}
}

func TestNtfyDelivery(t *testing.T) {
	var gotTitle, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody = string(body)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithNtfyTopic(server.URL))
	service := notifications.NewService(cfg)
	if err := service.NotifyRunFailed(context.Background(), "Alpha", nil); err != nil {
		t.Fatalf("NotifyRunFailed: %v", err)
	}
	if gotTitle != "Shotline - Run Failed" {
		t.Fatalf("title = %q", gotTitle)
	}
	if gotBody != "Run failed for Alpha" {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestNtfyServerErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t, testsupport.WithNtfyTopic(server.URL))
	if err := notifications.NewService(cfg).TestNotification(context.Background()); err == nil {
		t.Fatal("expected error from ntfy failure status")
	}
}
