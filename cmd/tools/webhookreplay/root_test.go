package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/gateway"
)

func TestReplayRepeatsAndSigns(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)

	var (
		mu    sync.Mutex
		paths []string
		sigs  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		if !bytes.Equal(got, body) {
			t.Errorf("unexpected body %s", got)
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		sigs = append(sigs, r.Header.Get("X-Hub-Signature-256"))
		mu.Unlock()
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	opts := &replayOptions{server: srv.URL + "/", provider: "cloud", times: 3, gap: 5 * time.Millisecond, secret: "app-secret"}
	if err := replay(context.Background(), srv.Client(), opts, body, &out); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(paths) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(paths))
	}
	want := "sha256=" + hex.EncodeToString(gateway.SignCloudPayload("app-secret", body))
	for i := range paths {
		if paths[i] != "/api/webhooks/cloud" || sigs[i] != want {
			t.Fatalf("delivery %d: path=%s sig=%s", i, paths[i], sigs[i])
		}
	}
	if strings.Count(out.String(), "\n") != 3 {
		t.Fatalf("output:\n%s", out.String())
	}
}

func TestReplayStopsOnRejection(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/api/webhooks/green/status" || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected request %s %q", r.URL.Path, r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	opts := &replayOptions{server: srv.URL, provider: "green", times: 2, token: "tok", status: true}
	if err := replay(context.Background(), srv.Client(), opts, []byte(`{}`), io.Discard); err == nil {
		t.Fatal("expected error on 401")
	}
	if calls != 1 {
		t.Fatalf("expected to stop after first rejection, got %d calls", calls)
	}
}
