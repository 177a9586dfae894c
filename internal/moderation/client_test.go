package moderation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientApproved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.CID != "QmX" || req.FileType != "image" {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Write([]byte(`{"success":true,"moderation":{"approved":true,"confidence":0.97}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	res, err := client.Moderate(context.Background(), Request{
		MemoryNote: "family dinner",
		FileName:   "dinner.jpg",
		FileType:   "image",
		CID:        "QmX",
	})
	if err != nil {
		t.Fatalf("moderate: %v", err)
	}
	if !res.Approved || res.Confidence != 0.97 {
		t.Fatalf("unexpected verdict: %+v", res)
	}
}

func TestClientRejectionIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"moderation":{"approved":false,"reason":"hate","violations":["hate"]}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	res, err := client.Moderate(context.Background(), Request{MemoryNote: "x"})
	if err != nil {
		t.Fatalf("a rejection verdict must not be an error: %v", err)
	}
	if res.Approved || res.Reason != "hate" {
		t.Fatalf("unexpected verdict: %+v", res)
	}
}

func TestClientGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if _, err := client.Moderate(context.Background(), Request{MemoryNote: "x"}); err == nil {
		t.Fatalf("expected error on HTTP 503")
	}
}
