package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"stemflow/internal/services"
)

func TestClientDecodesErrorsIntoMarkers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "task xyz not found", Kind: "not_found"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).CancelTask(context.Background(), "xyz")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected *Error with 404, got %v", err)
	}
	if IsUnavailable(err) {
		t.Fatal("a daemon reply is not unavailability")
	}
}

func TestClientSendsRequestBodies(t *testing.T) {
	var got ReconstructRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/reconstruct" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(TaskResponse{Task: TaskView{ID: "t1", State: "waiting"}})
	}))
	defer srv.Close()

	view, err := NewClient(srv.URL).Reconstruct(context.Background(), ReconstructRequest{
		Store: "scan", Kind: "virtual-image", Inputs: []string{"/scan"}, OuterRadius: 10,
	})
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if view.ID != "t1" || got.Kind != "virtual-image" || got.OuterRadius != 10 {
		t.Fatalf("unexpected round trip: view=%+v request=%+v", view, got)
	}
}

func TestIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	_, err := NewClient(addr).Status(context.Background())
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
