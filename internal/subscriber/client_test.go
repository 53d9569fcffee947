package subscriber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/darkden-lab/quakewatch/internal/aggregator"
)

func TestClientDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quakes/cl-01" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cl-01","lat":-36.82,"lon":-73.05,"mag":6.1,"place_name":"Concepción","hora_utc":"2024-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{LookupURL: srv.URL + "/"})
	d, err := c.Detail(context.Background(), "cl-01")
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if d.ID != "cl-01" || d.Place != "Concepción" || d.Magnitude() != "6.1" {
		t.Errorf("unexpected detail: %+v", d)
	}

	if _, err := c.Detail(context.Background(), "missing"); !errors.Is(err, ErrLookupUnavailable) {
		t.Errorf("expected ErrLookupUnavailable for 404, got %v", err)
	}
}

func TestClientDetailServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{LookupURL: srv.URL})
	if _, err := c.Detail(context.Background(), "cl-01"); !errors.Is(err, ErrLookupUnavailable) {
		t.Errorf("expected ErrLookupUnavailable, got %v", err)
	}
}

func TestClientDetailTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(ClientConfig{LookupURL: srv.URL, LookupTimeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.Detail(context.Background(), "slow")
	if !errors.Is(err, ErrLookupUnavailable) {
		t.Errorf("expected ErrLookupUnavailable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("lookup did not honour its timeout")
	}
}

func TestClientReport(t *testing.T) {
	var got aggregator.Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/regions/report" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{AggregatorURL: srv.URL})
	err := c.Report(context.Background(), aggregator.Report{
		Region: "Punta Arenas",
		Status: aggregator.StatusIgnored,
		Quake:  []byte(`{"id":"cl-02"}`),
	})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got.Region != "Punta Arenas" || got.Status != aggregator.StatusIgnored || string(got.Quake) != `{"id":"cl-02"}` {
		t.Errorf("unexpected report received: %+v", got)
	}
}

func TestClientReportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{AggregatorURL: srv.URL})
	if err := c.Report(context.Background(), aggregator.Report{Region: "X", Status: "nope", Quake: []byte(`{}`)}); !errors.Is(err, ErrReportUnavailable) {
		t.Errorf("expected ErrReportUnavailable for 400, got %v", err)
	}

	unreachable := NewClient(ClientConfig{AggregatorURL: "http://127.0.0.1:1", ReportTimeout: 200 * time.Millisecond})
	if err := unreachable.Report(context.Background(), aggregator.Report{Region: "X", Status: aggregator.StatusIgnored, Quake: []byte(`{}`)}); !errors.Is(err, ErrReportUnavailable) {
		t.Errorf("expected ErrReportUnavailable for unreachable aggregator, got %v", err)
	}
}
