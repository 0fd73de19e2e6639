package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ndmitriev/metroshop-system/internal/model"
)

func testOrder() *model.Order {
	return &model.Order{
		Number: "MS2603011234",
		Items: []model.OrderItem{
			{ProductID: 1, Name: "boost", UnitPrice: 10000, Quantity: 2},
			{ProductID: 2, Name: "currency", UnitPrice: 2500, Quantity: 1},
		},
	}
}

func TestCountSale_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/sales" {
			t.Fatalf("path = %s, want /api/sales", r.URL.Path)
		}

		var events []SaleEvent
		if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("events = %d, want 2", len(events))
		}
		if events[0].OrderNumber != "MS2603011234" || events[0].ProductID != 1 || events[0].Quantity != 2 {
			t.Fatalf("unexpected first event: %+v", events[0])
		}
		if events[0].EventID == "" || events[0].EventID == events[1].EventID {
			t.Fatalf("event ids must be unique and non-empty: %+v", events)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.CountSale(ctx, testOrder()); err != nil {
		t.Fatalf("CountSale error: %v", err)
	}
}

func TestCountSale_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.CountSale(ctx, testOrder()); err != nil {
		t.Fatalf("CountSale error: %v", err)
	}
	if calls.Load() < 2 {
		t.Fatalf("calls = %d, want retry after 500", calls.Load())
	}
}

func TestCountSale_NotConfigured(t *testing.T) {
	client := NewClient("")
	if err := client.CountSale(context.Background(), testOrder()); err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
