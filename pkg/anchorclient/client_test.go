package anchorclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitiateBookTransfer_SendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAPIKey string
	var gotBody BookTransferRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAPIKey = r.Header.Get("x-anchor-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"trf_1","type":"BookTransfer","attributes":{"status":"PENDING","reference":"mp-M1-1"}}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret")
	resp, err := client.InitiateBookTransfer(context.Background(), TransferParams{
		SourceAccountID:      "src-anc_acc",
		DestinationAccountID: "dst-anc_acc",
		Amount:               5000,
		Currency:             "NGN",
		Reason:               "milestone M1",
		IdempotencyKey:       "mp-M1-1",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if resp.Data.ID != "trf_1" {
		t.Fatalf("expected transfer id trf_1, got %q", resp.Data.ID)
	}
	if gotKey != "mp-M1-1" || gotAPIKey != "secret" {
		t.Fatalf("expected idempotency and api key headers, got %q / %q", gotKey, gotAPIKey)
	}
	if gotBody.Data.Attributes.Reference != "mp-M1-1" {
		t.Fatalf("expected reference to carry the idempotency key, got %q", gotBody.Data.Attributes.Reference)
	}
}

func TestInitiateBookTransfer_ReturnsErrorResponseWithStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"title":"Invalid account","detail":"destination frozen","status":"400"}]}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "secret").InitiateBookTransfer(context.Background(), TransferParams{IdempotencyKey: "k"})
	var errResp *ErrorResponse
	if !errors.As(err, &errResp) {
		t.Fatalf("expected *ErrorResponse, got %T", err)
	}
	if errResp.StatusCode != http.StatusBadRequest || errResp.Title() != "Invalid account" {
		t.Fatalf("unexpected error response: %+v", errResp)
	}
}

func TestFindTransferByReference_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("reference") != "mp-M1-1" {
			t.Errorf("expected reference query, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	transfer, err := NewClient(server.URL, "secret").FindTransferByReference(context.Background(), "mp-M1-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if transfer != nil {
		t.Fatalf("expected no transfer, got %+v", transfer)
	}
}
