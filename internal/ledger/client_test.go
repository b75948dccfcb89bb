package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ── Unit tests (httptest, no external deps) ───────────────────────────────────

func mockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

const wallet = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// ── AddXP ─────────────────────────────────────────────────────────────────────

func TestAddXP_SendsCreditAndHeaders(t *testing.T) {
	var (
		gotAuth, gotKey, gotPath string
		gotBody                  Credit
	)
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody) //nolint:errcheck
		w.WriteHeader(http.StatusCreated)
	})

	c := NewClient(srv.URL+"/", "ledger-key", time.Second)
	err := c.AddXP(context.Background(), Credit{Identity: wallet, Amount: 5500, Reason: "spin", SourceID: "out-1"}, "out-1")
	if err != nil {
		t.Fatalf("AddXP: %v", err)
	}
	if gotAuth != "Bearer ledger-key" {
		t.Errorf("Authorization: got %q", gotAuth)
	}
	if gotKey != "out-1" {
		t.Errorf("Idempotency-Key: got %q want out-1", gotKey)
	}
	if gotPath != "/api/xp/credit" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotBody.Amount != 5500 || gotBody.Identity != wallet {
		t.Errorf("body: %+v", gotBody)
	}
}

func TestAddXP_StatusHandling(t *testing.T) {
	cases := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusConflict, false, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusServiceUnavailable, true, false},
		{http.StatusBadRequest, true, true},
		{http.StatusUnauthorized, true, true},
	}
	for _, tc := range cases {
		srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		err := NewClient(srv.URL, "", time.Second).AddXP(context.Background(), Credit{Identity: wallet, Amount: 1}, "k")
		if (err != nil) != tc.wantErr {
			t.Errorf("status %d: err=%v, wantErr=%v", tc.status, err, tc.wantErr)
		}
		if errors.Is(err, ErrPermanent) != tc.permanent {
			t.Errorf("status %d: permanent=%v, want %v", tc.status, errors.Is(err, ErrPermanent), tc.permanent)
		}
	}
}

func TestAddXP_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewClient(url, "", time.Second).AddXP(context.Background(), Credit{Identity: wallet, Amount: 1}, "k")
	if err == nil {
		t.Fatal("expected error for a closed server")
	}
	if errors.Is(err, ErrPermanent) {
		t.Error("transport errors are retryable")
	}
}

// ── GetBalance ────────────────────────────────────────────────────────────────

func TestGetBalance(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/xp/"+wallet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(Balance{Identity: wallet, XP: 12000})
	})

	b, err := NewClient(srv.URL, "", time.Second).GetBalance(context.Background(), wallet)
	if err != nil {
		t.Fatal(err)
	}
	if b.XP != 12000 {
		t.Errorf("XP: got %d want 12000", b.XP)
	}

	if _, err := NewClient(srv.URL, "", time.Second).GetBalance(context.Background(), "0xother"); err == nil {
		t.Error("expected error for 404")
	}
}
