package resilience

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docsage/docsage/pkg/fn"
)

func TestLimiterAllowBurst(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 2})
	if !l.Allow() || !l.Allow() {
		t.Fatal("burst tokens should be available")
	}
	if l.Allow() {
		t.Fatal("third call should be limited")
	}
	if err := l.Call(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(LimiterOpts{})
	for i := 0; i < 100; i++ {
		if !l.Allow() {
			t.Fatal("zero rate means unlimited")
		}
	}
}

func TestLimiterWaitCancelled(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001, Burst: 1})
	l.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.CallWait(ctx, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error from cancelled wait")
	}
}

func TestLimiterStageWait(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 1000, Burst: 1})
	stage := LimiterStageWait(l, fn.MapStage(func(i int) int { return i * 2 }))
	for i := 0; i < 3; i++ {
		if got := stage(context.Background(), i).Must(); got != i*2 {
			t.Fatalf("got %d", got)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 503}, true},
		{&StatusError{Code: 401}, false},
		{&StatusError{Code: 400}, false},
		{timeoutErr{}, true},
		{context.Canceled, false},
		{ErrCircuitOpen, false},
		{ErrRateLimited, true},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Errorf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestCheckResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ok")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if err := CheckResponse(resp); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	resp, err = http.Get(srv.URL + "/limited")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	err = CheckResponse(resp)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 429 || !Transient(err) {
		t.Fatalf("expected transient 429 StatusError, got %v", err)
	}
}
