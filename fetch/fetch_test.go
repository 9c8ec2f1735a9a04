package fetch

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNormalizeRequestDefaults(t *testing.T) {
	req, err := NormalizeRequest("http://x", "", nil, nil, 0, 0, false, false)
	if err != nil {
		t.Fatalf("NormalizeRequest: %v", err)
	}
	if req.Method != "GET" || req.TimeoutMS != DefaultTimeoutMS || req.MaxBytes != DefaultMaxBytes || !req.FollowRedirects {
		t.Fatalf("unexpected defaults: %+v", req)
	}
}

func TestNormalizeRequestRejectsBodyOnGet(t *testing.T) {
	_, err := NormalizeRequest("http://x", "GET", nil, []byte("x"), 0, 0, false, false)
	if err != ErrBodyNotAllowed {
		t.Fatalf("expected ErrBodyNotAllowed, got %v", err)
	}
}

func TestSubmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.WriteHeader(200)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	s := NewSupervisor()
	req, err := NormalizeRequest(srv.URL, "GET", nil, nil, 5000, 0, false, false)
	if err != nil {
		t.Fatalf("NormalizeRequest: %v", err)
	}
	rec := s.Submit(req)
	rec.Join()

	resp, errMsg, aborted := rec.Outcome()
	if errMsg != "" || aborted {
		t.Fatalf("unexpected failure: %q aborted=%v", errMsg, aborted)
	}
	if resp.Status != 200 || string(resp.Body) != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSubmitTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	s := NewSupervisor()
	req, _ := NormalizeRequest(srv.URL, "GET", nil, nil, 5000, 10, false, false)
	rec := s.Submit(req)
	rec.Join()

	resp, _, _ := rec.Outcome()
	if !resp.Truncated || len(resp.Body) != 10 {
		t.Fatalf("expected truncation at 10 bytes, got %+v", resp)
	}
}

func TestAbortEndsTransfer(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl, _ := w.(http.Flusher)
		for i := 0; i < 1000; i++ {
			select {
			case <-block:
				return
			default:
			}
			w.Write([]byte("x"))
			if fl != nil {
				fl.Flush()
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer srv.Close()
	defer close(block)

	s := NewSupervisor()
	req, _ := NormalizeRequest(srv.URL, "GET", nil, nil, 60_000, 0, false, false)
	rec := s.Submit(req)

	time.Sleep(20 * time.Millisecond)
	if !s.Abort(rec.ID) {
		t.Fatal("Abort returned false for known id")
	}
	rec.Join()

	_, errMsg, aborted := rec.Outcome()
	if !aborted {
		t.Fatalf("expected aborted=true, errMsg=%q", errMsg)
	}
}

func TestPostMethodUppercased(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("server saw method %q", r.Method)
		}
		io.Copy(io.Discard, r.Body)
	}))
	defer srv.Close()

	s := NewSupervisor()
	req, err := NormalizeRequest(srv.URL, "post", nil, []byte("body"), 5000, 0, false, false)
	if err != nil {
		t.Fatalf("NormalizeRequest: %v", err)
	}
	if req.Method != "POST" {
		t.Fatalf("expected uppercased method, got %q", req.Method)
	}
	rec := s.Submit(req)
	rec.Join()
}
