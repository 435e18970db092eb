package capture

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/smenaquispe/observatory/internal/config"
	"github.com/smenaquispe/observatory/internal/storage"
	"github.com/smenaquispe/observatory/pkg/observation"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	cfg := &config.StorageConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "observatory.db"),
	}
	store, err := storage.New(cfg, noopLogger{})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func onlyRecord(t *testing.T, store storage.Store) *storage.StoredRecord {
	t.Helper()
	items, err := store.ListSince(0, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(items))
	}
	return items[0]
}

func TestInterceptor_CapturesLifecycle(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":1}`))
	}))

	req := httptest.NewRequest("POST", "http://localhost/api/users?page=1", strings.NewReader(`{"name":"John"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	// The response must pass through unaltered.
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if rr.Body.String() != `{"id":1}` {
		t.Fatalf("unexpected response body: %s", rr.Body.String())
	}

	rec := onlyRecord(t, store)
	if rec.Status != observation.StatusCompleted {
		t.Fatalf("expected completed record, got %s", rec.Status)
	}
	if rec.Method != "POST" || rec.Path != "/api/users" || rec.Query != "page=1" {
		t.Fatalf("unexpected request facet: %#v", rec.Record)
	}
	if rec.Body == nil || *rec.Body != `{"name":"John"}` {
		t.Fatalf("unexpected captured body: %v", rec.Body)
	}
	if rec.StatusCode == nil || *rec.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status code: %v", rec.StatusCode)
	}
	if rec.ResponseBody == nil || *rec.ResponseBody != `{"id":1}` {
		t.Fatalf("unexpected response body: %v", rec.ResponseBody)
	}
	if rec.DurationMs == nil || *rec.DurationMs < 0 {
		t.Fatalf("expected duration to be set, got %v", rec.DurationMs)
	}
}

func TestInterceptor_SkipsReservedNamespace(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{ReservedPrefix: "/observatory"})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/observatory", "/observatory/", "/observatory/api/requests"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "http://localhost"+path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("reserved path %s not forwarded", path)
		}
	}

	total, err := store.CountTotal()
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no records for reserved paths, got %d", total)
	}

	// A sibling path sharing the prefix string is still captured.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "http://localhost/observatoryx", nil))
	total, _ = store.CountTotal()
	if total != 1 {
		t.Fatalf("expected sibling path to be captured, got %d records", total)
	}
}

func TestInterceptor_BodyRestoredDownstream(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{})

	var seen string
	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = string(body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "http://localhost/echo", strings.NewReader("payload"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "payload" {
		t.Fatalf("downstream handler saw %q, want %q", seen, "payload")
	}
}

func TestInterceptor_PanicLeavesPending(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://localhost/boom", nil))
	}()

	rec := onlyRecord(t, store)
	if rec.Status != observation.StatusPending {
		t.Fatalf("expected record to stay pending, got %s", rec.Status)
	}
	if rec.StatusCode != nil {
		t.Fatalf("expected null status code, got %v", rec.StatusCode)
	}
}

func TestInterceptor_PanicAfterWriteStillFinalizes(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		panic("after write")
	}))

	func() {
		defer func() { recover() }()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://localhost/boom", nil))
	}()

	rec := onlyRecord(t, store)
	if rec.Status != observation.StatusCompleted {
		t.Fatalf("expected completed record, got %s", rec.Status)
	}
	if rec.StatusCode == nil || *rec.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status code: %v", rec.StatusCode)
	}
}

func TestInterceptor_ImplicitOK(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No explicit write: net/http answers 200.
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://localhost/noop", nil))

	rec := onlyRecord(t, store)
	if rec.Status != observation.StatusCompleted {
		t.Fatalf("expected completed record, got %s", rec.Status)
	}
	if rec.StatusCode == nil || *rec.StatusCode != http.StatusOK {
		t.Fatalf("expected implicit 200, got %v", rec.StatusCode)
	}
}

func TestInterceptor_ResponseBodyTruncated(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{MaxBodyChars: 100})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 150)))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://localhost/big", nil))

	rec := onlyRecord(t, store)
	if rec.ResponseBody == nil {
		t.Fatal("expected response body")
	}
	want := strings.Repeat("x", 100) + observation.TruncationMarker
	if *rec.ResponseBody != want {
		t.Fatalf("unexpected truncated body: %q", *rec.ResponseBody)
	}
}

func TestInterceptor_MultibyteResponseTruncated(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{MaxBodyChars: 10})

	payload := "a" + strings.Repeat("\U0001D54F", 20)
	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://localhost/wide", nil))

	rec := onlyRecord(t, store)
	if rec.ResponseBody == nil {
		t.Fatal("expected response body")
	}
	got := *rec.ResponseBody
	if got == observation.UndecodableBody {
		t.Fatal("oversized valid text stored as the binary sentinel")
	}
	if !strings.HasSuffix(got, observation.TruncationMarker) {
		t.Fatalf("expected truncation marker, got %q", got)
	}
	text := strings.TrimSuffix(got, observation.TruncationMarker)
	if !utf8.ValidString(text) {
		t.Fatalf("stored prefix is not valid text: %q", text)
	}
	if !strings.HasPrefix(payload, text) {
		t.Fatalf("stored text %q is not a prefix of the response", text)
	}
	if utf8.RuneCountInString(text) > 10 {
		t.Fatalf("stored %d runes, ceiling is 10", utf8.RuneCountInString(text))
	}
}

func TestInterceptor_RequestBodyHonorsCeiling(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{MaxBodyChars: 10})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "http://localhost/x", strings.NewReader(strings.Repeat("a", 15)))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := onlyRecord(t, store)
	want := strings.Repeat("a", 10) + observation.TruncationMarker
	if rec.Body == nil || *rec.Body != want {
		t.Fatalf("request body not capped at the configured ceiling: %v", rec.Body)
	}
}

func TestInterceptor_BinaryBodySentinel(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "http://localhost/upload", strings.NewReader("\xff\xfe\x00"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := onlyRecord(t, store)
	if rec.Body == nil || *rec.Body != observation.UndecodableBody {
		t.Fatalf("expected undecodable sentinel, got %v", rec.Body)
	}
}

func TestInterceptor_HandlerNameResolution(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{
		ResolveHandlerName: func(r *http.Request) string {
			return "items.list"
		},
	})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://localhost/api/items", nil))

	rec := onlyRecord(t, store)
	if rec.HandlerName == nil || *rec.HandlerName != "items.list" {
		t.Fatalf("unexpected handler name: %v", rec.HandlerName)
	}
}

func TestInterceptor_ResolverPanicTolerated(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{
		ResolveHandlerName: func(r *http.Request) string {
			panic("reflection failed")
		},
	})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://localhost/x", nil))

	rec := onlyRecord(t, store)
	if rec.HandlerName != nil {
		t.Fatalf("expected null handler name, got %v", rec.HandlerName)
	}
	if rec.Status != observation.StatusCompleted {
		t.Fatalf("expected request to complete normally, got %s", rec.Status)
	}
}

func TestInterceptor_ReplaySinkPublished(t *testing.T) {
	store := newTestStore(t)
	interceptor := NewInterceptor(store, noopLogger{}, Options{})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	sink := &ReplaySink{}
	req := httptest.NewRequest("GET", "http://localhost/items", nil)
	req = req.WithContext(WithReplaySink(req.Context(), sink))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := onlyRecord(t, store)
	if sink.RecordID() != rec.ID {
		t.Fatalf("sink has id %d, want %d", sink.RecordID(), rec.ID)
	}
}

// failingStore simulates persistence failure during capture.
type failingStore struct {
	storage.Store
}

func (failingStore) Create(*observation.Record) (int64, error) {
	return 0, errors.New("disk full")
}

func TestInterceptor_StoreFailureIsLenient(t *testing.T) {
	interceptor := NewInterceptor(failingStore{}, noopLogger{}, Options{})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("still fine"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "http://localhost/x", nil))

	if rr.Code != http.StatusOK || rr.Body.String() != "still fine" {
		t.Fatalf("store failure must not alter the host response: %d %q", rr.Code, rr.Body.String())
	}
}

type countingNotifier struct {
	created   int
	completed int
}

func (n *countingNotifier) ObservationCreated(*storage.StoredRecord)   { n.created++ }
func (n *countingNotifier) ObservationCompleted(*storage.StoredRecord) { n.completed++ }

func TestInterceptor_NotifiesOncePerCycle(t *testing.T) {
	store := newTestStore(t)
	notifier := &countingNotifier{}
	interceptor := NewInterceptor(store, noopLogger{}, Options{Notifiers: []Notifier{notifier}})

	handler := interceptor.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "http://localhost/x", nil))

	if notifier.created != 1 || notifier.completed != 1 {
		t.Fatalf("expected exactly one created and one completed event, got %d/%d",
			notifier.created, notifier.completed)
	}
}
