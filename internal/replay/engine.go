package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/smenaquispe/observatory/internal/capture"
	"github.com/smenaquispe/observatory/internal/logger"
	"github.com/smenaquispe/observatory/internal/storage"
	"github.com/smenaquispe/observatory/pkg/observation"
)

// ErrReservedPath rejects replay of the dashboard's own traffic; replaying
// it would grow the record stream recursively.
var ErrReservedPath = errors.New("cannot replay a dashboard-namespace request")

// ErrUnsupportedMethod rejects methods the engine does not synthesize.
var ErrUnsupportedMethod = errors.New("unsupported method for replay")

// ErrNoCorrelation indicates dispatch ran but no new record could be
// attributed to it.
var ErrNoCorrelation = errors.New("replay dispatched but no new record was captured")

// Dispatcher is the host-provided loopback capability: it drives a
// synthesized request through the same pipeline the interceptor wraps,
// without a network round trip.
type Dispatcher interface {
	Dispatch(ctx context.Context, method, target string, header http.Header, body io.Reader) error
}

var supportedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodOptions: {},
	http.MethodDelete:  {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
}

var bodyMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// Engine reconstructs a stored request and re-drives it through the host
// pipeline, producing a fresh observation record.
type Engine struct {
	store          storage.Store
	dispatcher     Dispatcher
	logger         logger.Logger
	reservedPrefix string
}

// NewEngine builds a replay engine. reservedPrefix must match the
// interceptor's exclusion namespace.
func NewEngine(store storage.Store, dispatcher Dispatcher, log logger.Logger, reservedPrefix string) *Engine {
	if reservedPrefix == "" {
		reservedPrefix = "/observatory"
	}
	return &Engine{
		store:          store,
		dispatcher:     dispatcher,
		logger:         log,
		reservedPrefix: reservedPrefix,
	}
}

// Replay re-dispatches the record with the given id, substituting the
// request body when overrideBody is non-nil, and returns the id of the new
// record the dispatch produced. Each invocation creates one additional
// record; the original is never touched.
func (e *Engine) Replay(ctx context.Context, id int64, overrideBody *string) (int64, error) {
	original, err := e.store.Get(id)
	if err != nil {
		return 0, err
	}

	if original.Path == e.reservedPrefix || strings.HasPrefix(original.Path, e.reservedPrefix+"/") {
		return 0, ErrReservedPath
	}

	method := strings.ToUpper(original.Method)
	if _, ok := supportedMethods[method]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedMethod, original.Method)
	}

	target := original.Path
	if original.Query != "" {
		target += "?" + original.Query
	}

	header := original.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	// The dispatcher computes content length from the body it is handed.
	header.Del("Content-Length")
	header.Set("X-Observatory-Replay", "1")

	var body io.Reader
	if _, ok := bodyMethods[method]; ok {
		if text := e.replayBody(original, overrideBody); text != "" {
			body = strings.NewReader(text)
		}
	}

	// Explicit correlation: the interceptor publishes the new record id into
	// the sink during the nested dispatch. No lock is held across the call.
	sink := &capture.ReplaySink{}
	ctx = capture.WithReplaySink(ctx, sink)

	if err := e.dispatcher.Dispatch(ctx, method, target, header, body); err != nil {
		return 0, fmt.Errorf("replay dispatch: %w", err)
	}

	if newID := sink.RecordID(); newID != 0 {
		e.logger.Info("Request replayed",
			"original_id", id,
			"new_id", newID,
			"method", method,
			"path", original.Path,
		)
		return newID, nil
	}

	// Heuristic fallback: latest record with the same method and path created
	// after the original. Racy under concurrent traffic.
	latest, err := e.store.LatestMatching(original.Method, original.Path, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, ErrNoCorrelation
		}
		return 0, err
	}
	e.logger.Warn("Replay correlated by heuristic lookup",
		"original_id", id,
		"new_id", latest.ID,
	)
	return latest.ID, nil
}

// replayBody picks the payload: the override wins, otherwise the stored
// body is forwarded as-is. The undecodable sentinel is never replayed.
func (e *Engine) replayBody(original *storage.StoredRecord, overrideBody *string) string {
	if overrideBody != nil {
		return *overrideBody
	}
	if original.Body == nil || *original.Body == observation.UndecodableBody {
		return ""
	}
	return *original.Body
}

// HandlerDispatcher adapts an http.Handler into a Dispatcher. The response
// is discarded here; the interceptor captures it as part of the new record.
type HandlerDispatcher struct {
	Handler http.Handler
}

// Dispatch synthesizes the request and runs it through the handler inline.
func (d *HandlerDispatcher) Dispatch(ctx context.Context, method, target string, header http.Header, body io.Reader) error {
	if d.Handler == nil {
		return errors.New("dispatcher has no handler")
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("synthesize request: %w", err)
	}
	for key, values := range header {
		req.Header[key] = append([]string(nil), values...)
	}
	req.RemoteAddr = "127.0.0.1:0"

	d.Handler.ServeHTTP(&discardResponseWriter{header: http.Header{}}, req)
	return nil
}

type discardResponseWriter struct {
	header http.Header
}

func (w *discardResponseWriter) Header() http.Header { return w.header }

func (w *discardResponseWriter) Write(b []byte) (int, error) { return len(b), nil }

func (w *discardResponseWriter) WriteHeader(int) {}
