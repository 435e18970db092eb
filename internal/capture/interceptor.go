package capture

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/smenaquispe/observatory/internal/logger"
	"github.com/smenaquispe/observatory/internal/storage"
	"github.com/smenaquispe/observatory/pkg/observation"
)

// HandlerNameResolver reports a best-effort identifier of the code that will
// handle the request. An empty result is stored as null.
type HandlerNameResolver func(r *http.Request) string

// Notifier receives lifecycle events for captured records.
type Notifier interface {
	ObservationCreated(rec *storage.StoredRecord)
	ObservationCompleted(rec *storage.StoredRecord)
}

// Options configures an Interceptor.
type Options struct {
	// ReservedPrefix is the dashboard namespace excluded from capture.
	ReservedPrefix string
	// MaxBodyChars caps stored body length; defaults to observation.BodyLimit.
	MaxBodyChars int
	// ResolveHandlerName is optional; failures are tolerated.
	ResolveHandlerName HandlerNameResolver
	Notifiers          []Notifier
}

// Interceptor wraps the host pipeline, creating a pending observation record
// on request entry and completing it when the response is produced. It never
// alters the response.
type Interceptor struct {
	store          storage.Store
	logger         logger.Logger
	reservedPrefix string
	maxBodyChars   int
	resolver       HandlerNameResolver
	notifiers      []Notifier
}

// NewInterceptor builds an Interceptor around an explicit store dependency.
func NewInterceptor(store storage.Store, log logger.Logger, opts Options) *Interceptor {
	prefix := opts.ReservedPrefix
	if prefix == "" {
		prefix = "/observatory"
	}
	maxChars := opts.MaxBodyChars
	if maxChars <= 0 {
		maxChars = observation.BodyLimit
	}
	return &Interceptor{
		store:          store,
		logger:         log,
		reservedPrefix: prefix,
		maxBodyChars:   maxChars,
		resolver:       opts.ResolveHandlerName,
		notifiers:      opts.Notifiers,
	}
}

// Wrap decorates the host handler with observation capture.
func (i *Interceptor) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if i.isReserved(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		body := i.readBody(r)
		rec := observation.NewRecord(r, body, i.maxBodyChars)
		rec.HandlerName = i.resolveHandlerName(r)

		start := time.Now()
		id, err := i.store.Create(rec)
		if err != nil {
			// Lenient policy: losing observability for one request is
			// preferable to failing the host application.
			i.logger.Error("Failed to create observation record",
				"error", err,
				"method", rec.Method,
				"path", rec.Path,
			)
			next.ServeHTTP(w, r)
			return
		}

		if sink := replaySinkFrom(r.Context()); sink != nil {
			sink.publish(id)
		}
		i.notifyCreated(&storage.StoredRecord{ID: id, Record: rec})

		recorder := newResponseRecorder(w, i.maxBodyChars)
		finishedNormally := false
		defer func() {
			// A handler that panicked without writing produced no response;
			// the record stays pending and the panic propagates.
			if !finishedNormally && !recorder.wrote {
				return
			}
			i.finalize(id, rec, recorder, time.Since(start))
		}()

		next.ServeHTTP(recorder, r)
		finishedNormally = true
	})
}

// ReservedPrefix returns the dashboard namespace this interceptor excludes.
func (i *Interceptor) ReservedPrefix() string {
	return i.reservedPrefix
}

func (i *Interceptor) isReserved(path string) bool {
	return path == i.reservedPrefix || strings.HasPrefix(path, i.reservedPrefix+"/")
}

// readBody drains the request body and restores it for the downstream
// handler. A read failure degrades to an empty body, never a failed request.
func (i *Interceptor) readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		i.logger.Warn("Failed to read request body for capture", "error", err, "path", r.URL.Path)
		body = nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body
}

func (i *Interceptor) resolveHandlerName(r *http.Request) (name *string) {
	if i.resolver == nil {
		return nil
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			i.logger.Debug("Handler name resolution panicked", "panic", recovered, "path", r.URL.Path)
			name = nil
		}
	}()
	if resolved := i.resolver(r); resolved != "" {
		return &resolved
	}
	return nil
}

func (i *Interceptor) finalize(id int64, rec *observation.Record, recorder *responseRecorder, elapsed time.Duration) {
	status := recorder.status
	if status == 0 {
		// Body written without an explicit WriteHeader, or nothing written
		// at all: net/http sends 200 in both cases.
		status = http.StatusOK
	}

	body := observation.DecodeBodyLimit(recorder.body.Bytes(), i.maxBodyChars)
	if recorder.overflow && body != nil && *body != observation.UndecodableBody &&
		!strings.HasSuffix(*body, observation.TruncationMarker) {
		// The recorder dropped bytes past its cap, so the stored text is a
		// prefix of the real response and must carry the marker.
		annotated := *body + observation.TruncationMarker
		body = &annotated
	}

	completion := observation.Completion{
		StatusCode: status,
		Headers:    observation.FilterHeaders(recorder.Header()),
		Body:       body,
		DurationMs: float64(elapsed.Microseconds()) / 1000.0,
	}

	if err := i.store.Complete(id, completion); err != nil {
		i.logger.Error("Failed to complete observation record", "error", err, "record_id", id)
		return
	}

	rec.Complete(completion)
	i.notifyCompleted(&storage.StoredRecord{ID: id, Record: rec})
}

func (i *Interceptor) notifyCreated(rec *storage.StoredRecord) {
	for _, n := range i.notifiers {
		n.ObservationCreated(rec)
	}
}

func (i *Interceptor) notifyCompleted(rec *storage.StoredRecord) {
	if len(i.notifiers) == 0 {
		return
	}
	group := errgroup.Group{}
	for _, n := range i.notifiers {
		notifier := n
		group.Go(func() error {
			notifier.ObservationCompleted(rec)
			return nil
		})
	}
	_ = group.Wait()
}

// responseRecorder observes status, headers and body while passing every
// write through to the underlying ResponseWriter unchanged.
type responseRecorder struct {
	http.ResponseWriter
	status   int
	wrote    bool
	body     bytes.Buffer
	bodyCap  int
	overflow bool
}

func newResponseRecorder(w http.ResponseWriter, maxChars int) *responseRecorder {
	// Four bytes per rune covers the worst UTF-8 case, so the buffer always
	// holds at least maxChars runes when the response exceeds the ceiling.
	return &responseRecorder{ResponseWriter: w, bodyCap: maxChars * 4}
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	if !r.overflow {
		remaining := r.bodyCap - r.body.Len()
		if remaining >= len(b) {
			r.body.Write(b)
		} else {
			if remaining > 0 {
				r.body.Write(b[:remaining])
			}
			r.trimPartialRune()
			r.overflow = true
		}
	}
	return r.ResponseWriter.Write(b)
}

// trimPartialRune drops the trailing bytes of a rune the byte cap cut in
// half, keeping a valid text stream valid after capping.
func (r *responseRecorder) trimPartialRune() {
	for i := 0; i < utf8.UTFMax-1 && r.body.Len() > 0; i++ {
		last, size := utf8.DecodeLastRune(r.body.Bytes())
		if last != utf8.RuneError || size != 1 {
			return
		}
		r.body.Truncate(r.body.Len() - 1)
	}
}

func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
