package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// demoApp is a minimal host application so the pipeline can be exercised
// without embedding observatory in a real service.
type demoApp struct {
	mu    sync.Mutex
	next  int
	items map[int]map[string]interface{}
}

func newDemoApp() *mux.Router {
	app := &demoApp{next: 1, items: make(map[int]map[string]interface{})}

	router := mux.NewRouter()
	router.HandleFunc("/", app.handleRoot).Methods(http.MethodGet).Name("root")
	router.HandleFunc("/api/items", app.handleListItems).Methods(http.MethodGet).Name("items.list")
	router.HandleFunc("/api/items", app.handleCreateItem).Methods(http.MethodPost).Name("items.create")
	router.HandleFunc("/api/items/{id:[0-9]+}", app.handleGetItem).Methods(http.MethodGet).Name("items.get")
	router.HandleFunc("/api/echo", app.handleEcho).Name("echo")
	router.HandleFunc("/api/slow", app.handleSlow).Methods(http.MethodGet).Name("slow")
	return router
}

func (a *demoApp) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<html><body><h1>Observatory sample application</h1></body></html>"))
}

func (a *demoApp) handleListItems(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	items := make([]map[string]interface{}, 0, len(a.items))
	for _, item := range a.items {
		items = append(items, item)
	}
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (a *demoApp) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var item map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	a.mu.Lock()
	id := a.next
	a.next++
	item["id"] = id
	a.items[id] = item
	a.mu.Unlock()

	writeJSON(w, http.StatusCreated, item)
}

func (a *demoApp) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	a.mu.Lock()
	item, ok := a.items[id]
	a.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *demoApp) handleEcho(w http.ResponseWriter, r *http.Request) {
	var body interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"body":   body,
	})
}

func (a *demoApp) handleSlow(w http.ResponseWriter, r *http.Request) {
	delay := 500 * time.Millisecond
	if raw := r.URL.Query().Get("ms"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 && ms <= 10000 {
			delay = time.Duration(ms) * time.Millisecond
		}
	}
	time.Sleep(delay)
	writeJSON(w, http.StatusOK, map[string]interface{}{"slept_ms": delay.Milliseconds()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
