package main

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/fisaks/labduino/internal/logging"
)

var (
	sketches   = make(map[string]*Sketch)
	sketchesMu sync.RWMutex
)

func registerSketch(name string, s *Sketch) {
	sketchesMu.Lock()
	defer sketchesMu.Unlock()
	sketches[name] = s
}

// SketchPatch changes the simulated state. Nil fields are left alone.
type SketchPatch struct {
	Output   *string            `json:"output,omitempty"` // "1", "0" or any opaque text
	Channels map[string]float64 `json:"channels,omitempty"`
	Offsets  map[string]float64 `json:"offsets,omitempty"`
	Min      *float64           `json:"min,omitempty"`
	Max      *float64           `json:"max,omitempty"`
	Drift    *float64           `json:"drift,omitempty"`
	Silent   *bool              `json:"silent,omitempty"`
}

type sketchView struct {
	Output      string             `json:"output"`
	Channels    map[string]float64 `json:"channels"`
	Offsets     map[string]float64 `json:"offsets"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Average     float64            `json:"average"`
	LastCommand string             `json:"lastCommand,omitempty"`
}

func StartRestAPI(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /device/{deviceName}", getSketchHandler)
	mux.HandleFunc("PATCH /device/{deviceName}", patchSketchHandler)
	mux.HandleFunc("POST /device/{deviceName}/output/toggle", toggleOutputHandler)

	logging.Info("Sketch simulator REST API listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

/* ------------------------ helpers: json & errors ------------------------ */

func readJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func getSketch(w http.ResponseWriter, r *http.Request) (*Sketch, bool) {
	sketchesMu.RLock()
	s, ok := sketches[r.PathValue("deviceName")]
	sketchesMu.RUnlock()
	if !ok {
		fail(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	return s, true
}

func view(s *Sketch) sketchView {
	snap := s.Snapshot()
	s.mu.Lock()
	last := s.lastLine
	s.mu.Unlock()
	return sketchView{
		Output:      string(snap.Output),
		Channels:    snap.Channels,
		Offsets:     snap.Offsets,
		Min:         snap.Min,
		Max:         snap.Max,
		Average:     snap.Average,
		LastCommand: last,
	}
}

/* ------------------------------ handlers -------------------------------- */

func getSketchHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := getSketch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view(s))
}

func patchSketchHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := getSketch(w, r)
	if !ok {
		return
	}
	var p SketchPatch
	if err := readJSON(r, &p); err != nil {
		fail(w, http.StatusBadRequest, "bad json")
		return
	}
	s.Patch(p)
	writeJSON(w, http.StatusOK, view(s))
}

func toggleOutputHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := getSketch(w, r)
	if !ok {
		return
	}
	s.Toggle()
	writeJSON(w, http.StatusOK, view(s))
}
