package main

import (
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/boneregister/register"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *register.StateTracker) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Running   bool      `json:"running"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Running:   stateTracker.Snapshot().Running,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Registration progress
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(stateTracker.Snapshot()); err != nil {
			log.Printf("Error encoding status: %v", err)
		}
	})

	// Latest render of one view over its reference
	mux.HandleFunc("/overlay.png", func(w http.ResponseWriter, r *http.Request) {
		renders, references := stateTracker.LatestImages()
		if len(renders) == 0 {
			http.Error(w, "No renders available", http.StatusServiceUnavailable)
			return
		}

		view := 0
		if v := r.URL.Query().Get("view"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "view must be an integer", http.StatusBadRequest)
				return
			}
			view = n
		}
		if view < 0 || view >= len(renders) || renders[view] == nil {
			http.Error(w, fmt.Sprintf("no render for view %d", view), http.StatusNotFound)
			return
		}

		var ref image.Image
		if view < len(references) {
			ref = references[view]
		}
		overlay := register.Overlay(ref, renders[view], fmt.Sprintf("view %d", view))

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, overlay); err != nil {
			log.Printf("Error encoding overlay PNG: %v", err)
		}
	})

	// Current poses in the poses XML format
	mux.HandleFunc("/poses.xml", func(w http.ResponseWriter, r *http.Request) {
		poses := stateTracker.Snapshot().Poses
		if len(poses) == 0 {
			http.Error(w, "No poses available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := register.WritePoses(w, poses); err != nil {
			log.Printf("Error encoding poses: %v", err)
		}
	})

	return mux
}
