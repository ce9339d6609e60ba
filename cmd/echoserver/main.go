// Package main provides a simple echo server for exercising the gateway
// locally. It returns request details as JSON, useful for verifying
// routing, header injection, load balancing, and failure handling.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "echo", "service name")
	failRate := flag.Float64("fail-rate", 0, "probability (0..1) that an echo answers 500")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	// /health answers the gateway's probe.
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"service": *name,
		})
	})

	// /__status/{code} returns an arbitrary HTTP status code.
	// Useful for testing error handling, retries, and breaker trips.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /__latency/{ms} sleeps before echoing. Useful for testing per-service
	// timeouts and the global deadline.
	// Example: GET /__latency/2000 → answers after 2s
	http.HandleFunc("/__latency/", func(w http.ResponseWriter, r *http.Request) {
		msStr := strings.TrimPrefix(r.URL.Path, "/__latency/")
		ms, err := strconv.Atoi(msStr)
		if err != nil || ms < 0 {
			ms = 0
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":   *name,
			"slept_ms":  ms,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if *failRate > 0 && rand.Float64() < *failRate {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{
				"service": *name,
				"error":   "injected failure",
			})
			return
		}

		resp := map[string]interface{}{
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail-rate %.2f)", *name, addr, *failRate)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
