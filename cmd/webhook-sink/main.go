// webhook-sink is a development receiver for mesh webhook deliveries. It
// prints every verified payload and keeps the most recent ones in memory
// for inspection over GET /deliveries.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
)

const keepDeliveries = 100

type delivery struct {
	Event    string          `json:"event"`
	Attempt  string          `json:"attempt,omitempty"`
	Received time.Time       `json:"received"`
	Payload  json.RawMessage `json:"payload"`
}

type store struct {
	mu   sync.Mutex
	ring []delivery
}

func (s *store) add(d delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = append(s.ring, d)
	if len(s.ring) > keepDeliveries {
		s.ring = s.ring[len(s.ring)-keepDeliveries:]
	}
}

func (s *store) all() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]delivery, len(s.ring))
	copy(out, s.ring)
	return out
}

func main() {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8787"
	}
	secret := os.Getenv("MESH_WEBHOOK_SECRET")

	deliveries := &store{}

	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": "webhook-sink",
		})
	}).Methods("GET")

	router.HandleFunc("/hook", receive(deliveries, secret)).Methods("POST")

	router.HandleFunc("/deliveries", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deliveries.all())
	}).Methods("GET")

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	if secret != "" {
		log.Println("Verifying X-Mesh-Signature on every delivery")
	}
	log.Printf("webhook-sink listening on :%s (POST /hook)", port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

func receive(deliveries *store, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "payload is not JSON", http.StatusBadRequest)
			return
		}

		if secret != "" && !verify(body, r.Header.Get("X-Mesh-Signature"), secret) {
			log.Printf("❌ Rejected delivery: bad signature (event=%s)", r.Header.Get("X-Mesh-Event"))
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}

		d := delivery{
			Event:    r.Header.Get("X-Mesh-Event"),
			Attempt:  r.Header.Get("X-Mesh-Delivery-Attempt"),
			Received: time.Now().UTC(),
			Payload:  json.RawMessage(body),
		}
		deliveries.add(d)

		log.Printf("📨 %s (attempt %s): %s", d.Event, d.Attempt, body)
		w.WriteHeader(http.StatusNoContent)
	}
}

// verify checks the sha256= HMAC the client attaches when a secret is set.
func verify(body []byte, header, secret string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
