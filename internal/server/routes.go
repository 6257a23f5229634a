package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"tablesync/internal/config"
	"tablesync/internal/identity"
	"tablesync/internal/metrics"
	"tablesync/internal/persist"
	"tablesync/internal/protocol"
	"tablesync/internal/rooms"

	"github.com/go-chi/chi/v5"
)

func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	signer := identity.NewHostKeySigner(cfg.HostKeySecret, cfg.AbandonAfter*4)

	opts := rooms.Options{
		HibernateAfter: cfg.HibernateAfter,
		AbandonAfter:   cfg.AbandonAfter,
		TombstoneTTL:   cfg.AbandonAfter * 4, // matches the host key lifetime
		CodeLength:     cfg.CodeLength,
		CodeRetries:    cfg.CodeRetries,
		Apply:          journalApply,
		Signer:         signer,
	}

	// Optional database connection
	if cfg.DatabaseURL != "" {
		db, err := persist.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("[DB] Failed to connect: %v (running without snapshot persistence)\n", err)
		} else {
			if err := db.Migrate(); err != nil {
				log.Printf("[DB] Migration failed: %v\n", err)
			}
			opts.Snapshots = db
			log.Println("[DB] Snapshot persistence enabled")
		}
	} else {
		log.Println("[DB] DATABASE_URL not set, running without snapshot persistence")
	}

	store := rooms.NewStore(opts)
	go store.Run(context.Background(), cfg.SweepInterval)

	handler := Routes(&Server{Rooms: store})
	log.Printf("[Server] Listening on %s\n", cfg.Addr)
	return http.ListenAndServe(cfg.Addr, handler)
}

func Routes(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/rooms", s.handleCreateRoom)
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// journalApply is the binary's state-apply hook: the authoritative blob is
// a journal of confirmed actions in version order. Consumers that know the
// action vocabulary project real state out of it; this core does not.
func journalApply(state json.RawMessage, a protocol.GameAction) (json.RawMessage, error) {
	var doc struct {
		Log []protocol.GameAction `json:"log"`
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &doc); err != nil {
			return nil, fmt.Errorf("decoding journal: %w", err)
		}
	}
	doc.Log = append(doc.Log, a)
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding journal: %w", err)
	}
	return out, nil
}
