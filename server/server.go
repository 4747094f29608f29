package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/decred/slog"

	"github.com/bigspider/rpsledger/rpsgame"
	"github.com/bigspider/rpsledger/server/serverdb"
)

// ServerConfig collects everything needed to run the rpsledger server.
type ServerConfig struct {
	// ServerDir is the data directory; the game archive lives at
	// ServerDir/server.db.
	ServerDir string

	ListenAddr string

	PriceAtoms int64
	BondAtoms  int64
	Window     time.Duration

	Log slog.Logger

	// Clock overrides the ledger time source (tests). Nil means time.Now.
	Clock func() time.Time
}

// Server exposes the authoritative ledger over HTTP: one POST route per
// mutating action, a full-snapshot query, and a server-sent event stream of
// ledger notifications.
type Server struct {
	log        slog.Logger
	ledger     *Ledger
	db         serverdb.ServerDB
	httpServer *http.Server
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("server must have logger")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("missing listen address")
	}

	var db serverdb.ServerDB
	if cfg.ServerDir != "" {
		var err error
		db, err = serverdb.NewBoltDB(filepath.Join(cfg.ServerDir, "server.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	ledger, err := NewLedger(LedgerConfig{
		PriceAtoms: cfg.PriceAtoms,
		BondAtoms:  cfg.BondAtoms,
		Window:     cfg.Window,
		Clock:      cfg.Clock,
		DB:         db,
		Log:        cfg.Log,
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	s := &Server{
		log:    cfg.Log,
		ledger: ledger,
		db:     db,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /commit", s.handleCommit)
	mux.HandleFunc("POST /reveal", s.handleReveal)
	mux.HandleFunc("POST /abort", s.handleAbort)
	mux.HandleFunc("POST /forfeit", s.handleForfeit)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /events", s.handleEvents)
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	return s, nil
}

// Ledger returns the server's authoritative ledger.
func (s *Server) Ledger() *Ledger { return s.ledger }

// Handler returns the HTTP handler (tests serve it via httptest).
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves HTTP until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.log.Infof("Serving ledger on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops the HTTP server first so event streams drain, then closes
// the database last.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Errorf("Error shutting down HTTP server: %v", err)
	}

	if s.db != nil {
		s.log.Info("Closing database...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing database: %v", err)
		}
	}

	s.log.Info("Server shut down completed.")
	return nil
}

type registerRequest struct {
	Account string `json:"account"`
	Payment int64  `json:"payment"`
}

type registerResponse struct {
	Change int64 `json:"change"`
}

type commitRequest struct {
	Account    string             `json:"account"`
	Commitment rpsgame.Commitment `json:"commitment"`
}

type revealRequest struct {
	Account string         `json:"account"`
	Choice  rpsgame.Choice `json:"choice"`
	Nonce   rpsgame.Nonce  `json:"nonce"`
}

type accountRequest struct {
	Account string `json:"account"`
}

// StateResponse is the full-snapshot reply of GET /state. Stakes and the
// timeout window ride along so clients never need their own copy of the
// deployment parameters.
type StateResponse struct {
	Game       rpsgame.Game        `json:"game"`
	LastGame   *rpsgame.GameRecord `json:"lastGame,omitempty"`
	PriceAtoms int64               `json:"priceAtoms"`
	BondAtoms  int64               `json:"bondAtoms"`
	WindowSecs int64               `json:"windowSeconds"`
}

type errorResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	change, err := s.ledger.Register(req.Account, req.Payment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, registerResponse{Change: change})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ledger.Commit(req.Account, req.Commitment); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, struct{}{})
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	var req revealRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Choice.Valid() {
		s.writeStatus(w, http.StatusBadRequest, errorResponse{Message: fmt.Sprintf("invalid choice %d", req.Choice)})
		return
	}
	if err := s.ledger.Reveal(req.Account, req.Choice, req.Nonce); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, struct{}{})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ledger.Abort(req.Account); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, struct{}{})
}

func (s *Server) handleForfeit(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ledger.Forfeit(req.Account); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, struct{}{})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	game, last := s.ledger.State()
	price, bond := s.ledger.Price()
	s.writeJSON(w, StateResponse{
		Game:       game,
		LastGame:   last,
		PriceAtoms: price,
		BondAtoms:  bond,
		WindowSecs: int64(s.ledger.Window() / time.Second),
	})
}

// handleEvents streams ledger notifications as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeStatus(w, http.StatusInternalServerError, errorResponse{Message: "streaming unsupported"})
		return
	}

	ch, unsub := s.ledger.Subscribe()
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ch:
			data, err := json.Marshal(n)
			if err != nil {
				s.log.Errorf("marshal notification: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeStatus(w, http.StatusBadRequest, errorResponse{Message: fmt.Sprintf("bad request body: %v", err)})
		return false
	}
	return true
}

// writeError maps protocol validation errors to 409 with their stable wire
// code; anything else is an internal error.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if code := rpsgame.ErrorCode(err); code != "" {
		s.writeStatus(w, http.StatusConflict, errorResponse{Code: code, Message: err.Error()})
		return
	}
	s.log.Errorf("internal error: %v", err)
	s.writeStatus(w, http.StatusInternalServerError, errorResponse{Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	s.writeStatus(w, http.StatusOK, v)
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("encode response: %v", err)
	}
}
