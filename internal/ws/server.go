package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/escalada/livecontest/internal/access"
	"github.com/escalada/livecontest/internal/auth"
	"github.com/escalada/livecontest/internal/box"
	"github.com/escalada/livecontest/internal/command"
	"github.com/escalada/livecontest/internal/public"
	"github.com/escalada/livecontest/internal/ratelimit"
	"github.com/escalada/livecontest/internal/storage"
	"github.com/gorilla/websocket"
)

// Server wires the command path and both fan-out planes into an
// http.ServeMux, grounded on the teacher's internal/ws.Server (origin
// checking, mux wiring) generalized from a single shared auth token to
// the role+box claims model of spec.md §4.I.
type Server struct {
	registry  *box.Registry
	limiter   *ratelimit.Limiter
	issuer    *auth.Issuer
	boxStore  *storage.BoxStore
	auditLog  *storage.AuditLog

	hub       *Hub
	publicHub *PublicHub

	originsMu      sync.RWMutex
	allowedOrigins map[string]bool
	officials      func() storage.Officials

	// serverSideTimer is read on every command and can be flipped by a
	// SIGHUP config reload (SPEC_FULL.md's config-hot-reload supplement),
	// hence the atomic rather than a plain bool.
	serverSideTimer atomic.Bool
}

// NewServer returns a Server ready to have its routes mounted.
func NewServer(registry *box.Registry, limiter *ratelimit.Limiter, issuer *auth.Issuer, boxStore *storage.BoxStore, auditLog *storage.AuditLog, allowedOrigins []string, officials func() storage.Officials, serverSideTimer bool) *Server {
	s := &Server{
		registry:       registry,
		limiter:        limiter,
		issuer:         issuer,
		boxStore:       boxStore,
		auditLog:       auditLog,
		hub:            NewHub(),
		publicHub:      NewPublicHub(),
		allowedOrigins: make(map[string]bool),
		officials:      officials,
	}
	s.serverSideTimer.Store(serverSideTimer)
	s.UpdateOrigins(allowedOrigins)
	return s
}

// UpdateOrigins replaces the CORS/WS-origin allowlist in place. Safe for
// concurrent use with checkOrigin; used by a SIGHUP config reload
// (cmd/server/main.go) to retune ALLOWED_ORIGINS without a restart.
func (s *Server) UpdateOrigins(origins []string) {
	next := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			next[o] = true
		}
	}
	s.originsMu.Lock()
	s.allowedOrigins = next
	s.originsMu.Unlock()
}

// SetServerSideTimer toggles the SERVER_SIDE_TIMER mode (spec.md §6.7) at
// runtime, for the same SIGHUP reload path.
func (s *Server) SetServerSideTimer(v bool) {
	s.serverSideTimer.Store(v)
}

// SetupRoutes mounts every endpoint of spec.md §6.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/cmd", s.handleCommand)
	mux.HandleFunc("/api/state/", s.handleState)
	mux.HandleFunc("/api/ws/", s.handleWS)
	mux.HandleFunc("/api/public/token", s.handlePublicToken)
	mux.HandleFunc("/api/public/boxes", s.handlePublicBoxes)
	mux.HandleFunc("/api/public/ws", s.handlePublicWS)
	mux.HandleFunc("/api/public/ws/", s.handlePublicWSBox)
}

// HeartbeatLoop pings every connected peer on both planes every
// PingInterval until done is closed (spec.md §4.G, §5).
func (s *Server) HeartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			s.hub.Heartbeat(now)
			s.publicHub.Heartbeat(now)
		}
	}
}

// Hub and PublicHub expose the server's two fan-out planes to callers
// outside the package.
func (s *Server) Hub() *Hub             { return s.hub }
func (s *Server) PublicHub() *PublicHub { return s.publicHub }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// authenticate extracts and verifies the request's bearer token.
func (s *Server) authenticate(r *http.Request) (*auth.Claims, error) {
	tok := auth.ExtractToken(r)
	if tok == "" {
		return nil, auth.ErrInvalidToken
	}
	return s.issuer.Verify(tok)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	claims, err := s.authenticate(r)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	var raw command.Raw
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_command")
		return
	}

	cmd, err := command.Validate(raw)
	if err != nil {
		var ve *command.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Reason)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_command")
		return
	}

	if err := access.CheckCommand(claims, cmd.BoxID); err != nil {
		s.writeAccessError(w, err)
		return
	}

	if allow, reason := s.limiter.Allow(cmd.BoxID, cmd.Type, time.Now()); !allow {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"status": "denied", "reason": string(reason)})
		return
	}

	actor := auth.NewActor(claims.Subject, claims.Role, r)
	ctx := auth.WithActor(r.Context(), actor)

	var result box.Result
	var snapshot *box.Box
	now := time.Now()
	nowMs := now.UnixMilli()
	s.registry.With(cmd.BoxID, func(b *box.Box) {
		if cmd.Type == command.TimerSync && !s.serverSideTimer.Load() {
			// Legacy client timer mode (SERVER_SIDE_TIMER=0): accept the
			// client's reported remaining time even while running,
			// rather than the server's own authoritative countdown.
			if reason := box.Guard(b, cmd); reason != "" {
				result = box.Result{Ignored: reason}
				return
			}
			b.ForceSyncTimer(cmd.Remaining)
			b.UpdatedAt = now
			result = box.Result{Echo: &box.Echo{Type: cmd.Type, BoxID: b.ID, Payload: map[string]any{"timerRemainingSec": b.TimerRemainingSec}}}
		} else {
			result = box.Apply(b, cmd, now)
		}
		if result.Ignored != "" {
			return
		}
		snapshot = b.Clone()

		// Broadcasts are enqueued here, still holding the per-box lock, so
		// that two rapid commands on the same box can never have their
		// echoes/snapshots land in an order other than the one they were
		// applied in (spec.md §4.G, §5).
		if result.SnapshotRequired {
			s.hub.BroadcastSnapshot(cmd.BoxID, snapshot, nowMs)
		} else if result.Echo != nil {
			s.hub.BroadcastEcho(cmd.BoxID, result.Echo)
		}
		if update, ok := public.BuildBoxUpdate(cmd.Type, snapshot, nowMs); ok {
			s.publicHub.BroadcastBoxUpdate(cmd.BoxID, update)
		}
	})

	if result.Ignored != "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": string(result.Ignored)})
		return
	}

	s.boxStore.Save(snapshot)
	if s.auditLog != nil {
		ev := storage.NewAuditEvent(snapshot.ID, string(cmd.Type), cmd.ActionID, snapshot.BoxVersion, snapshot.SessionID, auth.ActorFromContext(ctx), raw)
		if err := s.auditLog.Append(ev); err != nil {
			log.Printf("ws: audit append failed for box %d: %v", snapshot.ID, err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	boxID, err := parsePathID(r.URL.Path, "/api/state/")
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	claims, err := s.authenticate(r)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	if err := access.CheckRead(claims, boxID); err != nil {
		s.writeAccessError(w, err)
		return
	}

	b, ok := s.registry.Get(boxID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	s.attachOfficials(b)
	writeJSON(w, http.StatusOK, BuildSnapshot(b, time.Now().UnixMilli()))
}

func (s *Server) attachOfficials(b *box.Box) {
	if s.officials == nil {
		return
	}
	o := s.officials()
	b.JudgeChief = o.JudgeChief
	b.CompetitionDirector = o.CompetitionDirector
	b.ChiefRoutesetter = o.ChiefRoutesetter
}

func parsePathID(path, prefix string) (int, error) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimSuffix(rest, "/")
	return strconv.Atoi(rest)
}

var upgrader = websocket.Upgrader{}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	s.originsMu.RLock()
	allowed := s.allowedOrigins
	s.originsMu.RUnlock()
	if len(allowed) == 0 {
		return true
	}
	if allowed[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return allowed[parsed.Host]
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	boxID, err := parsePathID(r.URL.Path, "/api/ws/")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	claims, authErr := s.authenticate(r)
	if authErr != nil {
		closeBeforeUpgrade(w, r, CloseTokenRequired)
		return
	}
	if err := access.CheckRead(claims, boxID); err != nil {
		closeBeforeUpgrade(w, r, CloseForbidden)
		return
	}

	up := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	p := s.hub.Subscribe(boxID, conn)
	if b, ok := s.registry.Get(boxID); ok {
		s.attachOfficials(b)
		s.hub.SendSnapshotTo(boxID, p, b, time.Now().UnixMilli())
	}

	conn.SetReadDeadline(time.Now().Add(ReceiveTimeout))
	conn.SetPongHandler(func(string) error {
		p.touchPong()
		conn.SetReadDeadline(time.Now().Add(ReceiveTimeout))
		return nil
	})

	defer func() {
		s.hub.Unsubscribe(boxID, p)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case FramePong:
			p.touchPong()
		case FrameRequestState:
			claims, err := s.authenticate(r)
			if err != nil || access.CheckRead(claims, boxID) != nil {
				continue
			}
			if b, ok := s.registry.Get(boxID); ok {
				s.attachOfficials(b)
				s.hub.SendSnapshotTo(boxID, p, b, time.Now().UnixMilli())
			}
		}
	}
}

func closeBeforeUpgrade(w http.ResponseWriter, r *http.Request, code int) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(SendTimeout))
	conn.Close()
}

func (s *Server) handlePublicToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	tok, err := s.issuer.IssuePublic()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

type publicBoxSummary struct {
	BoxID          int    `json:"boxId"`
	Label          string `json:"label"`
	TimerState     string `json:"timerState"`
	CurrentClimber string `json:"currentClimber"`
	Categorie      string `json:"categorie"`
}

func (s *Server) handlePublicBoxes(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		s.writeAuthError(w, err)
		return
	}

	states := s.registry.GetAllStatesSnapshot()
	out := make([]publicBoxSummary, 0, len(states))
	for _, b := range states {
		if !b.Initiated {
			continue
		}
		out = append(out, publicBoxSummary{
			BoxID:          b.ID,
			Label:          b.Categorie,
			TimerState:     string(b.TimerState),
			CurrentClimber: b.CurrentClimber,
			Categorie:      b.Categorie,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePublicWS(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		closeBeforeUpgrade(w, r, CloseTokenRequired)
		return
	}

	up := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := s.publicHub.SubscribeAggregate(conn)
	states := s.registry.GetAllStatesSnapshot()
	for _, b := range states {
		s.attachOfficials(b)
	}
	s.publicHub.SendSnapshotTo(p, states, time.Now().UnixMilli())

	s.runPublicReadLoop(conn, p, func() {
		states := s.registry.GetAllStatesSnapshot()
		for _, b := range states {
			s.attachOfficials(b)
		}
		s.publicHub.SendSnapshotTo(p, states, time.Now().UnixMilli())
	}, func() {
		s.publicHub.UnsubscribeAggregate(p)
	})
}

func (s *Server) handlePublicWSBox(w http.ResponseWriter, r *http.Request) {
	boxID, err := parsePathID(r.URL.Path, "/api/public/ws/")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if _, err := s.authenticate(r); err != nil {
		closeBeforeUpgrade(w, r, CloseTokenRequired)
		return
	}

	up := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := s.publicHub.SubscribeBox(boxID, conn)
	if b, ok := s.registry.Get(boxID); ok {
		s.attachOfficials(b)
		s.publicHub.SendBoxSnapshotTo(boxID, p, b, time.Now().UnixMilli())
	}

	s.runPublicReadLoop(conn, p, func() {
		if b, ok := s.registry.Get(boxID); ok {
			s.attachOfficials(b)
			s.publicHub.SendBoxSnapshotTo(boxID, p, b, time.Now().UnixMilli())
		}
	}, func() {
		s.publicHub.UnsubscribeBox(boxID, p)
	})
}

// runPublicReadLoop implements spec.md §6.4's "client -> server only
// PONG / REQUEST_STATE; anything else is silently ignored" rule, shared
// by both public WS handlers.
func (s *Server) runPublicReadLoop(conn *websocket.Conn, p *peer, onRequestState func(), onClose func()) {
	conn.SetReadDeadline(time.Now().Add(ReceiveTimeout))
	conn.SetPongHandler(func(string) error {
		p.touchPong()
		conn.SetReadDeadline(time.Now().Add(ReceiveTimeout))
		return nil
	})
	defer onClose()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case FramePong:
			p.touchPong()
		case FrameRequestState:
			onRequestState()
		}
	}
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrTokenExpired) {
		writeError(w, http.StatusUnauthorized, "token_expired")
		return
	}
	writeError(w, http.StatusUnauthorized, "invalid_token")
}

func (s *Server) writeAccessError(w http.ResponseWriter, err error) {
	reason, ok := access.ReasonOf(err)
	if !ok {
		reason = access.ReasonForbiddenRole
	}
	writeError(w, http.StatusForbidden, string(reason))
}
