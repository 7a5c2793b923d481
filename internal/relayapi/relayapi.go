// Package relayapi exposes the relay's HTTP surface: machine registration,
// health, the roster, and the WebSocket upgrade endpoint that hands
// connections off to internal/relayhub. Modeled on the cmd/explorer
// Server{router, httpServer} / NewServer / routes() / Start() shape (since
// deleted from this tree once its blockchain handlers were replaced),
// using chi as the router and the writeJSON helper convention from that
// same file.
package relayapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shellsync/internal/apperr"
	"shellsync/internal/relayhub"
	"shellsync/internal/relaystore"
	"shellsync/internal/wireproto"
)

func aliasWireFromRow(w relaystore.AliasWriteRow) wireproto.AliasWire {
	return wireproto.AliasWire{
		Group:     w.Group,
		Name:      w.Name,
		CommandCT: w.CommandCT,
		Nonce:     w.Nonce,
		Version:   w.Version,
		UpdatedBy: w.UpdatedBy,
		UpdatedAt: w.UpdatedAt,
		Tombstone: w.Tombstone,
	}
}

func aliasRowFromWire(a wireproto.AliasWire) relaystore.AliasWriteRow {
	return relaystore.AliasWriteRow{
		Group:     a.Group,
		Name:      a.Name,
		CommandCT: a.CommandCT,
		Nonce:     a.Nonce,
		Version:   a.Version,
		UpdatedBy: a.UpdatedBy,
		UpdatedAt: a.UpdatedAt,
		Tombstone: a.Tombstone,
	}
}

func historyWireFromRow(h relaystore.HistoryEntryRow) wireproto.HistoryWire {
	return wireproto.HistoryWire{
		ID: h.ID, Group: h.Group, MachineID: h.MachineID, SessionID: h.SessionID,
		Timestamp: h.Timestamp, Shell: h.Shell,
		CommandCT: h.CommandCT, CommandN: h.CommandN,
		CwdCT: h.CwdCT, CwdN: h.CwdN,
		HostnameCT: h.HostnameCT, HostnameN: h.HostnameN,
		ExitCodeCT: h.ExitCodeCT, ExitCodeN: h.ExitCodeN,
		DurationCT: h.DurationCT, DurationN: h.DurationN,
		Tombstone: h.Tombstone,
	}
}

func historyRowFromWire(h wireproto.HistoryWire) relaystore.HistoryEntryRow {
	return relaystore.HistoryEntryRow{
		ID: h.ID, Group: h.Group, MachineID: h.MachineID, SessionID: h.SessionID,
		Timestamp: h.Timestamp, Shell: h.Shell,
		CommandCT: h.CommandCT, CommandN: h.CommandN,
		CwdCT: h.CwdCT, CwdN: h.CwdN,
		HostnameCT: h.HostnameCT, HostnameN: h.HostnameN,
		ExitCodeCT: h.ExitCodeCT, ExitCodeN: h.ExitCodeN,
		DurationCT: h.DurationCT, DurationN: h.DurationN,
		Tombstone: h.Tombstone,
	}
}

// Server is the relay's HTTP + WebSocket front end.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      *relaystore.Store
	hub        *relayhub.Hub
	upgrader   websocket.Upgrader
	log        *logrus.Logger
	startedAt  time.Time
}

// NewServer builds a relay HTTP server listening on addr.
func NewServer(addr string, store *relaystore.Store, hub *relayhub.Hub, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		store:     store,
		hub:       hub,
		log:       log,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Post("/register", s.handleRegister)
		api.Get("/machines", s.requireAuth(s.handleMachines))
		api.Get("/ws", s.requireAuth(s.handleWebSocket))

		api.Get("/aliases", s.requireAuth(s.handleListAliases))
		api.Post("/aliases", s.requireAuth(s.handleCreateAlias))
		api.Put("/aliases/{id}", s.requireAuth(s.handleUpdateAlias))
		api.Delete("/aliases/{id}", s.requireAuth(s.handleDeleteAlias))

		api.Post("/import", s.requireAuth(s.handleImport))

		api.Get("/conflicts", s.requireAuth(s.handleListConflicts))
		api.Post("/conflicts/resolve", s.requireAuth(s.handleResolveConflict))

		api.Get("/history", s.requireAuth(s.handleHistory))
	})
	return r
}

// Start begins serving and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	kind := apperr.As(err)
	writeJSON(w, apperr.HTTPStatus(kind), apperr.ToBody(err))
}

// writeForbidden answers a group-membership rejection. Group non-membership
// is a Validation-kind error internally, but the relay's documented HTTP
// contract reserves 403 for it specifically rather than the generic 400.
func writeForbidden(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusForbidden, apperr.ToBody(apperr.New(apperr.Validation, msg)))
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveMachines int    `json:"active_machines"`
	UptimeMS       int64  `json:"uptime_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.hub != nil {
		active = s.hub.ActiveCount()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		ActiveMachines: active,
		UptimeMS:       time.Since(s.startedAt).Milliseconds(),
	})
}

type registerRequest struct {
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Groups    []string `json:"groups"`
	PublicKey []byte `json:"public_key"`
}

type registerResponse struct {
	MachineID string `json:"machine_id"`
	AuthToken string `json:"auth_token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.New(apperr.Validation, "malformed register body"))
		return
	}
	machineID := uuid.NewString()
	token := uuid.NewString()

	groupsCSV := ""
	for i, g := range req.Groups {
		if i > 0 {
			groupsCSV += ","
		}
		groupsCSV += g
	}

	if err := s.store.RegisterMachine(r.Context(), machineID, req.Hostname, req.OS, groupsCSV, token, time.Now().UnixMilli()); err != nil {
		writeErr(w, apperr.Wrap(apperr.Fatal, err, "register machine"))
		return
	}
	if len(req.PublicKey) == 32 {
		_ = s.store.SetPublicKey(r.Context(), machineID, req.PublicKey)
	}
	writeJSON(w, http.StatusCreated, registerResponse{MachineID: machineID, AuthToken: token})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeErr(w, apperr.New(apperr.Auth, "missing bearer token"))
			return
		}
		machine, err := s.store.AuthenticateToken(r.Context(), token)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = s.store.TouchLastSeen(r.Context(), machine.ID, time.Now().UnixMilli())
		ctx := context.WithValue(r.Context(), ctxMachineKey{}, machine)
		next(w, r.WithContext(ctx))
	}
}

type ctxMachineKey struct{}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.store.ListMachines(r.Context())
	if err != nil {
		writeErr(w, apperr.Wrap(apperr.Transient, err, "list machines"))
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

func aliasID(group, name string) string { return group + ":" + name }

func parseAliasID(id string) (group, name string, ok bool) {
	group, name, found := strings.Cut(id, ":")
	if !found || group == "" || name == "" {
		return "", "", false
	}
	return group, name, true
}

func groupMember(machine relaystore.MachineRow, group string) bool {
	for _, g := range splitCSV(machine.GroupsCSV) {
		if g == group {
			return true
		}
	}
	return false
}

func machineFromContext(r *http.Request) relaystore.MachineRow {
	return r.Context().Value(ctxMachineKey{}).(relaystore.MachineRow)
}

type aliasResponse struct {
	ID        string `json:"id"`
	Group     string `json:"group"`
	Name      string `json:"name"`
	CommandCT []byte `json:"command_ct"`
	Nonce     []byte `json:"nonce"`
	Version   uint64 `json:"version"`
	UpdatedBy string `json:"updated_by"`
	UpdatedAt int64  `json:"updated_at"`
	Tombstone bool   `json:"tombstone"`
}

func aliasResponseFromRow(w relaystore.AliasWriteRow) aliasResponse {
	return aliasResponse{
		ID: aliasID(w.Group, w.Name), Group: w.Group, Name: w.Name,
		CommandCT: w.CommandCT, Nonce: w.Nonce, Version: w.Version,
		UpdatedBy: w.UpdatedBy, UpdatedAt: w.UpdatedAt, Tombstone: w.Tombstone,
	}
}

// handleListAliases returns the relay's current ciphertext snapshot for a
// group the authenticated machine belongs to.
func (s *Server) handleListAliases(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	if group == "" {
		writeErr(w, apperr.New(apperr.Validation, "group query parameter required"))
		return
	}
	machine := machineFromContext(r)
	if !groupMember(machine, group) {
		writeForbidden(w, "not a member of group")
		return
	}
	rows, err := s.store.ListAliasSnapshot(r.Context(), group)
	if err != nil {
		writeErr(w, apperr.Wrap(apperr.Transient, err, "list alias snapshot"))
		return
	}
	out := make([]aliasResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, aliasResponseFromRow(row))
	}
	writeJSON(w, http.StatusOK, out)
}

type aliasWriteRequest struct {
	Group     string `json:"group"`
	Name      string `json:"name"`
	CommandCT []byte `json:"command_ct"`
	Nonce     []byte `json:"nonce"`
	Version   uint64 `json:"version"`
}

// putAliasWrite validates group membership, persists req, records a relay
// conflict row on version collision, and writes the HTTP response. It backs
// both handleCreateAlias and handleUpdateAlias: a PUT is just a write to an
// identity that, unlike POST, is named by the URL instead of the body.
func (s *Server) putAliasWrite(w http.ResponseWriter, r *http.Request, req aliasWriteRequest) {
	machine := machineFromContext(r)
	if !groupMember(machine, req.Group) {
		writeForbidden(w, "not a member of group")
		return
	}
	row := relaystore.AliasWriteRow{
		Group: req.Group, Name: req.Name, Version: req.Version,
		CommandCT: req.CommandCT, Nonce: req.Nonce,
		UpdatedBy: machine.ID, UpdatedAt: time.Now().UnixMilli(),
	}
	err := s.store.PersistAliasWrite(r.Context(), row)
	if errors.Is(err, relaystore.ErrVersionConflict) {
		current, gerr := s.store.GetLatestAliasWrite(r.Context(), req.Group, req.Name)
		if gerr == nil {
			_ = s.store.CreateConflict(r.Context(), relaystore.ConflictRow{
				ID: uuid.NewString(), Group: req.Group, Name: req.Name,
				LocalCT: current.CommandCT, LocalNonce: current.Nonce,
				LocalMachine: current.UpdatedBy, LocalUpdatedAt: current.UpdatedAt, LocalVersion: current.Version,
				RemoteCT: row.CommandCT, RemoteNonce: row.Nonce,
				RemoteMachine: row.UpdatedBy, RemoteUpdatedAt: row.UpdatedAt, RemoteVersion: row.Version,
				CreatedAt: time.Now().UnixMilli(),
			})
		}
		writeErr(w, apperr.New(apperr.Conflict, "version conflict"))
		return
	}
	if err != nil {
		writeErr(w, apperr.Wrap(apperr.Fatal, err, "persist alias write"))
		return
	}
	if s.hub != nil {
		if frame, ferr := wireproto.Encode(wireproto.KindAliasWrite, 0, wireproto.AliasWritePayload{Alias: aliasWireFromRow(row)}); ferr == nil {
			s.hub.BroadcastToGroup(req.Group, frame, nil)
		}
	}
	writeJSON(w, http.StatusOK, aliasResponseFromRow(row))
}

// handleCreateAlias adds or updates an alias identified by the request body.
func (s *Server) handleCreateAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Group == "" || req.Name == "" {
		writeErr(w, apperr.New(apperr.Validation, "malformed alias body"))
		return
	}
	s.putAliasWrite(w, r, req)
}

// handleUpdateAlias adds or updates the alias named by the URL, per spec.md's
// PUT /aliases/{id} contract (id is the opaque "group:name" pair returned by
// GET /aliases, since model.Alias has no standalone id field).
func (s *Server) handleUpdateAlias(w http.ResponseWriter, r *http.Request) {
	group, name, ok := parseAliasID(chi.URLParam(r, "id"))
	if !ok {
		writeErr(w, apperr.New(apperr.Validation, "malformed alias id"))
		return
	}
	var req aliasWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.New(apperr.Validation, "malformed alias body"))
		return
	}
	req.Group, req.Name = group, name
	s.putAliasWrite(w, r, req)
}

// handleDeleteAlias tombstones an alias by writing a new, strictly greater
// version that carries the forward flag rather than erasing history.
func (s *Server) handleDeleteAlias(w http.ResponseWriter, r *http.Request) {
	group, name, ok := parseAliasID(chi.URLParam(r, "id"))
	if !ok {
		writeErr(w, apperr.New(apperr.Validation, "malformed alias id"))
		return
	}
	machine := machineFromContext(r)
	if !groupMember(machine, group) {
		writeForbidden(w, "not a member of group")
		return
	}
	current, err := s.store.GetLatestAliasWrite(r.Context(), group, name)
	if err != nil {
		writeErr(w, err)
		return
	}
	row := relaystore.AliasWriteRow{
		Group: group, Name: name, Version: current.Version + 1,
		CommandCT: current.CommandCT, Nonce: current.Nonce,
		UpdatedBy: machine.ID, UpdatedAt: time.Now().UnixMilli(), Tombstone: true,
	}
	if err := s.store.PersistAliasWrite(r.Context(), row); err != nil {
		writeErr(w, apperr.Wrap(apperr.Fatal, err, "persist alias tombstone"))
		return
	}
	if s.hub != nil {
		if frame, ferr := wireproto.Encode(wireproto.KindAliasWrite, 0, wireproto.AliasWritePayload{Alias: aliasWireFromRow(row)}); ferr == nil {
			s.hub.BroadcastToGroup(group, frame, nil)
		}
	}
	writeJSON(w, http.StatusOK, aliasResponseFromRow(row))
}

// secretNamePattern flags alias names that look like they hold a credential
// rather than a shell shortcut (distinct from cmd/shellsync/import.go's
// looksLikeSecret, which scans history line content instead of alias names).
var secretNamePattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key|private[_-]?key|aws[_-]?(access|secret))`)

func looksLikeSecretName(name string) bool {
	return secretNamePattern.MatchString(name)
}

type importEntry struct {
	Name      string `json:"name"`
	CommandCT []byte `json:"command_ct"`
	Nonce     []byte `json:"nonce"`
	Version   uint64 `json:"version"`
}

type importRequest struct {
	Group   string        `json:"group"`
	Entries []importEntry `json:"entries"`
}

type importResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type importResponse struct {
	Added   int            `json:"added"`
	Failed  int            `json:"failed"`
	Results []importResult `json:"results"`
}

// handleImport bulk-adds aliases to a group in one request, rejecting any
// entry whose name looks like a credential and any request for a group the
// machine does not belong to.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Group == "" {
		writeErr(w, apperr.New(apperr.Validation, "malformed import body"))
		return
	}
	machine := machineFromContext(r)
	if !groupMember(machine, req.Group) {
		writeForbidden(w, "not a member of group")
		return
	}
	resp := importResponse{Results: make([]importResult, 0, len(req.Entries))}
	for _, entry := range req.Entries {
		if looksLikeSecretName(entry.Name) {
			resp.Failed++
			resp.Results = append(resp.Results, importResult{Name: entry.Name, OK: false, Error: "name looks like a secret"})
			continue
		}
		row := relaystore.AliasWriteRow{
			Group: req.Group, Name: entry.Name, Version: entry.Version,
			CommandCT: entry.CommandCT, Nonce: entry.Nonce,
			UpdatedBy: machine.ID, UpdatedAt: time.Now().UnixMilli(),
		}
		if err := s.store.PersistAliasWrite(r.Context(), row); err != nil {
			resp.Failed++
			resp.Results = append(resp.Results, importResult{Name: entry.Name, OK: false, Error: err.Error()})
			continue
		}
		resp.Added++
		resp.Results = append(resp.Results, importResult{Name: entry.Name, OK: true})
	}
	writeJSON(w, http.StatusOK, resp)
}

type conflictResponse struct {
	ID              string `json:"id"`
	Group           string `json:"group"`
	Name            string `json:"name"`
	LocalCT         []byte `json:"local_ct"`
	LocalNonce      []byte `json:"local_nonce"`
	LocalMachine    string `json:"local_machine"`
	LocalUpdatedAt  int64  `json:"local_updated_at"`
	LocalVersion    uint64 `json:"local_version"`
	RemoteCT        []byte `json:"remote_ct"`
	RemoteNonce     []byte `json:"remote_nonce"`
	RemoteMachine   string `json:"remote_machine"`
	RemoteUpdatedAt int64  `json:"remote_updated_at"`
	RemoteVersion   uint64 `json:"remote_version"`
	CreatedAt       int64  `json:"created_at"`
	Resolution      string `json:"resolution"`
}

func conflictResponseFromRow(c relaystore.ConflictRow) conflictResponse {
	return conflictResponse{
		ID: c.ID, Group: c.Group, Name: c.Name,
		LocalCT: c.LocalCT, LocalNonce: c.LocalNonce, LocalMachine: c.LocalMachine,
		LocalUpdatedAt: c.LocalUpdatedAt, LocalVersion: c.LocalVersion,
		RemoteCT: c.RemoteCT, RemoteNonce: c.RemoteNonce, RemoteMachine: c.RemoteMachine,
		RemoteUpdatedAt: c.RemoteUpdatedAt, RemoteVersion: c.RemoteVersion,
		CreatedAt: c.CreatedAt, Resolution: c.Resolution,
	}
}

// handleListConflicts lists relay-recorded conflicts, optionally filtered by
// group, restricted to groups the authenticated machine belongs to.
func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	machine := machineFromContext(r)
	if group != "" && !groupMember(machine, group) {
		writeErr(w, apperr.New(apperr.Auth, "not a member of group"))
		return
	}
	rows, err := s.store.ListConflicts(r.Context(), group)
	if err != nil {
		writeErr(w, apperr.Wrap(apperr.Transient, err, "list conflicts"))
		return
	}
	memberGroups := splitCSV(machine.GroupsCSV)
	out := make([]conflictResponse, 0, len(rows))
	for _, row := range rows {
		if group == "" && !containsStr(memberGroups, row.Group) {
			continue
		}
		out = append(out, conflictResponseFromRow(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func containsStr(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

type resolveConflictRequest struct {
	ID         string `json:"id"`
	Resolution string `json:"resolution"` // "keep_local" or "keep_remote"
}

// handleResolveConflict picks one recorded ciphertext side and writes it as
// the next version, without ever decrypting either side: the relay's
// resolution is a selection between two opaque blobs, not a merge.
func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apperr.New(apperr.Validation, "malformed resolve body"))
		return
	}
	if req.Resolution != "keep_local" && req.Resolution != "keep_remote" {
		writeErr(w, apperr.New(apperr.Validation, "resolution must be keep_local or keep_remote"))
		return
	}
	conflict, err := s.store.GetConflict(r.Context(), req.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	machine := machineFromContext(r)
	if !groupMember(machine, conflict.Group) {
		writeErr(w, apperr.New(apperr.Auth, "not a member of group"))
		return
	}
	nextVersion := conflict.LocalVersion
	if conflict.RemoteVersion > nextVersion {
		nextVersion = conflict.RemoteVersion
	}
	nextVersion++

	row := relaystore.AliasWriteRow{Group: conflict.Group, Name: conflict.Name, Version: nextVersion, UpdatedBy: machine.ID, UpdatedAt: time.Now().UnixMilli()}
	if req.Resolution == "keep_local" {
		row.CommandCT, row.Nonce = conflict.LocalCT, conflict.LocalNonce
	} else {
		row.CommandCT, row.Nonce = conflict.RemoteCT, conflict.RemoteNonce
	}
	if err := s.store.PersistAliasWrite(r.Context(), row); err != nil {
		writeErr(w, apperr.Wrap(apperr.Fatal, err, "persist resolved alias write"))
		return
	}
	if err := s.store.ResolveConflict(r.Context(), conflict.ID, req.Resolution); err != nil {
		writeErr(w, apperr.Wrap(apperr.Fatal, err, "mark conflict resolved"))
		return
	}
	if s.hub != nil {
		if frame, ferr := wireproto.Encode(wireproto.KindAliasWrite, 0, wireproto.AliasWritePayload{Alias: aliasWireFromRow(row)}); ferr == nil {
			s.hub.BroadcastToGroup(conflict.Group, frame, nil)
		}
	}
	writeJSON(w, http.StatusOK, aliasResponseFromRow(row))
}

// handleHistory returns up to limit history entries across every group the
// authenticated machine belongs to, newest activity included.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	machine := machineFromContext(r)
	var out []wireproto.HistoryWire
	for _, group := range splitCSV(machine.GroupsCSV) {
		rows, err := s.store.ListHistoryDelta(r.Context(), group, 0)
		if err != nil {
			writeErr(w, apperr.Wrap(apperr.Transient, err, "list history"))
			return
		}
		for _, row := range rows {
			out = append(out, historyWireFromRow(row))
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	machine := r.Context().Value(ctxMachineKey{}).(relaystore.MachineRow)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	groups := splitCSV(machine.GroupsCSV)
	client := s.hub.Register(r.Context(), conn, machine.ID, groups)
	s.dispatch(r.Context(), client)
}

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out = append(out, csv[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// dispatch is the relay's per-connection frame loop: every accepted
// alias_write/history_batch is persisted to relaystore before being
// fanned back out. The relay never inspects ciphertext payloads beyond
// their envelope, and key_request/key_response/key_update frames are
// routed opaquely between members.
func (s *Server) dispatch(ctx context.Context, c *relayhub.Client) {
	for {
		frame, err := c.ReadFrame()
		if err != nil {
			return
		}
		if ok, retryAfter := s.hub.Allow(c.MachineID, len(frame.Payload)); !ok {
			out, _ := wireproto.Encode(wireproto.KindThrottle, c.NextSeq(), wireproto.ThrottlePayload{
				Reason: "rate limit exceeded", RetryAfterMS: retryAfter.Milliseconds(),
			})
			c.Send(out)
			continue
		}
		switch frame.Kind {
		case wireproto.KindSnapshotRequest:
			s.handleSnapshotRequest(ctx, c, frame)
		case wireproto.KindDeltaRequest:
			s.handleDeltaRequest(ctx, c, frame)
		case wireproto.KindAliasWrite:
			s.handleAliasWrite(ctx, c, frame)
		case wireproto.KindHistoryBatch:
			s.handleHistoryBatch(ctx, c, frame)
		case wireproto.KindKeyRequest:
			s.handleKeyRequest(c, frame)
		case wireproto.KindKeyResponse:
			s.handleKeyResponse(c, frame)
		case wireproto.KindKeyUpdate:
			s.handleKeyUpdate(c, frame)
		default:
			s.sendError(c, "validation", "unknown frame kind")
		}
	}
}

func (s *Server) sendError(c *relayhub.Client, kind, msg string) {
	resp, _ := wireproto.Encode(wireproto.KindError, c.NextSeq(), wireproto.ErrorPayload{Kind: kind, Message: msg})
	c.Send(resp)
}

// handleSnapshotRequest answers with the relay's full current-state dump
// for a group: every live alias plus the entire history backlog, the
// dump a client needs on its very first connect.
func (s *Server) handleSnapshotRequest(ctx context.Context, c *relayhub.Client, frame wireproto.Frame) {
	var req wireproto.SnapshotRequestPayload
	if err := frame.Decode(&req); err != nil {
		s.sendError(c, "validation", "malformed snapshot_request")
		return
	}
	aliasRows, err := s.store.ListAliasSnapshot(ctx, req.Group)
	if err != nil {
		s.sendError(c, "transient", "list alias snapshot")
		return
	}
	historyRows, err := s.store.ListHistoryDelta(ctx, req.Group, 0)
	if err != nil {
		s.sendError(c, "transient", "list history")
		return
	}
	s.sendSnapshot(c, req.Group, aliasRows, historyRows)
}

// handleDeltaRequest answers with everything the relay has accepted since
// the requester's last-known alias version and history timestamp.
func (s *Server) handleDeltaRequest(ctx context.Context, c *relayhub.Client, frame wireproto.Frame) {
	var req wireproto.DeltaRequestPayload
	if err := frame.Decode(&req); err != nil {
		s.sendError(c, "validation", "malformed delta_request")
		return
	}
	aliasRows, err := s.store.ListAliasDelta(ctx, req.Group, req.SinceAliasVersion)
	if err != nil {
		s.sendError(c, "transient", "list alias delta")
		return
	}
	historyRows, err := s.store.ListHistoryDelta(ctx, req.Group, req.SinceHistoryTimestamp)
	if err != nil {
		s.sendError(c, "transient", "list history delta")
		return
	}
	s.sendSnapshot(c, req.Group, aliasRows, historyRows)
}

func (s *Server) sendSnapshot(c *relayhub.Client, group string, aliasRows []relaystore.AliasWriteRow, historyRows []relaystore.HistoryEntryRow) {
	aliases := make([]wireproto.AliasWire, len(aliasRows))
	for i, a := range aliasRows {
		aliases[i] = aliasWireFromRow(a)
	}
	history := make([]wireproto.HistoryWire, len(historyRows))
	for i, h := range historyRows {
		history[i] = historyWireFromRow(h)
	}
	payload := wireproto.SnapshotPayload{Group: group, Aliases: aliases, History: history, AsOf: time.Now().UnixMilli()}
	resp, _ := wireproto.Encode(wireproto.KindSnapshot, c.NextSeq(), payload)
	c.Send(resp)
}

// handleAliasWrite persists the write before ever acknowledging or fanning
// it out, then broadcasts to the rest of the group and acks the sender.
func (s *Server) handleAliasWrite(ctx context.Context, c *relayhub.Client, frame wireproto.Frame) {
	var req wireproto.AliasWritePayload
	if err := frame.Decode(&req); err != nil {
		s.sendError(c, "validation", "malformed alias_write")
		return
	}
	row := aliasRowFromWire(req.Alias)
	err := s.store.PersistAliasWrite(ctx, row)
	ack := wireproto.AliasAckPayload{PendingID: req.PendingID, Accepted: err == nil}
	if err != nil {
		if errors.Is(err, relaystore.ErrVersionConflict) {
			ack.Reason = "version conflict"
		} else {
			ack.Reason = "persist failed"
		}
	}
	ackFrame, _ := wireproto.Encode(wireproto.KindAliasAck, c.NextSeq(), ack)
	c.Send(ackFrame)

	if err == nil {
		broadcast, _ := wireproto.Encode(wireproto.KindAliasWrite, c.NextSeq(), req)
		s.hub.BroadcastToGroup(req.Alias.Group, broadcast, c)
	}
}

// handleHistoryBatch persists every entry (idempotent on id) before
// broadcasting the batch onward and acking the sender.
func (s *Server) handleHistoryBatch(ctx context.Context, c *relayhub.Client, frame wireproto.Frame) {
	var req wireproto.HistoryBatchPayload
	if err := frame.Decode(&req); err != nil {
		s.sendError(c, "validation", "malformed history_batch")
		return
	}
	for _, entry := range req.Entries {
		if err := s.store.PersistHistoryEntry(ctx, historyRowFromWire(entry)); err != nil {
			s.sendError(c, "transient", "persist history entry")
			return
		}
	}
	ack := wireproto.HistoryAckPayload{PendingIDs: req.PendingIDs}
	ackFrame, _ := wireproto.Encode(wireproto.KindHistoryAck, c.NextSeq(), ack)
	c.Send(ackFrame)

	if len(req.Entries) > 0 {
		broadcast, _ := wireproto.Encode(wireproto.KindHistoryBatch, c.NextSeq(), req)
		s.hub.BroadcastToGroup(req.Entries[0].Group, broadcast, c)
	}
}

// handleKeyRequest broadcasts a joiner's key request to the rest of the
// group, opaquely: the relay never holds or inspects the group key, it
// only routes envelopes between members.
func (s *Server) handleKeyRequest(c *relayhub.Client, frame wireproto.Frame) {
	var req wireproto.KeyRequestPayload
	if err := frame.Decode(&req); err != nil {
		s.sendError(c, "validation", "malformed key_request")
		return
	}
	out, _ := wireproto.Encode(wireproto.KindKeyRequest, c.NextSeq(), req)
	s.hub.BroadcastToGroup(req.Group, out, c)
}

// handleKeyResponse routes a wrapped group key directly to the requesting
// joiner, if it is still connected.
func (s *Server) handleKeyResponse(c *relayhub.Client, frame wireproto.Frame) {
	var resp wireproto.KeyResponsePayload
	if err := frame.Decode(&resp); err != nil {
		s.sendError(c, "validation", "malformed key_response")
		return
	}
	target := s.hub.FindByMachineID(resp.Group, resp.JoinerMachineID)
	if target == nil {
		return
	}
	out, _ := wireproto.Encode(wireproto.KindKeyResponse, target.NextSeq(), resp)
	s.hub.SendTo(target, out)
}

// handleKeyUpdate delivers each recipient's wrapped share of a rotated
// group key directly to that recipient, if connected.
func (s *Server) handleKeyUpdate(c *relayhub.Client, frame wireproto.Frame) {
	var upd wireproto.KeyUpdatePayload
	if err := frame.Decode(&upd); err != nil {
		s.sendError(c, "validation", "malformed key_update")
		return
	}
	for _, recipient := range upd.WrappedPerKB {
		target := s.hub.FindByMachineID(upd.Group, recipient.JoinerMachineID)
		if target == nil {
			continue
		}
		single := wireproto.KeyUpdatePayload{Group: upd.Group, WrappedPerKB: []wireproto.KeyResponsePayload{recipient}}
		out, _ := wireproto.Encode(wireproto.KindKeyUpdate, target.NextSeq(), single)
		s.hub.SendTo(target, out)
	}
}
