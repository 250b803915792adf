package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vkrunner/runner/internal/domain"
	"github.com/vkrunner/runner/internal/protocol"
)

// AdminStore is the subset of the control-plane store the admin API
// needs to accept workspace/session/intent submissions for local
// development and integration tests.
type AdminStore interface {
	CreateWorkspace(ctx context.Context, ws domain.Workspace, repos []domain.WorkspaceRepo, initialSessionTitle string) (domain.Workspace, error)
	CreateSession(ctx context.Context, sess domain.Session) error
}

// AdminAPI exposes a small REST surface over a Hub and Store for
// driving the reference control plane without a real UI: submit a
// workspace, start a session, and dispatch an intent to it.
type AdminAPI struct {
	hub   *Hub
	store AdminStore
}

// NewAdminAPI creates an AdminAPI.
func NewAdminAPI(hub *Hub, store AdminStore) *AdminAPI {
	return &AdminAPI{hub: hub, store: store}
}

// Register attaches the admin routes to mux.
func (a *AdminAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", a.hub.ServeWS)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/workspaces", a.handleCreateWorkspace)
	mux.HandleFunc("/sessions", a.handleCreateSession)
	mux.HandleFunc("/intents", a.handleDispatchIntent)
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"connected_devices": a.hub.ConnectedDevices(),
	})
}

type createWorkspaceRequest struct {
	Name                string                 `json:"name"`
	Root                string                 `json:"managed_root"`
	Owner               string                 `json:"owner"`
	Org                 string                 `json:"org"`
	Project             string                 `json:"project"`
	Branch              string                 `json:"branch"`
	Repos               []domain.WorkspaceRepo `json:"repos"`
	InitialSessionTitle string                 `json:"initial_session_title"`
}

func (a *AdminAPI) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws := domain.Workspace{
		ID:          uuid.NewString(),
		Name:        req.Name,
		ManagedRoot: req.Root,
		Owner:       req.Owner,
		Org:         req.Org,
		Project:     req.Project,
		Branch:      req.Branch,
		CreatedAt:   time.Now(),
	}
	for i := range req.Repos {
		if req.Repos[i].ID == "" {
			req.Repos[i].ID = uuid.NewString()
		}
		req.Repos[i].WorkspaceID = ws.ID
	}
	created, err := a.store.CreateWorkspace(r.Context(), ws, req.Repos, req.InitialSessionTitle)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(created)
}

type createSessionRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Branch      string `json:"branch"`
	Title       string `json:"title"`
}

func (a *AdminAPI) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	sess := domain.Session{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		Status:      domain.SessionIdle,
		Branch:      req.Branch,
		Title:       req.Title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateSession(r.Context(), sess); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(sess)
}

func (a *AdminAPI) handleDispatchIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var intent protocol.IntentMessage
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if intent.IntentID == "" {
		intent.IntentID = uuid.NewString()
	}
	if intent.IssuedAtMs == 0 {
		intent.IssuedAtMs = time.Now().UnixMilli()
	}
	if intent.Nonce == "" {
		intent.Nonce = uuid.NewString()
	}
	if err := a.hub.Dispatch(intent); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
