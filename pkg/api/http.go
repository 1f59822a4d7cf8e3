// Package api exposes the consensus core and its key-value state
// machine over HTTP, wired against the raft.Raft/kv.Store/cluster.Manager
// surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vzdtic/raftkv-core/pkg/cluster"
	"github.com/vzdtic/raftkv-core/pkg/kv"
	"github.com/vzdtic/raftkv-core/pkg/raft"
)

const defaultTimeout = 5 * time.Second

// Handler serves the KV store and cluster status over HTTP.
type Handler struct {
	node     *raft.Raft
	store    *kv.Store
	members  *cluster.Manager
	clientID string
	mux      *http.ServeMux
	reqSeq   atomic.Uint64
}

// NewHandler wires an HTTP handler on top of one node's Raft core,
// state machine, and membership manager.
func NewHandler(node *raft.Raft, store *kv.Store, members *cluster.Manager) *Handler {
	h := &Handler{
		node:     node,
		store:    store,
		members:  members,
		clientID: uuid.NewString(),
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	h.mux.HandleFunc("/cluster/members", h.handleMembers)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, key)
	case http.MethodPut:
		h.handlePut(w, r, key)
	case http.MethodDelete:
		h.handleDelete(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()

	if r.URL.Query().Get("linearizable") == "true" {
		if _, err := h.node.ReadIndex(ctx); err != nil {
			h.respondErr(w, err)
			return
		}
	}

	value, ok := h.store.Get(key)
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"value": string(value)})
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := kv.EncodeCommand(kv.CommandSet, key, []byte(body.Value), h.clientID, h.nextRequestID())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()

	if _, err := h.node.Propose(ctx, payload); err != nil {
		h.respondErr(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	payload, err := kv.EncodeCommand(kv.CommandDelete, key, nil, h.clientID, h.nextRequestID())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()

	if _, err := h.node.Propose(ctx, payload); err != nil {
		h.respondErr(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) nextRequestID() uint64 {
	return h.reqSeq.Add(1)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch err {
	case raft.ErrNotLeader:
		h.respondNotLeader(w)
	case raft.ErrTimeout, context.DeadlineExceeded:
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) respondNotLeader(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"error":     "not leader",
		"leader_id": h.node.Status().LeaderID,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.node.Status()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           status.ID,
		"role":         status.Role.String(),
		"term":         status.Term,
		"leader_id":    status.LeaderID,
		"commit_index": status.CommitIndex,
		"last_applied": status.LastApplied,
		"last_index":   status.LastIndex,
		"cluster_size": h.members.Count(),
	})
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, h.members.GetMembers())

	case http.MethodPost:
		var body struct {
			ID      string `json:"id"`
			Address string `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if body.ID == "" || body.Address == "" {
			http.Error(w, "id and address required", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
		defer cancel()

		change := raft.ConfigChange{Type: raft.ConfigChangeAddMember, ID: body.ID, Address: body.Address, Voting: false}
		if _, err := h.node.ProposeConfigChange(ctx, change); err != nil {
			h.respondErr(w, err)
			return
		}

		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
