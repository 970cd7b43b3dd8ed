// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

type sendMessageRequest struct {
	From             string                `json:"from"`
	To               string                `json:"to"`
	MessageType      string                `json:"message_type"`
	Subject          string                `json:"subject"`
	Content          string                `json:"content"`
	RequiresResponse bool                  `json:"requires_response"`
	Priority         types.MessagePriority `json:"priority"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleMember)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.From == "" {
		writeError(w, types.Validationf("from is required"))
		return
	}
	id := s.bus.Send(principal.OrganizationID, req.From, req.To, req.MessageType, req.Subject, req.Content, req.RequiresResponse, req.Priority)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireRole(w, r, RoleViewer)
	if !ok {
		return
	}
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		writeError(w, types.Validationf("agent query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.bus.Fetch(principal.OrganizationID, agent))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, RoleMember); !ok {
		return
	}
	if err := s.bus.MarkRead(chi.URLParam(r, "messageID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type respondMessageRequest struct {
	From    string `json:"from"`
	Content string `json:"content"`
}

func (s *Server) handleRespondMessage(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireRole(w, r, RoleMember); !ok {
		return
	}
	var req respondMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.bus.Respond(chi.URLParam(r, "messageID"), req.From, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}
