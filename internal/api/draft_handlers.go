package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/matdac12/whatsapp-test01/internal/models"
)

func (s *Server) getDraftHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := s.phoneFromRequest(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	draft, err := s.store.GetDraft(phone)
	if err != nil {
		slog.Error("Server.getDraftHandler failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to load draft"))
		return
	}
	if draft == nil {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse(models.ErrNoDraft.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(draft))
}

func (s *Server) deleteDraftHandler(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone"]
	if err := s.bot.DiscardDraft(phone); err != nil {
		if errors.Is(err, models.ErrNoDraft) {
			writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse(err.Error()))
			return
		}
		slog.Error("Server.deleteDraftHandler failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to delete draft"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse())
}

func (s *Server) approveDraftHandler(w http.ResponseWriter, r *http.Request) {
	phone := mux.Vars(r)["phone"]
	text, err := s.bot.ApproveDraft(r.Context(), phone)
	if err != nil {
		if errors.Is(err, models.ErrNoDraft) {
			writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse(err.Error()))
			return
		}
		slog.Error("Server.approveDraftHandler failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to approve draft"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(map[string]string{"sent": text}))
}

// regenerateRequest is the POST regenerate body. Extra instructions are
// appended to the persistent agent notes before generation.
type regenerateRequest struct {
	Instructions string `json:"instructions"`
}

func (s *Server) regenerateDraftHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	phone := mux.Vars(r)["phone"]

	var req regenerateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse("Invalid JSON format"))
			return
		}
	}

	draft, err := s.bot.RegenerateDraft(r.Context(), phone, req.Instructions)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNoUserMessage):
			writeJSONResponse(w, http.StatusConflict, models.ErrorResponse(err.Error()))
		case errors.Is(err, models.ErrNotesTooLong):
			writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		default:
			slog.Error("Server.regenerateDraftHandler failed", "error", err, "phone", phone)
			writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to regenerate draft"))
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(draft))
}
