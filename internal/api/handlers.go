// Package api provides HTTP handlers for the dashboard endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/matdac12/whatsapp-test01/internal/models"
)

// phoneFromRequest extracts and canonicalizes the {phone} path variable.
func (s *Server) phoneFromRequest(r *http.Request) (string, error) {
	phone := mux.Vars(r)["phone"]
	return s.msgService.ValidateAndCanonicalizeRecipient(phone)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(map[string]string{"status": "healthy"}))
}

func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations()
	if err != nil {
		slog.Error("Server.listConversationsHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to list conversations"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(conversations))
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := s.phoneFromRequest(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse("Invalid limit parameter"))
			return
		}
	}
	messages, err := s.store.GetMessages(phone, limit)
	if err != nil {
		slog.Error("Server.messagesHandler failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to load messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(messages))
}

func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := s.phoneFromRequest(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	settings, err := s.store.GetSettings(phone)
	if err != nil {
		slog.Error("Server.getSettingsHandler failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to load settings"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(settings))
}

// settingsRequest is the PUT settings body.
type settingsRequest struct {
	ManualMode bool `json:"manual_mode"`
}

func (s *Server) putSettingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	phone, err := s.phoneFromRequest(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse("Invalid JSON format"))
		return
	}
	if err := s.store.SetManualMode(phone, req.ManualMode); err != nil {
		slog.Error("Server.putSettingsHandler failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to update settings"))
		return
	}
	slog.Info("Server.putSettingsHandler updated manual mode", "phone", phone, "manual_mode", req.ManualMode)
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(models.ConversationSettings{
		PhoneNumber: phone,
		ManualMode:  req.ManualMode,
	}))
}

func (s *Server) getNotesHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := s.phoneFromRequest(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	notes, err := s.store.GetNotes(phone)
	if err != nil {
		slog.Error("Server.getNotesHandler failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to load notes"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(map[string]string{"notes": notes}))
}

// notesRequest is the PUT notes body.
type notesRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) putNotesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	phone, err := s.phoneFromRequest(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	var req notesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse("Invalid JSON format"))
		return
	}
	if len(req.Notes) > models.MaxNotesLength {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(models.ErrNotesTooLong.Error()))
		return
	}
	if err := s.store.SaveNotes(phone, req.Notes); err != nil {
		slog.Error("Server.putNotesHandler failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to save notes"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(map[string]string{"notes": req.Notes}))
}

// sendRequest is the POST send body.
type sendRequest struct {
	Body string `json:"body"`
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	phone := mux.Vars(r)["phone"]
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse("Invalid JSON format"))
		return
	}

	transportID, err := s.bot.SendManual(r.Context(), phone, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrEmptyBody), errors.Is(err, models.ErrBodyTooLong):
			writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		default:
			slog.Error("Server.sendHandler failed", "error", err, "phone", phone)
			writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to send message"))
		}
		return
	}
	slog.Info("Server.sendHandler message sent", "phone", phone)
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(map[string]string{"message_id": transportID}))
}

func (s *Server) listCannedHandler(w http.ResponseWriter, r *http.Request) {
	responses, err := s.store.ListCannedResponses()
	if err != nil {
		slog.Error("Server.listCannedHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to list canned responses"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(responses))
}

func (s *Server) addCannedHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var canned models.CannedResponse
	if err := json.NewDecoder(r.Body).Decode(&canned); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse("Invalid JSON format"))
		return
	}
	if err := canned.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if err := s.store.AddCannedResponse(&canned); err != nil {
		slog.Error("Server.addCannedHandler failed", "error", err, "shortcut", canned.Shortcut)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to add canned response"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessResponse().WithResult(canned))
}
