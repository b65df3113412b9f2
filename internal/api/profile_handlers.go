package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/matdac12/whatsapp-test01/internal/bot"
	"github.com/matdac12/whatsapp-test01/internal/models"
	"github.com/matdac12/whatsapp-test01/internal/profile"
)

func (s *Server) listProfilesHandler(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.store.ListProfiles()
	if err != nil {
		slog.Error("Server.listProfilesHandler failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to list profiles"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(profiles))
}

func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	phone, err := s.phoneFromRequest(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	p, err := s.store.GetProfile(phone)
	if err != nil {
		slog.Error("Server.getProfileHandler failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to load profile"))
		return
	}
	if p == nil {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorResponse(models.ErrProfileNotFound.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(p))
}

// profileUpdateRequest is the PUT profile body. Absent fields are left
// untouched; explicitly blank fields are cleared.
type profileUpdateRequest struct {
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	CompanyName *string `json:"company_name"`
	Email       *string `json:"email"`
}

// putProfileHandler applies a manual dashboard edit. The edit runs
// through the bot so it holds the same per-conversation lock as the
// inbound pipeline; completion recompute, latch and webhook semantics
// live there.
func (s *Server) putProfileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	phone, err := s.phoneFromRequest(r)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	var req profileUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse("Invalid JSON format"))
		return
	}
	if req.Email != nil && strings.TrimSpace(*req.Email) != "" && !profile.ValidEmail(*req.Email) {
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorResponse(models.ErrInvalidEmail.Error()))
		return
	}

	p, err := s.bot.EditProfile(r.Context(), phone, bot.ProfileEdit{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		CompanyName: req.CompanyName,
		Email:       req.Email,
	})
	if err != nil {
		slog.Error("Server.putProfileHandler edit failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorResponse("Failed to save profile"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessResponse().WithResult(p))
}
