package api

import (
	"net/http"

	"github.com/schulte-trainer/internal/users"
)

// GetMe returns the caller's profile with statistics
func (h *Handlers) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	profile, err := h.users.Profile(r.Context(), userID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// UpdateMe changes the caller's display name or avatar
func (h *Handlers) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var upd users.ProfileUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		respondError(w, r, err)
		return
	}

	profile, err := h.users.UpdateProfile(r.Context(), userID, upd)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

// UpdatePreferences merges a partial preferences update
func (h *Handlers) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var patch users.PreferencesPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		respondError(w, r, err)
		return
	}

	prefs, err := h.users.UpdatePreferences(r.Context(), userID, patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, prefs)
}

// GetPublicProfile returns another user's public fields
func (h *Handlers) GetPublicProfile(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}

	profile, err := h.users.PublicProfile(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}
