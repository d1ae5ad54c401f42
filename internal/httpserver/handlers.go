package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antihub/antihub-ops/internal/ledger"
	"github.com/antihub/antihub-ops/internal/userstore"
)

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("auth disabled"))
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	user, err := s.identity.FindByEmail(r.Context(), email)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || user.Status != userstore.StatusActive {
		s.respondError(w, http.StatusUnauthorized, errors.New("unknown or inactive user"))
		return
	}

	id, code, expires, err := s.auth.CreateChallenge(r.Context(), email)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	// No mail transport here: the code is written to the server log and the
	// operator reads it from there.
	s.logf("login challenge for %s: code %s (challenge %s)", email, code, id)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"challenge_id": id,
		"expires_at":   expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("auth disabled"))
		return
	}
	var req struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	email, err := s.auth.VerifyChallenge(r.Context(), req.ChallengeID, req.Code)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	token, err := s.auth.IssueToken(email, 24*time.Hour)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(24 * time.Hour),
	})
	s.respondJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"role":         user.Role,
		"display_name": user.DisplayName,
	})
}

// handleUsageIngest accepts a usage record from the relay tier. Entries are
// attributed to the authenticated caller and queued for asynchronous write,
// so a 202 means accepted, not durably stored.
func (s *Server) handleUsageIngest(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	var req struct {
		AccountID    string `json:"account_id"`
		Provider     string `json:"provider"`
		Model        string `json:"model"`
		InputTokens  int64  `json:"input_tokens"`
		OutputTokens int64  `json:"output_tokens"`
		StatusCode   int    `json:"status_code"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("provider is required"))
		return
	}
	entry := ledger.Entry{
		UserID:       user.ID,
		AccountID:    req.AccountID,
		Provider:     req.Provider,
		Model:        req.Model,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		StatusCode:   req.StatusCode,
		ErrorMessage: req.ErrorMessage,
	}
	if err := s.ledger.Record(r.Context(), entry); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if s.collector != nil {
		s.collector.RecordTokenUsage(req.Model, req.InputTokens, req.OutputTokens)
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	sum, err := s.ledger.Summary(r.Context(), user.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleUsageLogs(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := s.ledger.ListRecent(r.Context(), user.ID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	if s.migState == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"name": s.migName, "status": "disabled"})
		return
	}
	st, err := s.migState.Get(r.Context(), s.migName)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if st == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"name": s.migName, "status": "pending"})
		return
	}
	payload := map[string]any{
		"name":   st.Name,
		"status": st.Status,
	}
	if st.Succeeded() {
		// Normalize the legacy "done" value for API consumers.
		payload["status"] = "succeeded"
	}
	if st.StartedAt != nil {
		payload["started_at"] = st.StartedAt.UTC().Format(time.RFC3339)
	}
	if st.FinishedAt != nil {
		payload["finished_at"] = st.FinishedAt.UTC().Format(time.RFC3339)
	}
	if st.LastError != "" {
		payload["last_error"] = st.LastError
	}
	if st.Details != nil {
		payload["details"] = st.Details
	}
	s.respondJSON(w, http.StatusOK, payload)
}

// accountView is the API shape for provider accounts. Credential envelopes
// never leave the process.
type accountView struct {
	AccountID    string `json:"account_id"`
	Provider     string `json:"provider"`
	UserID       int64  `json:"user_id"`
	AccountName  string `json:"account_name,omitempty"`
	Email        string `json:"email,omitempty"`
	Subscription string `json:"subscription,omitempty"`
	Status       int    `json:"status"`
	NeedRefresh  bool   `json:"need_refresh"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}

	kiro, err := s.accounts.ListKiroAccounts(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	qwen, err := s.accounts.ListQwenAccounts(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	admin := user.Role == userstore.RoleRootAdmin || user.Role == userstore.RoleAdmin
	var views []accountView
	for _, a := range kiro {
		if !admin && a.UserID != user.ID {
			continue
		}
		views = append(views, accountView{
			AccountID:    a.AccountID,
			Provider:     "kiro",
			UserID:       a.UserID,
			AccountName:  a.AccountName,
			Email:        a.Email,
			Subscription: a.Subscription,
			Status:       a.Status,
			NeedRefresh:  a.NeedRefresh,
		})
	}
	for _, a := range qwen {
		if !admin && a.UserID != user.ID {
			continue
		}
		views = append(views, accountView{
			AccountID:   a.AccountID,
			Provider:    "qwen",
			UserID:      a.UserID,
			AccountName: a.AccountName,
			Email:       a.Email,
			Status:      a.Status,
			NeedRefresh: a.NeedRefresh,
		})
	}
	if views == nil {
		views = []accountView{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"accounts": views})
}
