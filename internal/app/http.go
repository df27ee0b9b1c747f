package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agora/api/internal/auth"
	"agora/api/internal/authpw"
	"agora/api/internal/export"
	"agora/api/internal/rbac"
	"agora/api/internal/util"
)

// Handler builds the HTTP surface. Routing is a plain switch over the split
// path; the handful of routes here does not justify a router dependency.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", s.route)
	return s.withMiddleware(mux)
}

func (s *Service) route(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api"))

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case len(parts) == 1 && parts[0] == "health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case len(parts) == 1 && parts[0] == "ready" && r.Method == http.MethodGet:
		s.handleReady(w, r)

	case len(parts) == 2 && parts[0] == "auth" && parts[1] == "signup" && r.Method == http.MethodPost:
		s.handleSignUp(w, r)
	case len(parts) == 2 && parts[0] == "auth" && parts[1] == "signin" && r.Method == http.MethodPost:
		s.handleSignIn(w, r)
	case len(parts) == 2 && parts[0] == "auth" && parts[1] == "verify-email" && r.Method == http.MethodPost:
		s.handleVerifyEmail(w, r)
	case len(parts) == 3 && parts[0] == "auth" && parts[1] == "reset-password" && parts[2] == "request" && r.Method == http.MethodPost:
		s.handleResetRequest(w, r)
	case len(parts) == 2 && parts[0] == "auth" && parts[1] == "reset-password" && r.Method == http.MethodPost:
		s.handleResetPassword(w, r)

	case len(parts) == 1 && parts[0] == "session" && r.Method == http.MethodGet:
		s.handleGetSession(w, r)
	case len(parts) == 2 && parts[0] == "session" && parts[1] == "refresh" && r.Method == http.MethodPost:
		s.handleRefresh(w, r)
	case len(parts) == 2 && parts[0] == "session" && parts[1] == "logout" && r.Method == http.MethodPost:
		s.handleLogout(w, r)

	case len(parts) == 3 && parts[0] == "internal" && parts[1] == "transitions" && parts[2] == "process" && r.Method == http.MethodPost:
		s.handleProcessTransitions(w, r)

	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r)

	case len(parts) == 1 && parts[0] == "processes" && r.Method == http.MethodGet:
		s.handleListProcesses(w, r)
	case len(parts) == 1 && parts[0] == "processes" && r.Method == http.MethodPost:
		s.handleCreateProcess(w, r)
	case len(parts) == 2 && parts[0] == "processes" && r.Method == http.MethodGet:
		s.handleGetProcess(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "processes" && r.Method == http.MethodPut:
		s.handleUpdateProcess(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "processes" && parts[2] == "instances" && r.Method == http.MethodGet:
		s.handleListInstances(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "processes" && parts[2] == "instances" && r.Method == http.MethodPost:
		s.handleCreateInstance(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "instances" && r.Method == http.MethodGet:
		s.handleGetInstance(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "publish" && r.Method == http.MethodPost:
		s.handlePublishInstance(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "advance" && r.Method == http.MethodPost:
		s.handleAdvanceInstance(w, r, parts[1])
	case len(parts) == 4 && parts[0] == "instances" && parts[2] == "phases" && r.Method == http.MethodPatch:
		s.handleUpdatePhase(w, r, parts[1], parts[3])
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "transitions" && r.Method == http.MethodGet:
		s.handleListTransitions(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "transitions" && r.Method == http.MethodPost:
		s.handleScheduleTransition(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "template" && r.Method == http.MethodGet:
		s.handleGetTemplate(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "template" && r.Method == http.MethodPut:
		s.handleSetTemplate(w, r, parts[1])
	case len(parts) == 4 && parts[0] == "instances" && parts[2] == "template" && parts[3] == "history" && r.Method == http.MethodGet:
		s.handleTemplateHistory(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "proposals" && r.Method == http.MethodGet:
		s.handleListProposals(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "instances" && parts[2] == "proposals" && r.Method == http.MethodPost:
		s.handleCreateProposal(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "transitions" && r.Method == http.MethodPut:
		s.handleRescheduleTransition(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "transitions" && r.Method == http.MethodDelete:
		s.handleDeleteTransition(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "proposals" && r.Method == http.MethodGet:
		s.handleGetProposal(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "proposals" && r.Method == http.MethodPut:
		s.handleUpdateProposal(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "proposals" && r.Method == http.MethodDelete:
		s.handleDeleteProposal(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "proposals" && parts[2] == "submit" && r.Method == http.MethodPost:
		s.handleSubmitProposal(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "proposals" && parts[2] == "withdraw" && r.Method == http.MethodPost:
		s.handleWithdrawProposal(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "proposals" && parts[2] == "visibility" && r.Method == http.MethodPost:
		s.handleProposalVisibility(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "proposals" && parts[2] == "export" && r.Method == http.MethodPost:
		s.handleExportProposal(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "proposals" && parts[2] == "attachments" && r.Method == http.MethodGet:
		s.handleListAttachments(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "proposals" && parts[2] == "attachments" && r.Method == http.MethodPost:
		s.handleUploadAttachment(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "attachments" && parts[2] == "url" && r.Method == http.MethodGet:
		s.handleAttachmentURL(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "attachments" && r.Method == http.MethodDelete:
		s.handleDeleteAttachment(w, r, parts[1])

	case len(parts) == 4 && parts[0] == "admin" && parts[1] == "users" && parts[3] == "role" && r.Method == http.MethodPut:
		s.handleUpdateUserRole(w, r, parts[2])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// ── Health ──

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "Database unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// ── Auth ──

func (s *Service) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	resp, err := s.authpw.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	payload := map[string]any{
		"userId":              resp.UserID,
		"requiresEmailVerify": resp.RequiresEmailVerify,
	}
	if s.SMTPConfigured() {
		verifyURL := fmt.Sprintf("%s/verify-email?token=%s", s.cfg.CORSOrigin, resp.VerificationToken)
		if err := s.email.SendVerificationEmail(body.Email, body.DisplayName, verifyURL); err != nil {
			log.Printf("email: send verification to %s: %v", body.Email, err)
		}
	} else {
		// Without SMTP the token comes back in the response so local
		// setups can complete the flow.
		payload["devVerificationToken"] = resp.VerificationToken
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *Service) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	resp, err := s.authpw.SignIn(r.Context(), authpw.SignInRequest{Email: body.Email, Password: body.Password})
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		return
	}
	if resp.RequiresVerify {
		writeError(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Verify your email before signing in", nil)
		return
	}
	session, err := s.CreateSession(r.Context(), resp.User.ID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *Service) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.authpw.VerifyEmail(r.Context(), body.Token); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_TOKEN", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (s *Service) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	token, err := s.authpw.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	// The response never reveals whether the address exists.
	payload := map[string]any{"requested": true}
	if token != "" {
		if s.SMTPConfigured() {
			resetURL := fmt.Sprintf("%s/reset-password?token=%s", s.cfg.CORSOrigin, token)
			if err := s.email.SendPasswordResetEmail(body.Email, "", resetURL); err != nil {
				log.Printf("email: send password reset to %s: %v", body.Email, err)
			}
		} else {
			payload["devResetToken"] = token
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Service) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.authpw.ResetPassword(r.Context(), authpw.ResetPasswordRequest{Token: body.Token, NewPassword: body.NewPassword}); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_TOKEN", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// ── Sessions ──

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":   session.UserID,
			"name": session.UserName,
			"role": session.Role,
		},
		"expiresAt": session.ExpiresAt,
	})
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	session, err := s.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "Refresh token is invalid or expired", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.Logout(r.Context(), session, body.RefreshToken); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}

// ── Internal ──

func (s *Service) handleProcessTransitions(w http.ResponseWriter, r *http.Request) {
	if s.SyncToken() == "" || r.Header.Get("x-agora-sync-token") != s.SyncToken() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid sync token", nil)
		return
	}
	result, err := s.ProcessDueTransitions(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ── Search ──

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	resp, err := s.Search(r.Context(), q.Get("q"), q.Get("type"), q.Get("instanceId"), limit, offset, session)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Processes ──

func (s *Service) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	_, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	payload, err := s.ListProcesses(r.Context())
	s.respond(w, payload, err)
}

func (s *Service) handleCreateProcess(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	var body struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Schema      json.RawMessage `json:"schema"`
		Config      json.RawMessage `json:"config"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.CreateProcess(r.Context(), body.Name, body.Description, body.Schema, body.Config, session.UserID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *Service) handleGetProcess(w http.ResponseWriter, r *http.Request, processID string) {
	_, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	payload, err := s.GetProcess(r.Context(), processID)
	s.respond(w, payload, err)
}

func (s *Service) handleUpdateProcess(w http.ResponseWriter, r *http.Request, processID string) {
	_, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	var body struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Schema      json.RawMessage `json:"schema"`
		Config      json.RawMessage `json:"config"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.UpdateProcess(r.Context(), processID, body.Name, body.Description, body.Schema, body.Config)
	s.respond(w, payload, err)
}

// ── Instances ──

func (s *Service) handleListInstances(w http.ResponseWriter, r *http.Request, processID string) {
	_, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	payload, err := s.ListInstances(r.Context(), processID)
	s.respond(w, payload, err)
}

func (s *Service) handleCreateInstance(w http.ResponseWriter, r *http.Request, processID string) {
	session, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.CreateInstance(r.Context(), processID, body.Name, session.UserID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *Service) handleGetInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	_, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	payload, err := s.GetInstance(r.Context(), instanceID)
	s.respond(w, payload, err)
}

func (s *Service) handlePublishInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	_, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	payload, err := s.PublishInstance(r.Context(), instanceID)
	s.respond(w, payload, err)
}

func (s *Service) handleAdvanceInstance(w http.ResponseWriter, r *http.Request, instanceID string) {
	_, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	var body struct {
		ToPhaseID string `json:"toPhaseId"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.AdvanceInstance(r.Context(), instanceID, body.ToPhaseID)
	s.respond(w, payload, err)
}

func (s *Service) handleUpdatePhase(w http.ResponseWriter, r *http.Request, instanceID, phaseID string) {
	_, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	var body PhaseUpdateInput
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.UpdatePhase(r.Context(), instanceID, phaseID, body)
	s.respond(w, payload, err)
}

// ── Transitions ──

func (s *Service) handleListTransitions(w http.ResponseWriter, r *http.Request, instanceID string) {
	_, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	payload, err := s.ListInstanceTransitions(r.Context(), instanceID)
	s.respond(w, payload, err)
}

func (s *Service) handleScheduleTransition(w http.ResponseWriter, r *http.Request, instanceID string) {
	_, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	var body struct {
		FromStateID   string    `json:"fromStateId"`
		ToStateID     string    `json:"toStateId"`
		ScheduledDate time.Time `json:"scheduledDate"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.ScheduleTransition(r.Context(), instanceID, body.FromStateID, body.ToStateID, body.ScheduledDate)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *Service) handleRescheduleTransition(w http.ResponseWriter, r *http.Request, transitionID string) {
	_, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	var body struct {
		ScheduledDate time.Time `json:"scheduledDate"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.RescheduleTransition(r.Context(), transitionID, body.ScheduledDate)
	s.respond(w, payload, err)
}

func (s *Service) handleDeleteTransition(w http.ResponseWriter, r *http.Request, transitionID string) {
	_, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	if err := s.RemoveTransition(r.Context(), transitionID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// ── Templates ──

func (s *Service) handleGetTemplate(w http.ResponseWriter, r *http.Request, instanceID string) {
	_, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	payload, err := s.GetTemplate(r.Context(), instanceID, r.URL.Query().Get("at"))
	s.respond(w, payload, err)
}

func (s *Service) handleSetTemplate(w http.ResponseWriter, r *http.Request, instanceID string) {
	session, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	var body struct {
		Template json.RawMessage `json:"template"`
		Message  string          `json:"message"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.SetTemplate(r.Context(), instanceID, body.Template, session, body.Message)
	s.respond(w, payload, err)
}

func (s *Service) handleTemplateHistory(w http.ResponseWriter, r *http.Request, instanceID string) {
	_, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	payload, err := s.TemplateHistory(r.Context(), instanceID, limit)
	s.respond(w, payload, err)
}

// ── Proposals ──

func (s *Service) handleListProposals(w http.ResponseWriter, r *http.Request, instanceID string) {
	session, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	payload, err := s.ListProposals(r.Context(), instanceID, session)
	s.respond(w, payload, err)
}

func (s *Service) handleCreateProposal(w http.ResponseWriter, r *http.Request, instanceID string) {
	session, ok := s.requireSession(w, r, rbac.ActionPropose)
	if !ok {
		return
	}
	var raw json.RawMessage
	if !decodeBody(w, r, &raw) {
		return
	}
	payload, err := s.CreateProposal(r.Context(), instanceID, raw, session)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *Service) handleGetProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	session, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	payload, err := s.GetProposal(r.Context(), proposalID, session)
	s.respond(w, payload, err)
}

func (s *Service) handleUpdateProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	session, ok := s.requireSession(w, r, rbac.ActionPropose)
	if !ok {
		return
	}
	var raw json.RawMessage
	if !decodeBody(w, r, &raw) {
		return
	}
	payload, err := s.UpdateProposal(r.Context(), proposalID, raw, session)
	s.respond(w, payload, err)
}

func (s *Service) handleDeleteProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	session, ok := s.requireSession(w, r, rbac.ActionPropose)
	if !ok {
		return
	}
	if err := s.DeleteProposal(r.Context(), proposalID, session); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Service) handleSubmitProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	session, ok := s.requireSession(w, r, rbac.ActionPropose)
	if !ok {
		return
	}
	payload, err := s.SubmitProposal(r.Context(), proposalID, session)
	s.respond(w, payload, err)
}

func (s *Service) handleWithdrawProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	session, ok := s.requireSession(w, r, rbac.ActionPropose)
	if !ok {
		return
	}
	payload, err := s.WithdrawProposal(r.Context(), proposalID, session)
	s.respond(w, payload, err)
}

func (s *Service) handleProposalVisibility(w http.ResponseWriter, r *http.Request, proposalID string) {
	_, ok := s.requireSession(w, r, rbac.ActionModerate)
	if !ok {
		return
	}
	var body struct {
		Visibility string `json:"visibility"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.SetProposalVisibility(r.Context(), proposalID, body.Visibility)
	s.respond(w, payload, err)
}

func (s *Service) handleExportProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	session, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	var body struct {
		Format string `json:"format"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	format := export.Format(body.Format)
	if format == "" {
		format = export.FormatPDF
	}

	result, err := s.ExportProposal(r.Context(), export.Request{ProposalID: proposalID, Format: format}, session)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// ── Attachments ──

func (s *Service) handleListAttachments(w http.ResponseWriter, r *http.Request, proposalID string) {
	session, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	payload, err := s.ListAttachments(r.Context(), proposalID, session)
	s.respond(w, payload, err)
}

func (s *Service) handleUploadAttachment(w http.ResponseWriter, r *http.Request, proposalID string) {
	session, ok := s.requireSession(w, r, rbac.ActionPropose)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected multipart form data", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Missing file field", nil)
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	payload, err := s.UploadAttachment(r.Context(), proposalID, header.Filename, mimeType, header.Size, file, session)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *Service) handleAttachmentURL(w http.ResponseWriter, r *http.Request, attachmentID string) {
	session, ok := s.requireSession(w, r, rbac.ActionRead)
	if !ok {
		return
	}
	payload, err := s.AttachmentDownloadURL(r.Context(), attachmentID, session)
	s.respond(w, payload, err)
}

func (s *Service) handleDeleteAttachment(w http.ResponseWriter, r *http.Request, attachmentID string) {
	session, ok := s.requireSession(w, r, rbac.ActionPropose)
	if !ok {
		return
	}
	if err := s.DeleteProposalAttachment(r.Context(), attachmentID, session); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// ── Admin ──

func (s *Service) handleUpdateUserRole(w http.ResponseWriter, r *http.Request, userID string) {
	_, ok := s.requireSession(w, r, rbac.ActionAdmin)
	if !ok {
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	payload, err := s.UpdateUserRole(r.Context(), userID, body.Role)
	s.respond(w, payload, err)
}

// ── Plumbing ──

func (s *Service) requireSession(w http.ResponseWriter, r *http.Request, action rbac.Action) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
		return Session{}, false
	}
	session, err := s.SessionFromToken(r.Context(), token)
	if err != nil {
		s.writeMappedError(w, err)
		return Session{}, false
	}
	if !s.Can(session.Role, action) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return Session{}, false
	}
	return session, true
}

func (s *Service) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Service) writeMappedError(w http.ResponseWriter, err error) {
	var derr *DomainError
	switch {
	case errors.As(err, &derr):
		writeError(w, derr.Status, derr.Code, derr.Message, derr.Details)
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case errors.Is(err, auth.ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "Token expired", nil)
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token", nil)
	default:
		log.Printf("app: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error", nil)
	}
}

func (s *Service) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		w.Header().Set("X-Request-ID", requestID)
		s.setCORSHeaders(w)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		log.Printf(`{"request_id":%q,"method":%q,"path":%q,"status":%d,"duration_ms":%d}`,
			requestID, r.Method, r.URL.Path, recorder.status, time.Since(start).Milliseconds())
	})
}

func (s *Service) setCORSHeaders(w http.ResponseWriter) {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"user": map[string]any{
			"id":   session.UserID,
			"name": session.UserName,
			"role": session.Role,
		},
		"expiresAt": session.ExpiresAt,
	}
}

func splitPath(path string) []string {
	parts := make([]string, 0, 4)
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("app: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	payload := map[string]any{"code": code, "error": message}
	if details != nil {
		payload["details"] = details
	}
	writeJSON(w, status, payload)
}
