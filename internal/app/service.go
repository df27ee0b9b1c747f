package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agora/api/internal/auth"
	"agora/api/internal/authpw"
	"agora/api/internal/config"
	"agora/api/internal/email"
	"agora/api/internal/export"
	"agora/api/internal/files"
	"agora/api/internal/proposal"
	"agora/api/internal/rbac"
	"agora/api/internal/schema"
	"agora/api/internal/scheduler"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/template"
	"agora/api/internal/templaterepo"
	"agora/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// PhaseUpdateInput carries a partial per-instance phase override. Nil fields
// are left untouched, so an endDate-only update never disturbs startDate or
// settings.
type PhaseUpdateInput struct {
	Name      *string        `json:"name"`
	StartDate *time.Time     `json:"startDate"`
	EndDate   *time.Time     `json:"endDate"`
	Settings  map[string]any `json:"settings"`
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	UpdateUserRole(context.Context, string, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	CreateProcess(context.Context, store.Process) error
	GetProcess(context.Context, string) (store.Process, error)
	ListProcesses(context.Context) ([]store.Process, error)
	UpdateProcess(ctx context.Context, processID, name, description string, schemaJSON, configJSON json.RawMessage) error

	CreateInstance(context.Context, store.Instance) error
	GetInstance(context.Context, string) (store.Instance, error)
	ListInstances(context.Context, string) ([]store.Instance, error)
	UpdateInstanceData(ctx context.Context, instanceID, currentStateID string, data json.RawMessage) error
	AdvanceInstancePhase(ctx context.Context, instanceID, toPhaseID string) error
	PublishInstance(context.Context, string) (bool, error)

	CreateTransition(context.Context, store.Transition) error
	ListTransitions(context.Context, string) ([]store.Transition, error)
	RescheduleTransition(context.Context, string, time.Time) (bool, error)
	DeleteTransition(context.Context, string) (bool, error)

	CreateProposal(context.Context, store.Proposal) error
	GetProposal(context.Context, string) (store.Proposal, error)
	ListProposals(context.Context, string, bool) ([]store.Proposal, error)
	UpdateProposalData(context.Context, string, json.RawMessage) error
	SubmitProposal(context.Context, string) (bool, error)
	UpdateProposalStatus(context.Context, string, string) error
	UpdateProposalVisibility(context.Context, string, string) (bool, error)
	DeleteProposal(context.Context, string) error
	CountMemberProposals(context.Context, string, string) (int, error)

	CreateAttachment(context.Context, store.Attachment) error
	GetAttachment(context.Context, string) (store.Attachment, error)
	ListProposalAttachments(context.Context, string) ([]store.Attachment, error)
	DeleteAttachment(context.Context, string) error

	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions. Redis in production; the Postgres
// store satisfies the same interface for deployments without Redis.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type templateRepo interface {
	EnsureRepo(instanceID string, initial json.RawMessage, author string) error
	CommitTemplate(instanceID string, template json.RawMessage, author, message string) (templaterepo.Revision, error)
	Head(instanceID string) (json.RawMessage, templaterepo.Revision, error)
	GetByHash(instanceID, hash string) (json.RawMessage, error)
	History(instanceID string, limit int) ([]templaterepo.Revision, error)
}

type searcher interface {
	Search(q search.Query) search.Response
	IndexProposal(p search.ProposalRecord)
	IndexProcess(p search.ProcessRecord)
	DeleteProposal(id string)
}

type fileStore interface {
	Upload(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	DownloadURL(ctx context.Context, objectKey, fileName string) (string, error)
	Delete(ctx context.Context, objectKey string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	templates templateRepo
	search    searcher
	files     fileStore
	processor *scheduler.Processor
	validator *proposal.Validator
	docs      proposal.DocumentSource
	exporter  *export.Service
	authpw    *authpw.Service
	email     *email.Service
}

// Deps are the collaborators wired in by cmd/api. Optional ones (Files,
// Search, Email) may be nil; the service degrades the matching endpoints.
type Deps struct {
	Sessions  sessionStore
	Templates templateRepo
	Search    searcher
	Files     fileStore
	Docs      proposal.DocumentSource
	Processor *scheduler.Processor
	AuthPW    *authpw.Service
	Email     *email.Service
}

func New(cfg config.Config, store dataStore, deps Deps) *Service {
	svc := &Service{
		cfg:       cfg,
		store:     store,
		sessions:  deps.Sessions,
		templates: deps.Templates,
		search:    deps.Search,
		files:     deps.Files,
		processor: deps.Processor,
		validator: &proposal.Validator{Docs: deps.Docs},
		docs:      deps.Docs,
		authpw:    deps.AuthPW,
		email:     deps.Email,
	}
	svc.exporter = export.NewService(svc)
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) EmailService() *email.Service {
	return s.email
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// ── Sessions ──

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// Rotate: the presented refresh token is single use.
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) UpdateUserRole(ctx context.Context, userID, role string) (map[string]any, error) {
	switch rbac.Role(role) {
	case rbac.RoleMember, rbac.RoleModerator, rbac.RoleAdmin:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown role %q", role), nil)
	}
	if err := s.store.UpdateUserRole(ctx, userID, role); err != nil {
		return nil, err
	}
	return map[string]any{"userId": userID, "role": role}, nil
}

// ── Processes ──

func (s *Service) CreateProcess(ctx context.Context, name, description string, schemaJSON, configJSON json.RawMessage, userID string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if _, err := schema.Parse(schemaJSON); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "SCHEMA_INVALID", err.Error(), nil)
	}

	process := store.Process{
		ID:          util.NewID("proc"),
		Name:        name,
		Description: description,
		Schema:      schemaJSON,
		Config:      configJSON,
		CreatedBy:   userID,
	}
	if err := s.store.CreateProcess(ctx, process); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexProcess(search.ProcessRecord{ID: process.ID, Name: name, Description: description})
	}
	return processPayload(process), nil
}

func (s *Service) GetProcess(ctx context.Context, processID string) (map[string]any, error) {
	process, err := s.store.GetProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	return processPayload(process), nil
}

func (s *Service) ListProcesses(ctx context.Context) (map[string]any, error) {
	processes, err := s.store.ListProcesses(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(processes))
	for _, p := range processes {
		items = append(items, processPayload(p))
	}
	return map[string]any{"processes": items}, nil
}

func (s *Service) UpdateProcess(ctx context.Context, processID, name, description string, schemaJSON, configJSON json.RawMessage) (map[string]any, error) {
	existing, err := s.store.GetProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	if name = strings.TrimSpace(name); name == "" {
		name = existing.Name
	}
	if description == "" {
		description = existing.Description
	}
	if len(schemaJSON) == 0 {
		schemaJSON = existing.Schema
	} else if _, err := schema.Parse(schemaJSON); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "SCHEMA_INVALID", err.Error(), nil)
	}
	if len(configJSON) == 0 {
		configJSON = existing.Config
	}
	if err := s.store.UpdateProcess(ctx, processID, name, description, schemaJSON, configJSON); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexProcess(search.ProcessRecord{ID: processID, Name: name, Description: description})
	}
	return s.GetProcess(ctx, processID)
}

// ── Instances ──

func (s *Service) CreateInstance(ctx context.Context, processID, name, userID string) (map[string]any, error) {
	process, err := s.store.GetProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	sch, err := schema.Parse(process.Schema)
	if err != nil {
		return nil, domainError(http.StatusConflict, "SCHEMA_INVALID", "process schema is not usable: "+err.Error(), nil)
	}
	if name = strings.TrimSpace(name); name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	initial := sch.InitialPhase()
	data, err := json.Marshal(schema.InstanceData{
		CurrentPhaseID: initial.ID,
		Phases:         []schema.PhaseInstance{},
	})
	if err != nil {
		return nil, fmt.Errorf("encode instance data: %w", err)
	}

	inst := store.Instance{
		ID:             util.NewID("inst"),
		ProcessID:      processID,
		Name:           name,
		Status:         schema.StatusDraft,
		CurrentStateID: initial.ID,
		InstanceData:   data,
		CreatedBy:      userID,
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, inst.ID)
}

func (s *Service) GetInstance(ctx context.Context, instanceID string) (map[string]any, error) {
	inst, process, sch, mi, err := s.loadInstanceContext(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	payload := instancePayload(inst)
	payload["processName"] = process.Name
	if phase, ok := schema.CurrentPhase(sch, &mi); ok {
		payload["currentPhase"] = map[string]any{"id": phase.ID, "name": phase.Name}
	}
	payload["phases"] = mergedPhases(sch, &mi)
	return payload, nil
}

func (s *Service) ListInstances(ctx context.Context, processID string) (map[string]any, error) {
	instances, err := s.store.ListInstances(ctx, processID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(instances))
	for _, inst := range instances {
		items = append(items, instancePayload(inst))
	}
	return map[string]any{"instances": items}, nil
}

func (s *Service) PublishInstance(ctx context.Context, instanceID string) (map[string]any, error) {
	if _, err := s.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	published, err := s.store.PublishInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !published {
		return nil, domainError(http.StatusConflict, "NOT_DRAFT", "Only draft instances can be published", nil)
	}
	return s.GetInstance(ctx, instanceID)
}

// AdvanceInstance performs a manual phase change. Scheduled changes go
// through the transition processor; this is the moderator override.
func (s *Service) AdvanceInstance(ctx context.Context, instanceID, toPhaseID string) (map[string]any, error) {
	_, _, sch, mi, err := s.loadInstanceContext(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := schema.AdvanceInstance(sch, &mi, toPhaseID); err != nil {
		if errors.Is(err, schema.ErrUnknownPhase) {
			return nil, domainError(http.StatusUnprocessableEntity, "UNKNOWN_PHASE", err.Error(), nil)
		}
		return nil, err
	}
	if err := s.store.AdvanceInstancePhase(ctx, instanceID, toPhaseID); err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, instanceID)
}

func (s *Service) UpdatePhase(ctx context.Context, instanceID, phaseID string, input PhaseUpdateInput) (map[string]any, error) {
	inst, _, sch, mi, err := s.loadInstanceContext(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if _, ok := sch.Phase(phaseID); !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "UNKNOWN_PHASE", fmt.Sprintf("unknown phase %q", phaseID), nil)
	}

	apply := func(o *schema.PhaseInstance) {
		if input.Name != nil {
			o.Name = *input.Name
		}
		if input.StartDate != nil {
			o.StartDate = input.StartDate
		}
		if input.EndDate != nil {
			o.EndDate = input.EndDate
		}
		if input.Settings != nil {
			if o.Settings == nil {
				o.Settings = make(map[string]any, len(input.Settings))
			}
			for key, value := range input.Settings {
				o.Settings[key] = value
			}
		}
	}

	phases := mi.Data.Phases
	found := false
	for i := range phases {
		if phases[i].PhaseID == phaseID {
			apply(&phases[i])
			found = true
			break
		}
	}
	if !found {
		override := schema.PhaseInstance{PhaseID: phaseID}
		apply(&override)
		phases = append(phases, override)
	}

	updated, err := mutateInstanceData(inst.InstanceData, func(m map[string]any) error {
		return putJSON(m, "phases", phases)
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateInstanceData(ctx, instanceID, inst.CurrentStateID, updated); err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, instanceID)
}

// ── Transitions ──

func (s *Service) ScheduleTransition(ctx context.Context, instanceID, fromStateID, toStateID string, scheduledDate time.Time) (map[string]any, error) {
	_, _, sch, _, err := s.loadInstanceContext(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, phaseID := range []string{fromStateID, toStateID} {
		if _, ok := sch.Phase(phaseID); !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "UNKNOWN_PHASE", fmt.Sprintf("unknown phase %q", phaseID), nil)
		}
	}
	if scheduledDate.IsZero() {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "scheduledDate is required", nil)
	}

	transition := store.Transition{
		ID:            util.NewID("trn"),
		InstanceID:    instanceID,
		FromStateID:   fromStateID,
		ToStateID:     toStateID,
		ScheduledDate: scheduledDate,
	}
	if err := s.store.CreateTransition(ctx, transition); err != nil {
		return nil, err
	}
	return transitionPayload(transition), nil
}

func (s *Service) ListInstanceTransitions(ctx context.Context, instanceID string) (map[string]any, error) {
	if _, err := s.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	transitions, err := s.store.ListTransitions(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(transitions))
	for _, t := range transitions {
		items = append(items, transitionPayload(t))
	}
	return map[string]any{"transitions": items}, nil
}

func (s *Service) RescheduleTransition(ctx context.Context, transitionID string, scheduledDate time.Time) (map[string]any, error) {
	if scheduledDate.IsZero() {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "scheduledDate is required", nil)
	}
	ok, err := s.store.RescheduleTransition(ctx, transitionID, scheduledDate)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusConflict, "TRANSITION_COMPLETED", "Completed transitions cannot be rescheduled", nil)
	}
	return map[string]any{"id": transitionID, "scheduledDate": scheduledDate}, nil
}

func (s *Service) RemoveTransition(ctx context.Context, transitionID string) error {
	ok, err := s.store.DeleteTransition(ctx, transitionID)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusConflict, "TRANSITION_COMPLETED", "Completed transitions cannot be deleted", nil)
	}
	return nil
}

// ProcessDueTransitions runs one processor pass. Exposed through the
// sync-token internal endpoint; cmd/api also runs it on a ticker.
func (s *Service) ProcessDueTransitions(ctx context.Context) (map[string]any, error) {
	if s.processor == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SCHEDULER_UNAVAILABLE", "Transition processor not configured", nil)
	}
	result, err := s.processor.ProcessDueTransitions(ctx)
	if err != nil {
		return nil, err
	}
	errMessages := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		errMessages = append(errMessages, e.Error())
	}
	return map[string]any{
		"processed": result.Processed,
		"failed":    result.Failed,
		"errors":    errMessages,
	}, nil
}

// ── Templates ──

func (s *Service) GetTemplate(ctx context.Context, instanceID, atHash string) (map[string]any, error) {
	_, process, _, mi, err := s.loadInstanceContext(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if atHash != "" {
		raw, err := s.templates.GetByHash(instanceID, atHash)
		if err != nil {
			if errors.Is(err, templaterepo.ErrNotInitialized) {
				return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No template history for this instance", nil)
			}
			return nil, err
		}
		t, err := template.Parse(raw)
		if err != nil {
			return nil, domainError(http.StatusConflict, "TEMPLATE_INVALID", "Stored revision is not a usable template", nil)
		}
		return templatePayload(raw, t, "history"), nil
	}

	raw, resolved, source := template.ResolveProposalTemplateSource(mi.Data.ProposalTemplate, process.Config)
	if resolved == nil {
		return map[string]any{"template": nil, "fields": []template.FieldDescriptor{}, "source": template.SourceNone}, nil
	}
	return templatePayload(raw, resolved, source), nil
}

func (s *Service) SetTemplate(ctx context.Context, instanceID string, raw json.RawMessage, session Session, message string) (map[string]any, error) {
	inst, _, _, _, err := s.loadInstanceContext(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	t, err := template.Parse(raw)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "TEMPLATE_INVALID", err.Error(), nil)
	}

	updated, err := mutateInstanceData(inst.InstanceData, func(m map[string]any) error {
		return putJSON(m, "proposalTemplate", json.RawMessage(raw))
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateInstanceData(ctx, instanceID, inst.CurrentStateID, updated); err != nil {
		return nil, err
	}

	if message = strings.TrimSpace(message); message == "" {
		message = "Update proposal template"
	}
	if err := s.templates.EnsureRepo(instanceID, raw, session.UserName); err != nil {
		return nil, err
	}
	revision, err := s.templates.CommitTemplate(instanceID, raw, session.UserName, message)
	if err != nil {
		// A freshly initialized repo already carries this exact template
		// as its baseline commit.
		if !errors.Is(err, templaterepo.ErrUnchanged) {
			return nil, err
		}
		_, revision, err = s.templates.Head(instanceID)
		if err != nil {
			return nil, err
		}
	}

	payload := templatePayload(raw, t, "instance")
	payload["revision"] = revision
	return payload, nil
}

func (s *Service) TemplateHistory(ctx context.Context, instanceID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	revisions, err := s.templates.History(instanceID, limit)
	if err != nil {
		if errors.Is(err, templaterepo.ErrNotInitialized) {
			return map[string]any{"revisions": []templaterepo.Revision{}}, nil
		}
		return nil, err
	}
	return map[string]any{"revisions": revisions}, nil
}

// ── Proposals ──

func (s *Service) CreateProposal(ctx context.Context, instanceID string, raw json.RawMessage, session Session) (map[string]any, error) {
	inst, _, sch, mi, err := s.loadInstanceContext(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != schema.StatusPublished {
		return nil, domainError(http.StatusConflict, "INSTANCE_NOT_PUBLISHED", "Proposals require a published instance", nil)
	}
	if !schema.CanSubmitProposal(sch, &mi) {
		return nil, domainError(http.StatusConflict, "PHASE_CLOSED", "The current phase does not accept proposals", nil)
	}
	if limit, ok := schema.PhaseSettingInt(&mi, "maxProposalsPerMember"); ok {
		count, err := s.store.CountMemberProposals(ctx, instanceID, session.UserID)
		if err != nil {
			return nil, err
		}
		if count >= limit {
			return nil, domainError(http.StatusUnprocessableEntity, "PROPOSAL_LIMIT_REACHED",
				fmt.Sprintf("You can create at most %d proposals in this phase", limit), nil)
		}
	}

	data, normalized, err := normalizedData(raw)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}

	p := store.Proposal{
		ID:         util.NewID("prop"),
		InstanceID: instanceID,
		Status:     proposal.StatusDraft,
		Visibility: proposal.VisibilityVisible,
		Data:       normalized,
		CreatedBy:  session.UserID,
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	s.indexProposal(p, data)
	return proposalPayload(p, normalized), nil
}

func (s *Service) GetProposal(ctx context.Context, proposalID string, session Session) (map[string]any, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if !s.canSeeProposal(p, session) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	_, normalized, err := normalizedData(p.Data)
	if err != nil {
		return nil, fmt.Errorf("normalize proposal %s: %w", proposalID, err)
	}
	return proposalPayload(p, normalized), nil
}

func (s *Service) ListProposals(ctx context.Context, instanceID string, session Session) (map[string]any, error) {
	if _, err := s.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	includeHidden := s.Can(session.Role, rbac.ActionModerate)
	proposals, err := s.store.ListProposals(ctx, instanceID, includeHidden)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(proposals))
	for _, p := range proposals {
		if !includeHidden && p.Visibility == proposal.VisibilityHidden && p.CreatedBy != session.UserID {
			continue
		}
		_, normalized, err := normalizedData(p.Data)
		if err != nil {
			return nil, fmt.Errorf("normalize proposal %s: %w", p.ID, err)
		}
		items = append(items, proposalPayload(p, normalized))
	}
	return map[string]any{"proposals": items}, nil
}

func (s *Service) UpdateProposal(ctx context.Context, proposalID string, raw json.RawMessage, session Session) (map[string]any, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.CreatedBy != session.UserID && !s.Can(session.Role, rbac.ActionModerate) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if p.Status != proposal.StatusDraft {
		return nil, domainError(http.StatusConflict, "PROPOSAL_NOT_DRAFT", "Only draft proposals can be edited", nil)
	}

	data, normalized, err := normalizedData(raw)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}
	if err := s.store.UpdateProposalData(ctx, proposalID, normalized); err != nil {
		return nil, err
	}
	p.Data = normalized
	s.indexProposal(p, data)
	return proposalPayload(p, normalized), nil
}

func (s *Service) SubmitProposal(ctx context.Context, proposalID string, session Session) (map[string]any, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.CreatedBy != session.UserID && !s.Can(session.Role, rbac.ActionModerate) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	_, process, sch, mi, err := s.loadInstanceContext(ctx, p.InstanceID)
	if err != nil {
		return nil, err
	}
	if !schema.CanSubmitProposal(sch, &mi) {
		return nil, domainError(http.StatusConflict, "PHASE_CLOSED", "The current phase does not accept submissions", nil)
	}

	data, normalized, err := normalizedData(p.Data)
	if err != nil {
		return nil, fmt.Errorf("normalize proposal %s: %w", proposalID, err)
	}
	resolved := template.ResolveProposalTemplate(mi.Data.ProposalTemplate, process.Config)
	constraints := proposal.Constraints{}
	if maxBudget, ok := schema.PhaseSettingInt(&mi, "maxBudgetAmount"); ok {
		capped := float64(maxBudget)
		constraints.MaxBudgetAmount = &capped
	}
	if err := s.validator.Validate(ctx, data, resolved, constraints); err != nil {
		var verr *proposal.ValidationError
		if errors.As(err, &verr) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Proposal failed validation", verr.Fields)
		}
		return nil, err
	}

	submitted, err := s.store.SubmitProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if !submitted {
		return nil, domainError(http.StatusConflict, "ALREADY_SUBMITTED", "Proposal is not in draft", nil)
	}

	p, err = s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	s.indexProposal(p, data)
	return proposalPayload(p, normalized), nil
}

func (s *Service) WithdrawProposal(ctx context.Context, proposalID string, session Session) (map[string]any, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.CreatedBy != session.UserID && !s.Can(session.Role, rbac.ActionModerate) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if p.Status == proposal.StatusWithdrawn {
		return nil, domainError(http.StatusConflict, "ALREADY_WITHDRAWN", "Proposal is already withdrawn", nil)
	}
	if err := s.store.UpdateProposalStatus(ctx, proposalID, proposal.StatusWithdrawn); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.DeleteProposal(proposalID)
	}
	p.Status = proposal.StatusWithdrawn
	return proposalPayload(p, p.Data), nil
}

func (s *Service) SetProposalVisibility(ctx context.Context, proposalID, visibility string) (map[string]any, error) {
	if visibility != proposal.VisibilityVisible && visibility != proposal.VisibilityHidden {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "visibility must be visible or hidden", nil)
	}
	ok, err := s.store.UpdateProposalVisibility(ctx, proposalID, visibility)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if data, normalized, err := normalizedData(p.Data); err == nil {
		p.Data = normalized
		s.indexProposal(p, data)
	}
	return proposalPayload(p, p.Data), nil
}

func (s *Service) DeleteProposal(ctx context.Context, proposalID string, session Session) error {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.CreatedBy != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	attachments, err := s.store.ListProposalAttachments(ctx, proposalID)
	if err != nil {
		return err
	}
	for _, a := range attachments {
		if s.files != nil {
			_ = s.files.Delete(ctx, a.ObjectKey)
		}
		if err := s.store.DeleteAttachment(ctx, a.ID); err != nil {
			return err
		}
	}
	if err := s.store.DeleteProposal(ctx, proposalID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteProposal(proposalID)
	}
	return nil
}

func (s *Service) canSeeProposal(p store.Proposal, session Session) bool {
	if p.Visibility != proposal.VisibilityHidden {
		return true
	}
	return p.CreatedBy == session.UserID || s.Can(session.Role, rbac.ActionModerate)
}

func (s *Service) indexProposal(p store.Proposal, data proposal.Data) {
	if s.search == nil {
		return
	}
	s.search.IndexProposal(search.ProposalRecord{
		ID:          p.ID,
		Title:       data.Title,
		Description: data.Description,
		Category:    data.Category,
		InstanceID:  p.InstanceID,
		Status:      p.Status,
		Visibility:  p.Visibility,
	})
}

// ── Search ──

func (s *Service) Search(ctx context.Context, text, filterType, instanceID string, limit, offset int, session Session) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.search.Search(search.Query{
		Text:             text,
		FilterType:       search.ResultType(filterType),
		FilterInstanceID: instanceID,
		Limit:            limit,
		Offset:           offset,
		IncludeHidden:    s.Can(session.Role, rbac.ActionModerate),
	}), nil
}

// ── Attachments ──

func (s *Service) UploadAttachment(ctx context.Context, proposalID, fileName, mimeType string, size int64, reader io.Reader, session Session) (map[string]any, error) {
	if s.files == nil {
		return nil, domainError(http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.CreatedBy != session.UserID && !s.Can(session.Role, rbac.ActionModerate) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if fileName = strings.TrimSpace(fileName); fileName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file name is required", nil)
	}

	attachment := store.Attachment{
		ID:         util.NewID("att"),
		ProposalID: proposalID,
		FileName:   fileName,
		MimeType:   mimeType,
		SizeBytes:  size,
		UploadedBy: session.UserID,
	}
	attachment.ObjectKey = files.ObjectKey(proposalID, attachment.ID, fileName)
	if err := s.files.Upload(ctx, attachment.ObjectKey, reader, size, mimeType); err != nil {
		return nil, err
	}
	if err := s.store.CreateAttachment(ctx, attachment); err != nil {
		return nil, err
	}
	return attachmentPayload(attachment), nil
}

func (s *Service) ListAttachments(ctx context.Context, proposalID string, session Session) (map[string]any, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if !s.canSeeProposal(p, session) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	attachments, err := s.store.ListProposalAttachments(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		items = append(items, attachmentPayload(a))
	}
	return map[string]any{"attachments": items}, nil
}

func (s *Service) AttachmentDownloadURL(ctx context.Context, attachmentID string, session Session) (map[string]any, error) {
	if s.files == nil {
		return nil, domainError(http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetProposal(ctx, attachment.ProposalID)
	if err != nil {
		return nil, err
	}
	if !s.canSeeProposal(p, session) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	url, err := s.files.DownloadURL(ctx, attachment.ObjectKey, attachment.FileName)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "fileName": attachment.FileName, "mimeType": attachment.MimeType}, nil
}

func (s *Service) DeleteProposalAttachment(ctx context.Context, attachmentID string, session Session) error {
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	p, err := s.store.GetProposal(ctx, attachment.ProposalID)
	if err != nil {
		return err
	}
	if p.CreatedBy != session.UserID && !s.Can(session.Role, rbac.ActionModerate) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if s.files != nil {
		_ = s.files.Delete(ctx, attachment.ObjectKey)
	}
	return s.store.DeleteAttachment(ctx, attachmentID)
}

// ── Export ──

func (s *Service) ExportProposal(ctx context.Context, req export.Request, session Session) (*export.Result, error) {
	p, err := s.store.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	if !s.canSeeProposal(p, session) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return s.exporter.Export(ctx, req)
}

// GetProposalExport assembles the renderer's view of a proposal: normalized
// payload, compiled template labels and the hosted document body if one
// exists.
func (s *Service) GetProposalExport(ctx context.Context, proposalID string) (export.ProposalInfo, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return export.ProposalInfo{}, err
	}
	inst, process, _, mi, err := s.loadInstanceContext(ctx, p.InstanceID)
	if err != nil {
		return export.ProposalInfo{}, err
	}
	data, _, err := normalizedData(p.Data)
	if err != nil {
		return export.ProposalInfo{}, fmt.Errorf("normalize proposal %s: %w", proposalID, err)
	}

	info := export.ProposalInfo{
		ID:           p.ID,
		Title:        data.Title,
		Category:     data.Category,
		Author:       p.CreatedBy,
		InstanceName: inst.Name,
		Status:       p.Status,
		SubmittedAt:  p.SubmittedAt,
		Description:  data.Description,
	}
	if data.Budget != nil {
		info.BudgetLabel = fmt.Sprintf("%.2f %s", data.Budget.Amount, data.Budget.Currency)
	}
	if user, err := s.store.GetUserByID(ctx, p.CreatedBy); err == nil && user.DisplayName != "" {
		info.Author = user.DisplayName
	}

	resolved := template.ResolveProposalTemplate(mi.Data.ProposalTemplate, process.Config)
	for _, field := range template.Compile(resolved) {
		if field.IsSystem {
			continue
		}
		if value, ok := data.ExtraString(field.Key); ok && strings.TrimSpace(value) != "" {
			label := field.Title
			if label == "" {
				label = field.Key
			}
			info.Fields = append(info.Fields, export.FieldValue{Label: label, Value: value})
		}
	}

	if data.CollaborationDocID != "" && s.docs != nil {
		doc, err := s.docs.GetDocument(ctx, data.CollaborationDocID)
		if err == nil && doc.Fragments != nil {
			if raw, ok := doc.Fragments["description"]; ok {
				var node map[string]any
				if err := json.Unmarshal(raw, &node); err == nil {
					info.Content = node
				}
			}
		}
	}
	return info, nil
}

// ── Helpers ──

func (s *Service) loadInstanceContext(ctx context.Context, instanceID string) (store.Instance, store.Process, *schema.DecisionSchema, schema.Instance, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return store.Instance{}, store.Process{}, nil, schema.Instance{}, err
	}
	process, err := s.store.GetProcess(ctx, inst.ProcessID)
	if err != nil {
		return store.Instance{}, store.Process{}, nil, schema.Instance{}, err
	}
	sch, err := schema.Parse(process.Schema)
	if err != nil {
		return store.Instance{}, store.Process{}, nil, schema.Instance{},
			domainError(http.StatusConflict, "SCHEMA_INVALID", "process schema is not usable: "+err.Error(), nil)
	}
	var data schema.InstanceData
	if len(inst.InstanceData) > 0 {
		if err := json.Unmarshal(inst.InstanceData, &data); err != nil {
			return store.Instance{}, store.Process{}, nil, schema.Instance{},
				fmt.Errorf("decode instance data for %s: %w", instanceID, err)
		}
	}
	mi := schema.Instance{
		ID:             inst.ID,
		Status:         inst.Status,
		CurrentStateID: inst.CurrentStateID,
		Data:           data,
	}
	return inst, process, sch, mi, nil
}

// normalizedData decodes a proposal payload and runs the legacy normalizer,
// returning both the typed form and the canonical JSON. Every read and
// write path goes through it so callers always see canonical shapes.
func normalizedData(raw json.RawMessage) (proposal.Data, json.RawMessage, error) {
	var data proposal.Data
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return proposal.Data{}, nil, err
		}
	}
	data = proposal.Normalize(data)
	normalized, err := json.Marshal(data)
	if err != nil {
		return proposal.Data{}, nil, err
	}
	return data, normalized, nil
}

// mutateInstanceData applies an edit to the raw instance_data blob through a
// generic map so keys this service does not model survive untouched.
func mutateInstanceData(raw json.RawMessage, mutate func(m map[string]any) error) (json.RawMessage, error) {
	m := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode instance data: %w", err)
		}
	}
	if err := mutate(m); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode instance data: %w", err)
	}
	return encoded, nil
}

func putJSON(m map[string]any, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	m[key] = generic
	return nil
}

func mergedPhases(sch *schema.DecisionSchema, mi *schema.Instance) []map[string]any {
	phases := make([]map[string]any, 0, len(sch.Phases))
	for _, phase := range sch.Phases {
		entry := map[string]any{
			"id":      phase.ID,
			"name":    phase.Name,
			"rules":   phase.Rules,
			"current": phase.ID == mi.Data.CurrentPhaseID,
		}
		if override, ok := schema.PhaseOverride(mi, phase.ID); ok {
			if override.Name != "" {
				entry["name"] = override.Name
			}
			if override.StartDate != nil {
				entry["startDate"] = override.StartDate
			}
			if override.EndDate != nil {
				entry["endDate"] = override.EndDate
			}
			if len(override.Settings) > 0 {
				entry["settings"] = override.Settings
			}
		}
		phases = append(phases, entry)
	}
	return phases
}

func processPayload(p store.Process) map[string]any {
	payload := map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"schema":      json.RawMessage(p.Schema),
		"createdBy":   p.CreatedBy,
		"createdAt":   p.CreatedAt,
		"updatedAt":   p.UpdatedAt,
	}
	if len(p.Config) > 0 {
		payload["config"] = json.RawMessage(p.Config)
	}
	return payload
}

func instancePayload(inst store.Instance) map[string]any {
	payload := map[string]any{
		"id":             inst.ID,
		"processId":      inst.ProcessID,
		"name":           inst.Name,
		"status":         inst.Status,
		"currentStateId": inst.CurrentStateID,
		"instanceData":   json.RawMessage(inst.InstanceData),
		"createdBy":      inst.CreatedBy,
		"createdAt":      inst.CreatedAt,
		"updatedAt":      inst.UpdatedAt,
	}
	if inst.PublishedAt != nil {
		payload["publishedAt"] = inst.PublishedAt
	}
	return payload
}

func transitionPayload(t store.Transition) map[string]any {
	payload := map[string]any{
		"id":            t.ID,
		"instanceId":    t.InstanceID,
		"fromStateId":   t.FromStateID,
		"toStateId":     t.ToStateID,
		"scheduledDate": t.ScheduledDate,
	}
	if t.CompletedAt != nil {
		payload["completedAt"] = t.CompletedAt
	}
	return payload
}

func proposalPayload(p store.Proposal, data json.RawMessage) map[string]any {
	payload := map[string]any{
		"id":         p.ID,
		"instanceId": p.InstanceID,
		"status":     p.Status,
		"visibility": p.Visibility,
		"data":       json.RawMessage(data),
		"createdBy":  p.CreatedBy,
		"createdAt":  p.CreatedAt,
		"updatedAt":  p.UpdatedAt,
	}
	if p.SubmittedAt != nil {
		payload["submittedAt"] = p.SubmittedAt
	}
	return payload
}

func attachmentPayload(a store.Attachment) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"proposalId": a.ProposalID,
		"fileName":   a.FileName,
		"mimeType":   a.MimeType,
		"sizeBytes":  a.SizeBytes,
		"uploadedBy": a.UploadedBy,
		"createdAt":  a.CreatedAt,
	}
}

func templatePayload(raw json.RawMessage, t *template.Template, source string) map[string]any {
	return map[string]any{
		"template": json.RawMessage(raw),
		"fields":   template.Compile(t),
		"source":   source,
	}
}
