package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agora/api/internal/scheduler"
	"agora/api/internal/schema"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/templaterepo"
	"agora/api/internal/util"
)

// fakeStore is an in-memory stand-in for the Postgres store. Conditional
// updates mirror the SQL semantics: they return false instead of erroring
// when the row is not in the expected state.
type fakeStore struct {
	users       map[string]store.User
	processes   map[string]store.Process
	instances   map[string]store.Instance
	transitions map[string]store.Transition
	proposals   map[string]store.Proposal
	attachments map[string]store.Attachment
	revokedJTIs map[string]bool
	refresh     map[string]refreshEntry
	resets      map[string]string
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]store.User),
		processes:   make(map[string]store.Process),
		instances:   make(map[string]store.Instance),
		transitions: make(map[string]store.Transition),
		proposals:   make(map[string]store.Proposal),
		attachments: make(map[string]store.Attachment),
		revokedJTIs: make(map[string]bool),
		refresh:     make(map[string]refreshEntry),
		resets:      make(map[string]string),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

// ── users / auth ──

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.Role = role
	f.users[userID] = user
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(ctx context.Context, token string) error {
	for id, user := range f.users {
		if user.VerificationToken == token && token != "" {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	delete(f.resets, token)
	return nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.revokedJTIs[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return f.revokedJTIs[jti], nil
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.refresh[tokenHash] = refreshEntry{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	entry, ok := f.refresh[tokenHash]
	if !ok || time.Now().After(entry.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return f.GetUserByID(ctx, entry.userID)
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.refresh, tokenHash)
	return nil
}

// ── processes ──

func (f *fakeStore) CreateProcess(ctx context.Context, process store.Process) error {
	process.CreatedAt = time.Now()
	process.UpdatedAt = process.CreatedAt
	f.processes[process.ID] = process
	return nil
}

func (f *fakeStore) GetProcess(ctx context.Context, processID string) (store.Process, error) {
	process, ok := f.processes[processID]
	if !ok {
		return store.Process{}, sql.ErrNoRows
	}
	return process, nil
}

func (f *fakeStore) ListProcesses(ctx context.Context) ([]store.Process, error) {
	out := make([]store.Process, 0, len(f.processes))
	for _, p := range f.processes {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) UpdateProcess(ctx context.Context, processID, name, description string, schemaJSON, configJSON json.RawMessage) error {
	process, ok := f.processes[processID]
	if !ok {
		return sql.ErrNoRows
	}
	process.Name = name
	process.Description = description
	process.Schema = schemaJSON
	process.Config = configJSON
	process.UpdatedAt = time.Now()
	f.processes[processID] = process
	return nil
}

// ── instances ──

func (f *fakeStore) CreateInstance(ctx context.Context, inst store.Instance) error {
	inst.CreatedAt = time.Now()
	inst.UpdatedAt = inst.CreatedAt
	f.instances[inst.ID] = inst
	return nil
}

func (f *fakeStore) GetInstance(ctx context.Context, instanceID string) (store.Instance, error) {
	inst, ok := f.instances[instanceID]
	if !ok {
		return store.Instance{}, sql.ErrNoRows
	}
	return inst, nil
}

func (f *fakeStore) ListInstances(ctx context.Context, processID string) ([]store.Instance, error) {
	out := make([]store.Instance, 0)
	for _, inst := range f.instances {
		if inst.ProcessID == processID {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateInstanceData(ctx context.Context, instanceID, currentStateID string, data json.RawMessage) error {
	inst, ok := f.instances[instanceID]
	if !ok {
		return sql.ErrNoRows
	}
	inst.CurrentStateID = currentStateID
	inst.InstanceData = data
	inst.UpdatedAt = time.Now()
	f.instances[instanceID] = inst
	return nil
}

// advancePhase mirrors the production jsonb_set: only currentPhaseId changes
// inside the blob, every other key survives.
func (f *fakeStore) advancePhase(instanceID, toPhaseID string) error {
	inst, ok := f.instances[instanceID]
	if !ok {
		return sql.ErrNoRows
	}
	blob := map[string]any{}
	if len(inst.InstanceData) > 0 {
		if err := json.Unmarshal(inst.InstanceData, &blob); err != nil {
			return err
		}
	}
	blob["currentPhaseId"] = toPhaseID
	encoded, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	inst.CurrentStateID = toPhaseID
	inst.InstanceData = encoded
	inst.UpdatedAt = time.Now()
	f.instances[instanceID] = inst
	return nil
}

func (f *fakeStore) AdvanceInstancePhase(ctx context.Context, instanceID, toPhaseID string) error {
	return f.advancePhase(instanceID, toPhaseID)
}

func (f *fakeStore) PublishInstance(ctx context.Context, instanceID string) (bool, error) {
	inst, ok := f.instances[instanceID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if inst.Status != "draft" {
		return false, nil
	}
	now := time.Now()
	inst.Status = "published"
	inst.PublishedAt = &now
	f.instances[instanceID] = inst
	return true, nil
}

// ── transitions ──

func (f *fakeStore) CreateTransition(ctx context.Context, t store.Transition) error {
	t.CreatedAt = time.Now()
	f.transitions[t.ID] = t
	return nil
}

func (f *fakeStore) ListTransitions(ctx context.Context, instanceID string) ([]store.Transition, error) {
	out := make([]store.Transition, 0)
	for _, t := range f.transitions {
		if t.InstanceID == instanceID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) RescheduleTransition(ctx context.Context, transitionID string, scheduledDate time.Time) (bool, error) {
	t, ok := f.transitions[transitionID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if t.CompletedAt != nil {
		return false, nil
	}
	t.ScheduledDate = scheduledDate
	f.transitions[transitionID] = t
	return true, nil
}

func (f *fakeStore) DeleteTransition(ctx context.Context, transitionID string) (bool, error) {
	t, ok := f.transitions[transitionID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if t.CompletedAt != nil {
		return false, nil
	}
	delete(f.transitions, transitionID)
	return true, nil
}

func (f *fakeStore) ListDueTransitions(ctx context.Context, now time.Time) ([]scheduler.DueInstance, error) {
	byInstance := make(map[string][]scheduler.Transition)
	for _, t := range f.transitions {
		if t.CompletedAt != nil || t.ScheduledDate.After(now) {
			continue
		}
		byInstance[t.InstanceID] = append(byInstance[t.InstanceID], scheduler.Transition{
			ID:            t.ID,
			InstanceID:    t.InstanceID,
			FromStateID:   t.FromStateID,
			ToStateID:     t.ToStateID,
			ScheduledDate: t.ScheduledDate,
		})
	}

	out := make([]scheduler.DueInstance, 0, len(byInstance))
	for instanceID, due := range byInstance {
		inst, ok := f.instances[instanceID]
		if !ok {
			continue
		}
		process, ok := f.processes[inst.ProcessID]
		if !ok {
			continue
		}
		sch, err := schema.Parse(process.Schema)
		if err != nil {
			continue
		}
		var data schema.InstanceData
		_ = json.Unmarshal(inst.InstanceData, &data)
		out = append(out, scheduler.DueInstance{
			Instance: schema.Instance{
				ID:             inst.ID,
				Status:         inst.Status,
				CurrentStateID: inst.CurrentStateID,
				Data:           data,
			},
			Schema:      sch,
			Transitions: due,
		})
	}
	return out, nil
}

func (f *fakeStore) ApplyTransition(ctx context.Context, transitionID, instanceID, toPhaseID string, completedAt time.Time) (bool, error) {
	t, ok := f.transitions[transitionID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if t.CompletedAt != nil {
		return false, nil
	}
	t.CompletedAt = &completedAt
	f.transitions[transitionID] = t
	return true, f.advancePhase(instanceID, toPhaseID)
}

// ── proposals ──

func (f *fakeStore) CreateProposal(ctx context.Context, p store.Proposal) error {
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	f.proposals[p.ID] = p
	return nil
}

func (f *fakeStore) GetProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	p, ok := f.proposals[proposalID]
	if !ok {
		return store.Proposal{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) ListProposals(ctx context.Context, instanceID string, includeHidden bool) ([]store.Proposal, error) {
	out := make([]store.Proposal, 0)
	for _, p := range f.proposals {
		if p.InstanceID != instanceID {
			continue
		}
		if !includeHidden && p.Visibility == "hidden" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) UpdateProposalData(ctx context.Context, proposalID string, data json.RawMessage) error {
	p, ok := f.proposals[proposalID]
	if !ok {
		return sql.ErrNoRows
	}
	p.Data = data
	p.UpdatedAt = time.Now()
	f.proposals[proposalID] = p
	return nil
}

func (f *fakeStore) SubmitProposal(ctx context.Context, proposalID string) (bool, error) {
	p, ok := f.proposals[proposalID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if p.Status != "draft" {
		return false, nil
	}
	now := time.Now()
	p.Status = "submitted"
	p.SubmittedAt = &now
	f.proposals[proposalID] = p
	return true, nil
}

func (f *fakeStore) UpdateProposalStatus(ctx context.Context, proposalID, status string) error {
	p, ok := f.proposals[proposalID]
	if !ok {
		return sql.ErrNoRows
	}
	p.Status = status
	f.proposals[proposalID] = p
	return nil
}

func (f *fakeStore) UpdateProposalVisibility(ctx context.Context, proposalID, visibility string) (bool, error) {
	p, ok := f.proposals[proposalID]
	if !ok {
		return false, nil
	}
	p.Visibility = visibility
	f.proposals[proposalID] = p
	return true, nil
}

func (f *fakeStore) DeleteProposal(ctx context.Context, proposalID string) error {
	delete(f.proposals, proposalID)
	return nil
}

func (f *fakeStore) CountMemberProposals(ctx context.Context, instanceID, userID string) (int, error) {
	count := 0
	for _, p := range f.proposals {
		if p.InstanceID == instanceID && p.CreatedBy == userID && p.Status != "withdrawn" {
			count++
		}
	}
	return count, nil
}

// ── attachments ──

func (f *fakeStore) CreateAttachment(ctx context.Context, a store.Attachment) error {
	a.CreatedAt = time.Now()
	f.attachments[a.ID] = a
	return nil
}

func (f *fakeStore) GetAttachment(ctx context.Context, attachmentID string) (store.Attachment, error) {
	a, ok := f.attachments[attachmentID]
	if !ok {
		return store.Attachment{}, sql.ErrNoRows
	}
	return a, nil
}

func (f *fakeStore) ListProposalAttachments(ctx context.Context, proposalID string) ([]store.Attachment, error) {
	out := make([]store.Attachment, 0)
	for _, a := range f.attachments {
		if a.ProposalID == proposalID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	delete(f.attachments, attachmentID)
	return nil
}

// fakeTemplateRepo keeps template history in memory with fabricated hashes.
type fakeTemplateRepo struct {
	heads     map[string][]fakeRevision
	commitSeq int
}

type fakeRevision struct {
	raw      json.RawMessage
	revision templaterepo.Revision
}

func newFakeTemplateRepo() *fakeTemplateRepo {
	return &fakeTemplateRepo{heads: make(map[string][]fakeRevision)}
}

func (f *fakeTemplateRepo) commit(instanceID string, raw json.RawMessage, author, message string) templaterepo.Revision {
	f.commitSeq++
	revision := templaterepo.Revision{
		Hash:      fmt.Sprintf("%07x", f.commitSeq),
		Message:   message,
		Author:    author,
		CreatedAt: time.Now(),
	}
	f.heads[instanceID] = append(f.heads[instanceID], fakeRevision{raw: raw, revision: revision})
	return revision
}

func (f *fakeTemplateRepo) EnsureRepo(instanceID string, initial json.RawMessage, author string) error {
	if _, ok := f.heads[instanceID]; ok {
		return nil
	}
	f.commit(instanceID, initial, author, "Import template baseline")
	return nil
}

func (f *fakeTemplateRepo) CommitTemplate(instanceID string, template json.RawMessage, author, message string) (templaterepo.Revision, error) {
	history, ok := f.heads[instanceID]
	if !ok {
		return templaterepo.Revision{}, templaterepo.ErrNotInitialized
	}
	if string(history[len(history)-1].raw) == string(template) {
		return templaterepo.Revision{}, templaterepo.ErrUnchanged
	}
	return f.commit(instanceID, template, author, message), nil
}

func (f *fakeTemplateRepo) Head(instanceID string) (json.RawMessage, templaterepo.Revision, error) {
	history, ok := f.heads[instanceID]
	if !ok {
		return nil, templaterepo.Revision{}, templaterepo.ErrNotInitialized
	}
	head := history[len(history)-1]
	return head.raw, head.revision, nil
}

func (f *fakeTemplateRepo) GetByHash(instanceID, hash string) (json.RawMessage, error) {
	history, ok := f.heads[instanceID]
	if !ok {
		return nil, templaterepo.ErrNotInitialized
	}
	for _, entry := range history {
		if entry.revision.Hash == hash {
			return entry.raw, nil
		}
	}
	return nil, fmt.Errorf("resolve hash %s: not found", hash)
}

func (f *fakeTemplateRepo) History(instanceID string, limit int) ([]templaterepo.Revision, error) {
	history, ok := f.heads[instanceID]
	if !ok {
		return nil, templaterepo.ErrNotInitialized
	}
	out := make([]templaterepo.Revision, 0, len(history))
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i].revision)
	}
	return out, nil
}

// fakeSearch records index calls; Search returns a canned response.
type fakeSearch struct {
	indexedProposals []search.ProposalRecord
	indexedProcesses []search.ProcessRecord
	deleted          []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexProposal(p search.ProposalRecord) {
	f.indexedProposals = append(f.indexedProposals, p)
}

func (f *fakeSearch) IndexProcess(p search.ProcessRecord) {
	f.indexedProcesses = append(f.indexedProcesses, p)
}

func (f *fakeSearch) DeleteProposal(id string) {
	f.deleted = append(f.deleted, id)
}

func seedUser(f *fakeStore, role string) store.User {
	user := store.User{
		ID:              util.NewID("usr"),
		DisplayName:     role + " user",
		Email:           util.NewID("") + "@example.org",
		Role:            role,
		IsEmailVerified: true,
	}
	f.users[user.ID] = user
	return user
}
