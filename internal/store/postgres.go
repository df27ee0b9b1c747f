package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"agora/api/internal/scheduler"
	"agora/api/internal/schema"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users and auth ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, NULLIF($7, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), role, is_email_verified, deactivated_at, created_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.DeactivatedAt, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), role, is_email_verified, deactivated_at, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.DeactivatedAt, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deactivated_at IS NULL
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- processes ---

func (s *PostgresStore) CreateProcess(ctx context.Context, process Process) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (id, name, description, schema_json, config_json, created_by)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
	`, process.ID, process.Name, process.Description, string(process.Schema), configOrEmpty(process.Config), process.CreatedBy)
	if err != nil {
		return fmt.Errorf("create process: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProcess(ctx context.Context, processID string) (Process, error) {
	var item Process
	var schemaRaw, configRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, schema_json, config_json, created_by, created_at, updated_at
		FROM processes
		WHERE id=$1
	`, processID).Scan(&item.ID, &item.Name, &item.Description, &schemaRaw, &configRaw, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Process{}, err
	}
	item.Schema = json.RawMessage(schemaRaw)
	item.Config = json.RawMessage(configRaw)
	return item, nil
}

func (s *PostgresStore) ListProcesses(ctx context.Context) ([]Process, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, schema_json, config_json, created_by, created_at, updated_at
		FROM processes
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	items := make([]Process, 0)
	for rows.Next() {
		var item Process
		var schemaRaw, configRaw []byte
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &schemaRaw, &configRaw, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		item.Schema = json.RawMessage(schemaRaw)
		item.Config = json.RawMessage(configRaw)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateProcess(ctx context.Context, processID, name, description string, schemaJSON, configJSON json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processes
		SET name=$2, description=$3, schema_json=$4::jsonb, config_json=$5::jsonb, updated_at=NOW()
		WHERE id=$1
	`, processID, name, description, string(schemaJSON), configOrEmpty(configJSON))
	if err != nil {
		return fmt.Errorf("update process: %w", err)
	}
	return nil
}

func configOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// --- process instances ---

func (s *PostgresStore) CreateInstance(ctx context.Context, inst Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_instances (id, process_id, name, status, current_state_id, instance_data, created_by)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, inst.ID, inst.ProcessID, inst.Name, inst.Status, inst.CurrentStateID, string(inst.InstanceData), inst.CreatedBy)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	var item Instance
	var dataRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, process_id, name, status, current_state_id, instance_data, created_by, published_at, created_at, updated_at
		FROM process_instances
		WHERE id=$1
	`, instanceID).Scan(&item.ID, &item.ProcessID, &item.Name, &item.Status, &item.CurrentStateID, &dataRaw, &item.CreatedBy, &item.PublishedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Instance{}, err
	}
	item.InstanceData = json.RawMessage(dataRaw)
	return item, nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, processID string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, process_id, name, status, current_state_id, instance_data, created_by, published_at, created_at, updated_at
		FROM process_instances
		WHERE process_id=$1 OR $1=''
		ORDER BY created_at DESC
	`, processID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	items := make([]Instance, 0)
	for rows.Next() {
		var item Instance
		var dataRaw []byte
		if err := rows.Scan(&item.ID, &item.ProcessID, &item.Name, &item.Status, &item.CurrentStateID, &dataRaw, &item.CreatedBy, &item.PublishedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		item.InstanceData = json.RawMessage(dataRaw)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return items, nil
}

// UpdateInstanceData replaces the full instance_data blob and keeps
// current_state_id in lockstep with the blob's currentPhaseId.
func (s *PostgresStore) UpdateInstanceData(ctx context.Context, instanceID, currentStateID string, data json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE process_instances
		SET current_state_id=$2, instance_data=$3::jsonb, updated_at=NOW()
		WHERE id=$1
	`, instanceID, currentStateID, string(data))
	if err != nil {
		return fmt.Errorf("update instance data: %w", err)
	}
	return nil
}

// AdvanceInstancePhase moves the instance to a new phase. The denormalized
// column and the JSONB currentPhaseId are written in the same statement;
// jsonb_set keeps every other key of the blob intact.
func (s *PostgresStore) AdvanceInstancePhase(ctx context.Context, instanceID, toPhaseID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE process_instances
		SET current_state_id=$2,
			instance_data=jsonb_set(instance_data, '{currentPhaseId}', to_jsonb($2::text)),
			updated_at=NOW()
		WHERE id=$1
	`, instanceID, toPhaseID)
	if err != nil {
		return fmt.Errorf("advance instance phase: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateInstanceStatus(ctx context.Context, instanceID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE process_instances SET status=$2, updated_at=NOW() WHERE id=$1`, instanceID, status)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	return nil
}

func (s *PostgresStore) PublishInstance(ctx context.Context, instanceID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_instances
		SET status='published', published_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='draft'
	`, instanceID)
	if err != nil {
		return false, fmt.Errorf("publish instance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("publish instance rows: %w", err)
	}
	return affected > 0, nil
}

// --- transitions ---

func (s *PostgresStore) CreateTransition(ctx context.Context, t Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (id, instance_id, from_state_id, to_state_id, scheduled_date)
		VALUES ($1, $2, $3, $4, $5)
	`, t.ID, t.InstanceID, t.FromStateID, t.ToStateID, t.ScheduledDate)
	if err != nil {
		return fmt.Errorf("create transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTransitions(ctx context.Context, instanceID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, from_state_id, to_state_id, scheduled_date, completed_at, created_at
		FROM transitions
		WHERE instance_id=$1
		ORDER BY scheduled_date ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	items := make([]Transition, 0)
	for rows.Next() {
		var item Transition
		if err := rows.Scan(&item.ID, &item.InstanceID, &item.FromStateID, &item.ToStateID, &item.ScheduledDate, &item.CompletedAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return items, nil
}

// RescheduleTransition moves an uncompleted transition's date. Completed
// transitions are history and refuse rescheduling.
func (s *PostgresStore) RescheduleTransition(ctx context.Context, transitionID string, scheduledDate time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transitions SET scheduled_date=$2
		WHERE id=$1 AND completed_at IS NULL
	`, transitionID, scheduledDate)
	if err != nil {
		return false, fmt.Errorf("reschedule transition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reschedule transition rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteTransition(ctx context.Context, transitionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE id=$1 AND completed_at IS NULL`, transitionID)
	if err != nil {
		return false, fmt.Errorf("delete transition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete transition rows: %w", err)
	}
	return affected > 0, nil
}

// ListDueTransitions loads every uncompleted transition whose scheduled
// date has passed, grouped by instance and joined with the owning process
// schema. Instances whose process schema no longer parses are skipped with
// a log line rather than failing the whole pass.
func (s *PostgresStore) ListDueTransitions(ctx context.Context, now time.Time) ([]scheduler.DueInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.instance_id, t.from_state_id, t.to_state_id, t.scheduled_date,
			i.status, i.current_state_id, i.instance_data, p.schema_json
		FROM transitions t
		JOIN process_instances i ON i.id = t.instance_id
		JOIN processes p ON p.id = i.process_id
		WHERE t.completed_at IS NULL AND t.scheduled_date <= $1
		ORDER BY t.instance_id ASC, t.scheduled_date ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due transitions: %w", err)
	}
	defer rows.Close()

	entries := make([]scheduler.DueInstance, 0)
	index := make(map[string]int)
	broken := make(map[string]bool)
	for rows.Next() {
		var t scheduler.Transition
		var status, currentStateID string
		var dataRaw, schemaRaw []byte
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.FromStateID, &t.ToStateID, &t.ScheduledDate, &status, &currentStateID, &dataRaw, &schemaRaw); err != nil {
			return nil, fmt.Errorf("scan due transition: %w", err)
		}
		if broken[t.InstanceID] {
			continue
		}
		pos, ok := index[t.InstanceID]
		if !ok {
			decisionSchema, err := schema.Parse(schemaRaw)
			if err != nil {
				log.Printf("store: instance %s has unparseable process schema, skipping: %v", t.InstanceID, err)
				broken[t.InstanceID] = true
				continue
			}
			var data schema.InstanceData
			if err := json.Unmarshal(dataRaw, &data); err != nil {
				log.Printf("store: instance %s has unparseable instance data, skipping: %v", t.InstanceID, err)
				broken[t.InstanceID] = true
				continue
			}
			entries = append(entries, scheduler.DueInstance{
				Instance: schema.Instance{
					ID:             t.InstanceID,
					Status:         status,
					CurrentStateID: currentStateID,
					Data:           data,
				},
				Schema: decisionSchema,
			})
			pos = len(entries) - 1
			index[t.InstanceID] = pos
		}
		entries[pos].Transitions = append(entries[pos].Transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due transitions: %w", err)
	}
	return entries, nil
}

// ApplyTransition completes a transition and advances its instance in one
// transaction. The completed_at guard makes the operation idempotent under
// concurrent processor runs: the loser of the race gets false, nil.
func (s *PostgresStore) ApplyTransition(ctx context.Context, transitionID, instanceID, toPhaseID string, completedAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin apply transition: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE transitions SET completed_at=$2
		WHERE id=$1 AND completed_at IS NULL
	`, transitionID, completedAt)
	if err != nil {
		return false, fmt.Errorf("complete transition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete transition rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE process_instances
		SET current_state_id=$2,
			instance_data=jsonb_set(instance_data, '{currentPhaseId}', to_jsonb($2::text)),
			updated_at=NOW()
		WHERE id=$1
	`, instanceID, toPhaseID); err != nil {
		return false, fmt.Errorf("advance instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit apply transition: %w", err)
	}
	return true, nil
}

// --- proposals ---

func (s *PostgresStore) CreateProposal(ctx context.Context, p Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, instance_id, status, visibility, data, created_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, p.ID, p.InstanceID, p.Status, p.Visibility, string(p.Data), p.CreatedBy)
	if err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	var item Proposal
	var dataRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, instance_id, status, visibility, data, created_by, created_at, updated_at, submitted_at
		FROM proposals
		WHERE id=$1
	`, proposalID).Scan(&item.ID, &item.InstanceID, &item.Status, &item.Visibility, &dataRaw, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt, &item.SubmittedAt)
	if err != nil {
		return Proposal{}, err
	}
	item.Data = json.RawMessage(dataRaw)
	return item, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, instanceID string, includeHidden bool) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, status, visibility, data, created_by, created_at, updated_at, submitted_at
		FROM proposals
		WHERE instance_id=$1
		  AND ($2::boolean OR visibility='visible')
		ORDER BY created_at DESC
	`, instanceID, includeHidden)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		var item Proposal
		var dataRaw []byte
		if err := rows.Scan(&item.ID, &item.InstanceID, &item.Status, &item.Visibility, &dataRaw, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt, &item.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		item.Data = json.RawMessage(dataRaw)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateProposalData(ctx context.Context, proposalID string, data json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET data=$2::jsonb, updated_at=NOW() WHERE id=$1
	`, proposalID, string(data))
	if err != nil {
		return fmt.Errorf("update proposal data: %w", err)
	}
	return nil
}

// SubmitProposal flips a draft to submitted. The status guard makes
// double-submits a no-op reported to the caller.
func (s *PostgresStore) SubmitProposal(ctx context.Context, proposalID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status='submitted', submitted_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='draft'
	`, proposalID)
	if err != nil {
		return false, fmt.Errorf("submit proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("submit proposal rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpdateProposalStatus(ctx context.Context, proposalID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE proposals SET status=$2, updated_at=NOW() WHERE id=$1`, proposalID, status)
	if err != nil {
		return fmt.Errorf("update proposal status: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProposalVisibility(ctx context.Context, proposalID, visibility string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET visibility=$2, updated_at=NOW() WHERE id=$1
	`, proposalID, visibility)
	if err != nil {
		return false, fmt.Errorf("update proposal visibility: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update proposal visibility rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteProposal(ctx context.Context, proposalID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proposals WHERE id=$1`, proposalID)
	if err != nil {
		return fmt.Errorf("delete proposal: %w", err)
	}
	return nil
}

// CountMemberProposals counts a member's live proposals in an instance;
// withdrawn proposals do not count against per-member limits.
func (s *PostgresStore) CountMemberProposals(ctx context.Context, instanceID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proposals
		WHERE instance_id=$1 AND created_by=$2 AND status <> 'withdrawn'
	`, instanceID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count member proposals: %w", err)
	}
	return count, nil
}

// --- attachments ---

func (s *PostgresStore) CreateAttachment(ctx context.Context, a Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, proposal_id, file_name, mime_type, size_bytes, object_key, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.ProposalID, a.FileName, a.MimeType, a.SizeBytes, a.ObjectKey, a.UploadedBy)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var item Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, file_name, mime_type, size_bytes, object_key, uploaded_by, created_at
		FROM attachments
		WHERE id=$1
	`, attachmentID).Scan(&item.ID, &item.ProposalID, &item.FileName, &item.MimeType, &item.SizeBytes, &item.ObjectKey, &item.UploadedBy, &item.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProposalAttachments(ctx context.Context, proposalID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, file_name, mime_type, size_bytes, object_key, uploaded_by, created_at
		FROM attachments
		WHERE proposal_id=$1
		ORDER BY created_at ASC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.ProposalID, &item.FileName, &item.MimeType, &item.SizeBytes, &item.ObjectKey, &item.UploadedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id=$1`, attachmentID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}
