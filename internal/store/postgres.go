package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinelops/policysync/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// method works identically inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db   querier
	pool *pgxpool.Pool // nil for transaction-scoped instances
}

// NewPostgres connects a pool to the given DSN and validates it with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{db: pool, pool: pool}, nil
}

// Pool exposes the underlying pool for collaborators that need raw
// connections, such as the advisory-lock service.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Close releases the underlying pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// WithinTx runs fn against a transaction-scoped store. Nested calls reuse
// the enclosing transaction.
func (p *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if p.pool == nil {
		return fn(ctx, p)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &Postgres{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapErr translates driver errors into the store's sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func marshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func scanPolicy(row pgx.Row) (models.SecurityPolicy, error) {
	var (
		p              models.SecurityPolicy
		content, scope []byte
	)
	if err := row.Scan(&p.ID, &p.ConfigurationID, &p.Type, &p.Name, &p.Checksum, &p.PolicyIndex, &p.Enabled, &content, &scope); err != nil {
		return models.SecurityPolicy{}, mapErr(err)
	}
	if err := json.Unmarshal(content, &p.Content); err != nil {
		return models.SecurityPolicy{}, fmt.Errorf("decoding policy content: %w", err)
	}
	if err := json.Unmarshal(scope, &p.Scope); err != nil {
		return models.SecurityPolicy{}, fmt.Errorf("decoding policy scope: %w", err)
	}
	return p, nil
}

const policyColumns = `id, configuration_id, type, name, checksum, policy_index, enabled, content, scope`

func (p *Postgres) PoliciesByConfiguration(ctx context.Context, configurationID int64, typ models.PolicyType) ([]models.SecurityPolicy, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+policyColumns+` FROM security_policies
		 WHERE configuration_id = $1 AND type = $2 AND policy_index >= 0
		 ORDER BY policy_index`, configurationID, typ)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.SecurityPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, policy)
	}
	return out, rows.Err()
}

func (p *Postgres) PolicyByID(ctx context.Context, id int64) (models.SecurityPolicy, error) {
	return scanPolicy(p.db.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM security_policies WHERE id = $1`, id))
}

func (p *Postgres) CreatePolicy(ctx context.Context, policy *models.SecurityPolicy) error {
	err := p.db.QueryRow(ctx,
		`INSERT INTO security_policies (configuration_id, type, name, checksum, policy_index, enabled, content, scope)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		policy.ConfigurationID, policy.Type, policy.Name, policy.Checksum,
		policy.PolicyIndex, policy.Enabled, marshal(policy.Content), marshal(policy.Scope),
	).Scan(&policy.ID)
	return mapErr(err)
}

func (p *Postgres) UpdatePolicy(ctx context.Context, policy models.SecurityPolicy) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE security_policies
		 SET name = $2, checksum = $3, policy_index = $4, enabled = $5, content = $6, scope = $7
		 WHERE id = $1`,
		policy.ID, policy.Name, policy.Checksum, policy.PolicyIndex,
		policy.Enabled, marshal(policy.Content), marshal(policy.Scope))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRule(row pgx.Row) (models.ApprovalPolicyRule, error) {
	var (
		r       models.ApprovalPolicyRule
		content []byte
	)
	if err := row.Scan(&r.ID, &r.PolicyID, &r.RuleIndex, &r.Type, &r.Checksum, &content); err != nil {
		return models.ApprovalPolicyRule{}, mapErr(err)
	}
	if err := json.Unmarshal(content, &r.Content); err != nil {
		return models.ApprovalPolicyRule{}, fmt.Errorf("decoding rule content: %w", err)
	}
	return r, nil
}

func (p *Postgres) RulesByPolicy(ctx context.Context, policyID int64) ([]models.ApprovalPolicyRule, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, policy_id, rule_index, type, checksum, content
		 FROM approval_policy_rules WHERE policy_id = $1 ORDER BY rule_index`, policyID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.ApprovalPolicyRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateRule(ctx context.Context, rule *models.ApprovalPolicyRule) error {
	err := p.db.QueryRow(ctx,
		`INSERT INTO approval_policy_rules (policy_id, rule_index, type, checksum, content)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		rule.PolicyID, rule.RuleIndex, rule.Type, rule.Checksum, marshal(rule.Content),
	).Scan(&rule.ID)
	return mapErr(err)
}

func (p *Postgres) UpdateRule(ctx context.Context, rule models.ApprovalPolicyRule) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE approval_policy_rules SET rule_index = $2, type = $3, checksum = $4, content = $5 WHERE id = $1`,
		rule.ID, rule.RuleIndex, rule.Type, rule.Checksum, marshal(rule.Content))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProjectRule(row pgx.Row) (models.ProjectApprovalRule, error) {
	var (
		id, projectID, ruleID int64
		payload               []byte
	)
	if err := row.Scan(&id, &projectID, &ruleID, &payload); err != nil {
		return models.ProjectApprovalRule{}, mapErr(err)
	}
	return decodeProjectRule(id, projectID, ruleID, payload)
}

// decodeProjectRule unmarshals a payload column and restores the key fields
// from the scanned columns. The payload is written before RETURNING id
// assigns the key, so the columns are authoritative.
func decodeProjectRule(id, projectID, ruleID int64, payload []byte) (models.ProjectApprovalRule, error) {
	var r models.ProjectApprovalRule
	if err := json.Unmarshal(payload, &r); err != nil {
		return models.ProjectApprovalRule{}, fmt.Errorf("decoding project rule: %w", err)
	}
	r.ID = id
	r.ProjectID = projectID
	r.ApprovalPolicyRuleID = ruleID
	return r, nil
}

func (p *Postgres) ProjectRulesByProject(ctx context.Context, projectID int64) ([]models.ProjectApprovalRule, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, project_id, approval_policy_rule_id, payload
		 FROM project_approval_rules WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.ProjectApprovalRule
	for rows.Next() {
		rule, err := scanProjectRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (p *Postgres) ProjectRuleFor(ctx context.Context, projectID, approvalPolicyRuleID int64) (models.ProjectApprovalRule, error) {
	return scanProjectRule(p.db.QueryRow(ctx,
		`SELECT id, project_id, approval_policy_rule_id, payload
		 FROM project_approval_rules WHERE project_id = $1 AND approval_policy_rule_id = $2`,
		projectID, approvalPolicyRuleID))
}

func (p *Postgres) CreateProjectRule(ctx context.Context, rule *models.ProjectApprovalRule) error {
	err := p.db.QueryRow(ctx,
		`INSERT INTO project_approval_rules (project_id, approval_policy_rule_id, payload)
		 VALUES ($1, $2, $3) RETURNING id`,
		rule.ProjectID, rule.ApprovalPolicyRuleID, marshal(rule),
	).Scan(&rule.ID)
	return mapErr(err)
}

func (p *Postgres) UpdateProjectRule(ctx context.Context, rule models.ProjectApprovalRule) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE project_approval_rules SET payload = $2 WHERE id = $1`, rule.ID, marshal(rule))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteProjectRule(ctx context.Context, id int64) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM project_approval_rules WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpsertPolicyRead(ctx context.Context, read models.ScanResultPolicyRead) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO scan_result_policy_reads (policy_id, project_id, rule_idx, payload)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (policy_id, project_id, rule_idx) DO UPDATE SET payload = EXCLUDED.payload`,
		read.PolicyID, read.ProjectID, read.RuleIdx, marshal(read))
	return mapErr(err)
}

func (p *Postgres) DeletePolicyRead(ctx context.Context, policyID, projectID int64, ruleIdx int) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM scan_result_policy_reads
		 WHERE policy_id = $1 AND project_id = $2 AND rule_idx = $3`,
		policyID, projectID, ruleIdx)
	return mapErr(err)
}

func (p *Postgres) LinkExists(ctx context.Context, policyID, projectID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM policy_project_links WHERE policy_id = $1 AND project_id = $2)`,
		policyID, projectID).Scan(&exists)
	return exists, mapErr(err)
}

func (p *Postgres) CreateLink(ctx context.Context, policyID, projectID int64) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO policy_project_links (policy_id, project_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		policyID, projectID)
	return mapErr(err)
}

func (p *Postgres) DeleteLink(ctx context.Context, policyID, projectID int64) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM policy_project_links WHERE policy_id = $1 AND project_id = $2`, policyID, projectID)
	return mapErr(err)
}

func (p *Postgres) ProjectsLinkedToPolicy(ctx context.Context, policyID int64) ([]models.Project, error) {
	rows, err := p.db.Query(ctx,
		`SELECT p.id, p.payload FROM projects p
		 JOIN policy_project_links l ON l.project_id = p.id
		 WHERE l.policy_id = $1 ORDER BY p.id`, policyID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return collectProjects(rows)
}

func collectProjects(rows pgx.Rows) ([]models.Project, error) {
	var out []models.Project
	for rows.Next() {
		var (
			id      int64
			payload []byte
			project models.Project
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, mapErr(err)
		}
		if err := json.Unmarshal(payload, &project); err != nil {
			return nil, fmt.Errorf("decoding project: %w", err)
		}
		project.ID = id
		out = append(out, project)
	}
	return out, rows.Err()
}

func (p *Postgres) ProfileByID(ctx context.Context, id int64) (models.ScanProfile, error) {
	var profile models.ScanProfile
	err := p.db.QueryRow(ctx,
		`SELECT id, namespace_id, name, description FROM scan_profiles WHERE id = $1`, id,
	).Scan(&profile.ID, &profile.NamespaceID, &profile.Name, &profile.Description)
	return profile, mapErr(err)
}

func (p *Postgres) AttachProfile(ctx context.Context, profileID, projectID int64, limit int) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scan_profile_projects WHERE scan_profile_id = $1 AND project_id = $2)`,
		profileID, projectID).Scan(&exists)
	if err != nil {
		return false, mapErr(err)
	}
	if exists {
		return false, nil
	}

	// The capacity check and the insert run in one statement so two
	// concurrent attach attempts cannot both slip past the cap.
	tag, err := p.db.Exec(ctx,
		`INSERT INTO scan_profile_projects (scan_profile_id, project_id)
		 SELECT $1, $2
		 WHERE (SELECT count(*) FROM scan_profile_projects WHERE project_id = $2) < $3
		 ON CONFLICT (scan_profile_id, project_id) DO NOTHING`,
		profileID, projectID, limit)
	if err != nil {
		return false, mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrLimitReached
	}
	return true, nil
}

func (p *Postgres) DetachProfile(ctx context.Context, profileID, projectID int64) (bool, error) {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM scan_profile_projects WHERE scan_profile_id = $1 AND project_id = $2`,
		profileID, projectID)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) AttachmentsForProject(ctx context.Context, projectID int64) ([]models.ScanProfileProject, error) {
	rows, err := p.db.Query(ctx,
		`SELECT scan_profile_id, project_id FROM scan_profile_projects
		 WHERE project_id = $1 ORDER BY scan_profile_id`, projectID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.ScanProfileProject
	for rows.Next() {
		var a models.ScanProfileProject
		if err := rows.Scan(&a.ScanProfileID, &a.ProjectID); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) NamespaceByID(ctx context.Context, id int64) (models.Namespace, error) {
	var ns models.Namespace
	err := p.db.QueryRow(ctx,
		`SELECT id, COALESCE(parent_id, 0), root_id, path, full_path, kind FROM namespaces WHERE id = $1`, id,
	).Scan(&ns.ID, &ns.ParentID, &ns.RootID, &ns.Path, &ns.FullPath, &ns.Kind)
	return ns, mapErr(err)
}

func (p *Postgres) DescendantGroups(ctx context.Context, groupID int64) ([]models.Namespace, error) {
	rows, err := p.db.Query(ctx,
		`WITH RECURSIVE subtree AS (
		     SELECT id, parent_id, root_id, path, full_path, kind, ARRAY[id] AS sort_path
		     FROM namespaces WHERE parent_id = $1 AND kind = 'group'
		   UNION ALL
		     SELECT n.id, n.parent_id, n.root_id, n.path, n.full_path, n.kind, s.sort_path || n.id
		     FROM namespaces n JOIN subtree s ON n.parent_id = s.id
		     WHERE n.kind = 'group'
		 )
		 SELECT id, COALESCE(parent_id, 0), root_id, path, full_path, kind FROM subtree ORDER BY sort_path`, groupID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.Namespace
	for rows.Next() {
		var ns models.Namespace
		if err := rows.Scan(&ns.ID, &ns.ParentID, &ns.RootID, &ns.Path, &ns.FullPath, &ns.Kind); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (p *Postgres) ProjectsByNamespace(ctx context.Context, namespaceID, afterID int64, limit int) ([]models.Project, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, payload FROM projects
		 WHERE namespace_id = $1 AND id > $2 ORDER BY id LIMIT $3`, namespaceID, afterID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return collectProjects(rows)
}

func (p *Postgres) ProjectByID(ctx context.Context, id int64) (models.Project, error) {
	var (
		payload []byte
		project models.Project
	)
	if err := p.db.QueryRow(ctx, `SELECT payload FROM projects WHERE id = $1`, id).Scan(&payload); err != nil {
		return models.Project{}, mapErr(err)
	}
	if err := json.Unmarshal(payload, &project); err != nil {
		return models.Project{}, fmt.Errorf("decoding project: %w", err)
	}
	project.ID = id
	return project, nil
}

func (p *Postgres) TeamUsers(ctx context.Context, projectID int64, ids []int64, usernames []string) ([]models.User, error) {
	rows, err := p.db.Query(ctx,
		`SELECT u.id, u.username FROM users u
		 JOIN project_members m ON m.user_id = u.id
		 WHERE m.project_id = $1 AND (u.id = ANY($2) OR u.username = ANY($3))
		 ORDER BY u.id`, projectID, ids, usernames)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) Groups(ctx context.Context, ids []int64, paths []string, withinRootID int64) ([]models.Group, error) {
	rows, err := p.db.Query(ctx,
		`SELECT n.id, n.full_path FROM namespaces n
		 WHERE n.kind = 'group'
		   AND (n.id = ANY($1) OR n.full_path = ANY($2))
		   AND ($3 = 0 OR n.root_id = $3)
		 ORDER BY n.id`, ids, paths, withinRootID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.FullPath); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) OpenMergeRequests(ctx context.Context, projectID int64) ([]models.MergeRequest, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, project_id, state, target_branch, has_head_pipeline
		 FROM merge_requests WHERE project_id = $1 AND state = 'opened' ORDER BY id`, projectID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.MergeRequest
	for rows.Next() {
		var mr models.MergeRequest
		if err := rows.Scan(&mr.ID, &mr.ProjectID, &mr.State, &mr.TargetBranch, &mr.HasHeadPipeline); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}

func (p *Postgres) MergeRequestRules(ctx context.Context, mergeRequestID int64) ([]models.MergeRequestApprovalRule, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, merge_request_id, project_rule_id, approval_policy_rule_id, payload
		 FROM merge_request_approval_rules WHERE merge_request_id = $1 ORDER BY id`, mergeRequestID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []models.MergeRequestApprovalRule
	for rows.Next() {
		var (
			id, mrID, projectRuleID, policyRuleID int64
			payload                               []byte
		)
		if err := rows.Scan(&id, &mrID, &projectRuleID, &policyRuleID, &payload); err != nil {
			return nil, mapErr(err)
		}
		rule, err := decodeMergeRequestRule(id, mrID, projectRuleID, policyRuleID, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// decodeMergeRequestRule restores the key fields from the scanned columns
// after unmarshaling, for the same reason as decodeProjectRule.
func decodeMergeRequestRule(id, mrID, projectRuleID, policyRuleID int64, payload []byte) (models.MergeRequestApprovalRule, error) {
	var r models.MergeRequestApprovalRule
	if err := json.Unmarshal(payload, &r); err != nil {
		return models.MergeRequestApprovalRule{}, fmt.Errorf("decoding merge request rule: %w", err)
	}
	r.ID = id
	r.MergeRequestID = mrID
	r.ProjectRuleID = projectRuleID
	r.ApprovalPolicyRuleID = policyRuleID
	return r, nil
}

func (p *Postgres) DeleteMergeRequestRulesForPolicy(ctx context.Context, mergeRequestID, policyID int64) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM merge_request_approval_rules r
		 USING approval_policy_rules apr
		 WHERE r.approval_policy_rule_id = apr.id
		   AND r.merge_request_id = $1 AND apr.policy_id = $2`,
		mergeRequestID, policyID)
	return mapErr(err)
}

func (p *Postgres) CreateMergeRequestRule(ctx context.Context, rule *models.MergeRequestApprovalRule) error {
	err := p.db.QueryRow(ctx,
		`INSERT INTO merge_request_approval_rules (merge_request_id, project_rule_id, approval_policy_rule_id, payload)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		rule.MergeRequestID, rule.ProjectRuleID, rule.ApprovalPolicyRuleID, marshal(rule),
	).Scan(&rule.ID)
	return mapErr(err)
}
