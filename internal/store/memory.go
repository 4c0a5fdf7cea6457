package store

import (
	"context"
	"sort"
	"sync"

	"github.com/sentinelops/policysync/models"
)

type readKey struct {
	policyID  int64
	projectID int64
	ruleIdx   int
}

type pairKey struct {
	left  int64
	right int64
}

type state struct {
	nextID int64

	policies     map[int64]models.SecurityPolicy
	rules        map[int64]models.ApprovalPolicyRule
	projectRules map[int64]models.ProjectApprovalRule
	policyReads  map[readKey]models.ScanResultPolicyRead
	links        map[pairKey]struct{} // policyID, projectID
	profiles     map[int64]models.ScanProfile
	attachments  map[pairKey]struct{} // profileID, projectID
	namespaces   map[int64]models.Namespace
	projects     map[int64]models.Project
	teams        map[int64][]models.User
	groups       map[int64]models.Group
	mrs          map[int64]models.MergeRequest
	mrRules      map[int64]models.MergeRequestApprovalRule
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *state) clone() *state {
	c := &state{
		nextID:       s.nextID,
		policies:     make(map[int64]models.SecurityPolicy, len(s.policies)),
		rules:        make(map[int64]models.ApprovalPolicyRule, len(s.rules)),
		projectRules: make(map[int64]models.ProjectApprovalRule, len(s.projectRules)),
		policyReads:  make(map[readKey]models.ScanResultPolicyRead, len(s.policyReads)),
		links:        make(map[pairKey]struct{}, len(s.links)),
		profiles:     make(map[int64]models.ScanProfile, len(s.profiles)),
		attachments:  make(map[pairKey]struct{}, len(s.attachments)),
		namespaces:   make(map[int64]models.Namespace, len(s.namespaces)),
		projects:     make(map[int64]models.Project, len(s.projects)),
		teams:        make(map[int64][]models.User, len(s.teams)),
		groups:       make(map[int64]models.Group, len(s.groups)),
		mrs:          make(map[int64]models.MergeRequest, len(s.mrs)),
		mrRules:      make(map[int64]models.MergeRequestApprovalRule, len(s.mrRules)),
	}
	for k, v := range s.policies {
		c.policies[k] = v
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	for k, v := range s.projectRules {
		c.projectRules[k] = v
	}
	for k, v := range s.policyReads {
		c.policyReads[k] = v
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	for k, v := range s.attachments {
		c.attachments[k] = v
	}
	for k, v := range s.namespaces {
		c.namespaces[k] = v
	}
	for k, v := range s.projects {
		c.projects[k] = v
	}
	for k, v := range s.teams {
		c.teams[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.mrs {
		c.mrs[k] = v
	}
	for k, v := range s.mrRules {
		c.mrRules[k] = v
	}
	return c
}

// Memory is the in-memory Store. It enforces the same unique constraints as
// the Postgres schema, which is what makes the two-phase reindex tests
// meaningful against it.
type Memory struct {
	mu sync.Mutex
	st *state
	// inTx suppresses locking for the transaction-scoped view, which runs
	// entirely under the parent's lock.
	inTx bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{st: &state{
		policies:     map[int64]models.SecurityPolicy{},
		rules:        map[int64]models.ApprovalPolicyRule{},
		projectRules: map[int64]models.ProjectApprovalRule{},
		policyReads:  map[readKey]models.ScanResultPolicyRead{},
		links:        map[pairKey]struct{}{},
		profiles:     map[int64]models.ScanProfile{},
		attachments:  map[pairKey]struct{}{},
		namespaces:   map[int64]models.Namespace{},
		projects:     map[int64]models.Project{},
		teams:        map[int64][]models.User{},
		groups:       map[int64]models.Group{},
		mrs:          map[int64]models.MergeRequest{},
		mrRules:      map[int64]models.MergeRequestApprovalRule{},
	}}
}

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// WithinTx snapshots the state, runs fn against an unlocked view sharing
// that state, and restores the snapshot if fn fails.
func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if m.inTx {
		return fn(ctx, m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.st.clone()
	tx := &Memory{st: m.st, inTx: true}
	if err := fn(ctx, tx); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) PoliciesByConfiguration(ctx context.Context, configurationID int64, typ models.PolicyType) ([]models.SecurityPolicy, error) {
	defer m.lock()()
	var out []models.SecurityPolicy
	for _, p := range m.st.policies {
		if p.ConfigurationID == configurationID && p.Type == typ && !p.Deleted() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyIndex < out[j].PolicyIndex })
	return out, nil
}

func (m *Memory) PolicyByID(ctx context.Context, id int64) (models.SecurityPolicy, error) {
	defer m.lock()()
	p, ok := m.st.policies[id]
	if !ok {
		return models.SecurityPolicy{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) policyIndexTaken(p models.SecurityPolicy) bool {
	if p.PolicyIndex < 0 {
		return false
	}
	for _, other := range m.st.policies {
		if other.ID != p.ID &&
			other.ConfigurationID == p.ConfigurationID &&
			other.Type == p.Type &&
			other.PolicyIndex == p.PolicyIndex {
			return true
		}
	}
	return false
}

func (m *Memory) CreatePolicy(ctx context.Context, policy *models.SecurityPolicy) error {
	defer m.lock()()
	if m.policyIndexTaken(*policy) {
		return ErrConflict
	}
	policy.ID = m.st.id()
	m.st.policies[policy.ID] = *policy
	return nil
}

func (m *Memory) UpdatePolicy(ctx context.Context, policy models.SecurityPolicy) error {
	defer m.lock()()
	if _, ok := m.st.policies[policy.ID]; !ok {
		return ErrNotFound
	}
	if m.policyIndexTaken(policy) {
		return ErrConflict
	}
	m.st.policies[policy.ID] = policy
	return nil
}

func (m *Memory) RulesByPolicy(ctx context.Context, policyID int64) ([]models.ApprovalPolicyRule, error) {
	defer m.lock()()
	var out []models.ApprovalPolicyRule
	for _, r := range m.st.rules {
		if r.PolicyID == policyID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleIndex < out[j].RuleIndex })
	return out, nil
}

func (m *Memory) ruleIndexTaken(r models.ApprovalPolicyRule) bool {
	if r.RuleIndex < 0 {
		return false
	}
	for _, other := range m.st.rules {
		if other.ID != r.ID && other.PolicyID == r.PolicyID && other.RuleIndex == r.RuleIndex {
			return true
		}
	}
	return false
}

func (m *Memory) CreateRule(ctx context.Context, rule *models.ApprovalPolicyRule) error {
	defer m.lock()()
	if m.ruleIndexTaken(*rule) {
		return ErrConflict
	}
	rule.ID = m.st.id()
	m.st.rules[rule.ID] = *rule
	return nil
}

func (m *Memory) UpdateRule(ctx context.Context, rule models.ApprovalPolicyRule) error {
	defer m.lock()()
	if _, ok := m.st.rules[rule.ID]; !ok {
		return ErrNotFound
	}
	if m.ruleIndexTaken(rule) {
		return ErrConflict
	}
	m.st.rules[rule.ID] = rule
	return nil
}

func (m *Memory) ProjectRulesByProject(ctx context.Context, projectID int64) ([]models.ProjectApprovalRule, error) {
	defer m.lock()()
	var out []models.ProjectApprovalRule
	for _, r := range m.st.projectRules {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ProjectRuleFor(ctx context.Context, projectID, approvalPolicyRuleID int64) (models.ProjectApprovalRule, error) {
	defer m.lock()()
	for _, r := range m.st.projectRules {
		if r.ProjectID == projectID && r.ApprovalPolicyRuleID == approvalPolicyRuleID {
			return r, nil
		}
	}
	return models.ProjectApprovalRule{}, ErrNotFound
}

func (m *Memory) CreateProjectRule(ctx context.Context, rule *models.ProjectApprovalRule) error {
	defer m.lock()()
	for _, other := range m.st.projectRules {
		if other.ProjectID == rule.ProjectID && other.ApprovalPolicyRuleID == rule.ApprovalPolicyRuleID {
			return ErrConflict
		}
	}
	rule.ID = m.st.id()
	m.st.projectRules[rule.ID] = *rule
	return nil
}

func (m *Memory) UpdateProjectRule(ctx context.Context, rule models.ProjectApprovalRule) error {
	defer m.lock()()
	if _, ok := m.st.projectRules[rule.ID]; !ok {
		return ErrNotFound
	}
	m.st.projectRules[rule.ID] = rule
	return nil
}

func (m *Memory) DeleteProjectRule(ctx context.Context, id int64) error {
	defer m.lock()()
	if _, ok := m.st.projectRules[id]; !ok {
		return ErrNotFound
	}
	delete(m.st.projectRules, id)
	return nil
}

func (m *Memory) UpsertPolicyRead(ctx context.Context, read models.ScanResultPolicyRead) error {
	defer m.lock()()
	key := readKey{read.PolicyID, read.ProjectID, read.RuleIdx}
	if existing, ok := m.st.policyReads[key]; ok {
		read.ID = existing.ID
	} else {
		read.ID = m.st.id()
	}
	m.st.policyReads[key] = read
	return nil
}

func (m *Memory) DeletePolicyRead(ctx context.Context, policyID, projectID int64, ruleIdx int) error {
	defer m.lock()()
	delete(m.st.policyReads, readKey{policyID, projectID, ruleIdx})
	return nil
}

func (m *Memory) LinkExists(ctx context.Context, policyID, projectID int64) (bool, error) {
	defer m.lock()()
	_, ok := m.st.links[pairKey{policyID, projectID}]
	return ok, nil
}

func (m *Memory) CreateLink(ctx context.Context, policyID, projectID int64) error {
	defer m.lock()()
	m.st.links[pairKey{policyID, projectID}] = struct{}{}
	return nil
}

func (m *Memory) DeleteLink(ctx context.Context, policyID, projectID int64) error {
	defer m.lock()()
	delete(m.st.links, pairKey{policyID, projectID})
	return nil
}

func (m *Memory) ProjectsLinkedToPolicy(ctx context.Context, policyID int64) ([]models.Project, error) {
	defer m.lock()()
	var out []models.Project
	for key := range m.st.links {
		if key.left != policyID {
			continue
		}
		if p, ok := m.st.projects[key.right]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ProfileByID(ctx context.Context, id int64) (models.ScanProfile, error) {
	defer m.lock()()
	p, ok := m.st.profiles[id]
	if !ok {
		return models.ScanProfile{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) AttachProfile(ctx context.Context, profileID, projectID int64, limit int) (bool, error) {
	defer m.lock()()
	if _, ok := m.st.attachments[pairKey{profileID, projectID}]; ok {
		return false, nil
	}
	count := 0
	for key := range m.st.attachments {
		if key.right == projectID {
			count++
		}
	}
	if count >= limit {
		return false, ErrLimitReached
	}
	m.st.attachments[pairKey{profileID, projectID}] = struct{}{}
	return true, nil
}

func (m *Memory) DetachProfile(ctx context.Context, profileID, projectID int64) (bool, error) {
	defer m.lock()()
	key := pairKey{profileID, projectID}
	if _, ok := m.st.attachments[key]; !ok {
		return false, nil
	}
	delete(m.st.attachments, key)
	return true, nil
}

func (m *Memory) AttachmentsForProject(ctx context.Context, projectID int64) ([]models.ScanProfileProject, error) {
	defer m.lock()()
	var out []models.ScanProfileProject
	for key := range m.st.attachments {
		if key.right == projectID {
			out = append(out, models.ScanProfileProject{ScanProfileID: key.left, ProjectID: key.right})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScanProfileID < out[j].ScanProfileID })
	return out, nil
}

func (m *Memory) NamespaceByID(ctx context.Context, id int64) (models.Namespace, error) {
	defer m.lock()()
	ns, ok := m.st.namespaces[id]
	if !ok {
		return models.Namespace{}, ErrNotFound
	}
	return ns, nil
}

func (m *Memory) DescendantGroups(ctx context.Context, groupID int64) ([]models.Namespace, error) {
	defer m.lock()()
	return m.descendants(groupID), nil
}

func (m *Memory) descendants(groupID int64) []models.Namespace {
	var children []models.Namespace
	for _, ns := range m.st.namespaces {
		if ns.ParentID == groupID && ns.Kind == models.NamespaceKindGroup {
			children = append(children, ns)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	var out []models.Namespace
	for _, child := range children {
		out = append(out, child)
		out = append(out, m.descendants(child.ID)...)
	}
	return out
}

func (m *Memory) ProjectsByNamespace(ctx context.Context, namespaceID, afterID int64, limit int) ([]models.Project, error) {
	defer m.lock()()
	var out []models.Project
	for _, p := range m.st.projects {
		if p.NamespaceID == namespaceID && p.ID > afterID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ProjectByID(ctx context.Context, id int64) (models.Project, error) {
	defer m.lock()()
	p, ok := m.st.projects[id]
	if !ok {
		return models.Project{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) TeamUsers(ctx context.Context, projectID int64, ids []int64, usernames []string) ([]models.User, error) {
	defer m.lock()()
	seen := map[int64]struct{}{}
	var out []models.User
	for _, member := range m.st.teams[projectID] {
		match := false
		for _, id := range ids {
			if member.ID == id {
				match = true
			}
		}
		for _, name := range usernames {
			if member.Username == name {
				match = true
			}
		}
		if !match {
			continue
		}
		if _, dup := seen[member.ID]; dup {
			continue
		}
		seen[member.ID] = struct{}{}
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Groups(ctx context.Context, ids []int64, paths []string, withinRootID int64) ([]models.Group, error) {
	defer m.lock()()
	seen := map[int64]struct{}{}
	var out []models.Group
	for _, g := range m.st.groups {
		if withinRootID != 0 {
			ns, ok := m.st.namespaces[g.ID]
			if !ok || ns.RootID != withinRootID {
				continue
			}
		}
		match := false
		for _, id := range ids {
			if g.ID == id {
				match = true
			}
		}
		for _, path := range paths {
			if g.FullPath == path {
				match = true
			}
		}
		if !match {
			continue
		}
		if _, dup := seen[g.ID]; dup {
			continue
		}
		seen[g.ID] = struct{}{}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) OpenMergeRequests(ctx context.Context, projectID int64) ([]models.MergeRequest, error) {
	defer m.lock()()
	var out []models.MergeRequest
	for _, mr := range m.st.mrs {
		if mr.ProjectID == projectID && mr.State == models.MergeRequestOpen {
			out = append(out, mr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MergeRequestRules(ctx context.Context, mergeRequestID int64) ([]models.MergeRequestApprovalRule, error) {
	defer m.lock()()
	var out []models.MergeRequestApprovalRule
	for _, r := range m.st.mrRules {
		if r.MergeRequestID == mergeRequestID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteMergeRequestRulesForPolicy(ctx context.Context, mergeRequestID, policyID int64) error {
	defer m.lock()()
	for id, r := range m.st.mrRules {
		if r.MergeRequestID != mergeRequestID {
			continue
		}
		if owning, ok := m.st.rules[r.ApprovalPolicyRuleID]; ok && owning.PolicyID == policyID {
			delete(m.st.mrRules, id)
		}
	}
	return nil
}

func (m *Memory) CreateMergeRequestRule(ctx context.Context, rule *models.MergeRequestApprovalRule) error {
	defer m.lock()()
	rule.ID = m.st.id()
	m.st.mrRules[rule.ID] = *rule
	return nil
}

// Seed helpers for tests and local tooling.

func (m *Memory) AddNamespace(ns models.Namespace) models.Namespace {
	defer m.lock()()
	if ns.ID == 0 {
		ns.ID = m.st.id()
	}
	if ns.RootID == 0 {
		ns.RootID = ns.ID
	}
	m.st.namespaces[ns.ID] = ns
	return ns
}

func (m *Memory) AddProject(p models.Project) models.Project {
	defer m.lock()()
	if p.ID == 0 {
		p.ID = m.st.id()
	}
	m.st.projects[p.ID] = p
	return p
}

func (m *Memory) AddProfile(p models.ScanProfile) models.ScanProfile {
	defer m.lock()()
	if p.ID == 0 {
		p.ID = m.st.id()
	}
	m.st.profiles[p.ID] = p
	return p
}

func (m *Memory) AddTeamMember(projectID int64, user models.User) models.User {
	defer m.lock()()
	if user.ID == 0 {
		user.ID = m.st.id()
	}
	m.st.teams[projectID] = append(m.st.teams[projectID], user)
	return user
}

func (m *Memory) AddGroup(g models.Group) models.Group {
	defer m.lock()()
	if g.ID == 0 {
		g.ID = m.st.id()
	}
	m.st.groups[g.ID] = g
	return g
}

func (m *Memory) AddMergeRequest(mr models.MergeRequest) models.MergeRequest {
	defer m.lock()()
	if mr.ID == 0 {
		mr.ID = m.st.id()
	}
	m.st.mrs[mr.ID] = mr
	return mr
}

// PolicyReadsForProject returns the cached read records of one project,
// ordered by ID.
func (m *Memory) PolicyReadsForProject(projectID int64) []models.ScanResultPolicyRead {
	defer m.lock()()
	var out []models.ScanResultPolicyRead
	for _, read := range m.st.policyReads {
		if read.ProjectID == projectID {
			out = append(out, read)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
