package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RuleType identifies the kind of condition an approval policy rule matches
// merge requests on.
type RuleType string

const (
	RuleTypeScanFinding     RuleType = "scan_finding"
	RuleTypeLicenseFinding  RuleType = "license_finding"
	RuleTypeAnyMergeRequest RuleType = "any_merge_request"
)

// Branch type selectors accepted in rule content.
const (
	BranchTypeAll       = "all"
	BranchTypeProtected = "protected"
	BranchTypeDefault   = "default"
)

// ApprovalPolicyRule is one persisted sub-rule of an approval policy. The
// parent policy owns its rules exclusively; a negative RuleIndex stages the
// rule for deletion, mirroring the policy-level tombstone trick.
type ApprovalPolicyRule struct {
	ID        int64
	PolicyID  int64
	RuleIndex int
	Type      RuleType
	Checksum  string
	Content   RuleContent
}

// RuleContent is the declared payload of one approval policy rule. The same
// shape is used for YAML-parsed rule specs and for persisted rule content.
//
// Branches distinguishes nil (selector not declared) from an explicit empty
// list (all protected branches); yaml.v3 preserves that distinction.
type RuleContent struct {
	Type                   RuleType          `yaml:"type" json:"type"`
	Branches               []string          `yaml:"branches,omitempty" json:"branches,omitempty"`
	BranchType             string            `yaml:"branch_type,omitempty" json:"branch_type,omitempty"`
	BranchExceptions       []BranchException `yaml:"branch_exceptions,omitempty" json:"branch_exceptions,omitempty"`
	SeverityLevels         []string          `yaml:"severity_levels,omitempty" json:"severity_levels,omitempty"`
	Scanners               []string          `yaml:"scanners,omitempty" json:"scanners,omitempty"`
	VulnerabilitiesAllowed int               `yaml:"vulnerabilities_allowed,omitempty" json:"vulnerabilities_allowed,omitempty"`
	VulnerabilityStates    []string          `yaml:"vulnerability_states,omitempty" json:"vulnerability_states,omitempty"`
	LicenseTypes           []string          `yaml:"license_types,omitempty" json:"license_types,omitempty"`
	LicenseStates          []string          `yaml:"license_states,omitempty" json:"license_states,omitempty"`
	VulnerabilityAge       *VulnerabilityAge `yaml:"vulnerability_age,omitempty" json:"vulnerability_age,omitempty"`
}

// AppliesToAllProtectedBranches derives the convenience flag from the
// canonical selector fields. True iff the rule declares an explicit empty
// branch list, or targets branch_type "protected" with no exceptions. Never
// stored independently.
func (c RuleContent) AppliesToAllProtectedBranches() bool {
	if c.Branches != nil && len(c.Branches) == 0 {
		return true
	}
	return c.BranchType == BranchTypeProtected && len(c.BranchExceptions) == 0
}

// VulnerabilityAge is the optional age threshold of a scan_finding rule.
type VulnerabilityAge struct {
	Operator string `yaml:"operator" json:"operator"` // "greater_than" or "less_than"
	Value    int    `yaml:"value" json:"value"`
	Interval string `yaml:"interval" json:"interval"` // "day", "week", "month", "year"
}

// BranchException is one entry of a rule's branch_exceptions list. The YAML
// shape is either a bare branch name, which applies to whichever project the
// rule is being resolved for, or a mapping {name, full_path} that only
// applies when full_path equals the project's full path.
type BranchException struct {
	Name     string `yaml:"name" json:"name"`
	FullPath string `yaml:"full_path,omitempty" json:"full_path,omitempty"`
}

// UnmarshalYAML accepts both the scalar and the mapping form.
func (b *BranchException) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		b.Name = value.Value
		b.FullPath = ""
		return nil
	case yaml.MappingNode:
		type exception BranchException
		var e exception
		if err := value.Decode(&e); err != nil {
			return err
		}
		*b = BranchException(e)
		return nil
	default:
		return fmt.Errorf("branch exception must be a string or a mapping, got yaml kind %d", value.Kind)
	}
}

// AppliesTo reports whether the exception is in force for the given project
// full path. Cross-project entries naming another project are ignored.
func (b BranchException) AppliesTo(projectFullPath string) bool {
	return b.FullPath == "" || b.FullPath == projectFullPath
}
