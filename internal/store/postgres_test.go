package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/policysync/models"
)

// Payloads are marshaled before the insert returns the generated id, so a
// stored payload carries zero key fields. Decoding must take the keys from
// the scanned columns, not the payload.

func TestDecodeProjectRule_ColumnsOverridePayloadKeys(t *testing.T) {
	stored := models.ProjectApprovalRule{
		Name:              "critical gate",
		ReportType:        models.RuleTypeScanFinding,
		ApprovalsRequired: 2,
		SeverityLevels:    []string{"critical"},
	}
	payload, err := json.Marshal(stored)
	require.NoError(t, err)

	decoded, err := decodeProjectRule(17, 4, 9, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(17), decoded.ID)
	assert.Equal(t, int64(4), decoded.ProjectID)
	assert.Equal(t, int64(9), decoded.ApprovalPolicyRuleID)
	assert.Equal(t, "critical gate", decoded.Name)
	assert.Equal(t, 2, decoded.ApprovalsRequired)
	assert.Equal(t, []string{"critical"}, decoded.SeverityLevels)
}

func TestDecodeProjectRule_BadPayload(t *testing.T) {
	_, err := decodeProjectRule(1, 2, 3, []byte("{"))
	assert.Error(t, err)
}

func TestDecodeMergeRequestRule_ColumnsOverridePayloadKeys(t *testing.T) {
	stored := models.MergeRequestApprovalRule{
		Name:              "license gate",
		ReportType:        models.RuleTypeLicenseFinding,
		ApprovalsRequired: 1,
		UserIDs:           []int64{7},
	}
	payload, err := json.Marshal(stored)
	require.NoError(t, err)

	decoded, err := decodeMergeRequestRule(21, 5, 17, 9, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(21), decoded.ID)
	assert.Equal(t, int64(5), decoded.MergeRequestID)
	assert.Equal(t, int64(17), decoded.ProjectRuleID)
	assert.Equal(t, int64(9), decoded.ApprovalPolicyRuleID)
	assert.Equal(t, "license gate", decoded.Name)
	assert.Equal(t, []int64{7}, decoded.UserIDs)
}
