// ABOUTME: Tests for decision-token parsing

package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		text string
		want Verdict
	}{
		{"approve", VerdictApprove},
		{"yes", VerdictApprove},
		{"y", VerdictApprove},
		{"ok", VerdictApprove},
		{"YES", VerdictApprove},
		{" yes ", VerdictApprove},
		{"  Y", VerdictApprove},
		{"OK", VerdictApprove},
		{"reject", VerdictReject},
		{"no", VerdictReject},
		{"n", VerdictReject},
		{"cancel", VerdictReject},
		{"No", VerdictReject},
		{"CANCEL ", VerdictReject},
		{"", VerdictNone},
		{"maybe", VerdictNone},
		{"yes please do it", VerdictNone},
		{"approved", VerdictNone},
		{"okay", VerdictNone},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseDecision(tt.text), "ParseDecision(%q)", tt.text)
	}
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "approve", VerdictApprove.String())
	assert.Equal(t, "reject", VerdictReject.String())
	assert.Equal(t, "none", VerdictNone.String())
}
