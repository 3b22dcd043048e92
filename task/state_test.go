package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidStateTransition(t *testing.T) {
	tests := map[string]struct {
		current  State
		target   State
		expected bool
	}{
		"same state":              {current: Running, target: Running, expected: true},
		"pending to scheduled":    {current: Pending, target: Scheduled, expected: true},
		"scheduled back to retry": {current: Scheduled, target: Pending, expected: true},
		"scheduled to running":    {current: Scheduled, target: Running, expected: true},
		"running to completed":    {current: Running, target: Completed, expected: true},
		"failed restart":          {current: Failed, target: Scheduled, expected: true},
		"stop while scheduled":    {current: Scheduled, target: Completed, expected: true},
		"pending to running":      {current: Pending, target: Running, expected: false},
		"completed is final":      {current: Completed, target: Scheduled, expected: false},
		"failed to completed":     {current: Failed, target: Completed, expected: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ValidStateTransition(tc.current, tc.target))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "unknown", State(42).String())
}
