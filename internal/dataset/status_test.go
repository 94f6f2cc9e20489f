package dataset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusPending:     {StatusDownloading, StatusObsolete},
		StatusDownloading: {StatusDownloaded, StatusFailed},
		StatusDownloaded:  {StatusDeleted},
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			expected := false
			for _, a := range allowed[from] {
				if a == to {
					expected = true
				}
			}
			assert.Equal(t, expected, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusDownloading, false},
		{StatusDownloaded, false},
		{StatusObsolete, true},
		{StatusFailed, true},
		{StatusDeleted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTransition(StatusPending, StatusDownloading))

	err := ValidateTransition(StatusDeleted, StatusDownloaded)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "deleted -> downloaded")
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Status
		wantErr bool
	}{
		{name: "lowercase", input: "pending", want: StatusPending},
		{name: "mixed case", input: "Downloaded", want: StatusDownloaded},
		{name: "surrounding spaces", input: " FAILED ", want: StatusFailed},
		{name: "unknown", input: "archived", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStatus(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
