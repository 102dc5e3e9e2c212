package adapter

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownAdapterError_Error(t *testing.T) {
	err := &UnknownAdapterError{
		Type:      "fake_db",
		Available: []string{"duckdb", "postgres"},
	}

	msg := err.Error()
	assert.Contains(t, msg, `"fake_db"`)
	assert.Contains(t, msg, "duckdb, postgres")
	assert.Contains(t, msg, "studio.yaml")
}

func TestRegister(t *testing.T) {
	Register("Test_Adapter_Internal", func(_ *slog.Logger) Adapter { return nil }, "tai", "Test-Alias")

	tests := []struct {
		typ       string
		canonical string
		ok        bool
	}{
		{"test_adapter_internal", "test_adapter_internal", true},
		{"TEST_ADAPTER_INTERNAL", "test_adapter_internal", true},
		{"tai", "test_adapter_internal", true},
		{"test-alias", "test_adapter_internal", true},
		{"nope", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			name, ok := Canonical(tt.typ)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.canonical, name)
			assert.Equal(t, tt.ok, IsRegistered(tt.typ))
		})
	}

	names := ListAdapters()
	assert.Contains(t, names, "test_adapter_internal")
	assert.NotContains(t, names, "tai")

	_, err := NewAdapter(Config{Type: "tai"}, nil)
	assert.NoError(t, err)
}

func TestNewAdapter_EmptyType(t *testing.T) {
	_, err := NewAdapter(Config{}, nil)
	require.Error(t, err)
	assert.Equal(t, "adapter type not specified", err.Error())
}

func TestNewAdapter_UnknownType(t *testing.T) {
	_, err := NewAdapter(Config{Type: "not_a_database"}, nil)
	require.Error(t, err)

	var unknown *UnknownAdapterError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "not_a_database", unknown.Type)
}
