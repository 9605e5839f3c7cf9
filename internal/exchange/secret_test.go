package exchange

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cryptosentinel/internal/faults"
)

func TestEnvSecretProviderReadsSetVariable(t *testing.T) {
	t.Setenv("EXCHANGE_TEST_API_KEY", "abc123")
	v, err := NewEnvSecretProvider().GetSecret("EXCHANGE_TEST_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "abc123", string(v))
}

func TestEnvSecretProviderMissingVariable(t *testing.T) {
	os.Unsetenv("EXCHANGE_MISSING_SECRET")
	_, err := NewEnvSecretProvider().GetSecret("EXCHANGE_MISSING_SECRET")
	require.Error(t, err)

	var f *faults.Fault
	require.True(t, errors.As(err, &f))
	assert.Equal(t, faults.SecretMissing, f.Kind)
}
