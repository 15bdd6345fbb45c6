package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("AIzaSyExampleKey")
	assert.Len(t, fp, 8)
	assert.Equal(t, fp, Fingerprint("AIzaSyExampleKey"))
	assert.NotEqual(t, fp, Fingerprint("AIzaSyOtherKey"))
	assert.NotContains(t, fp, "AIza")
}

func TestNormalizeKeys(t *testing.T) {
	got := NormalizeKeys([]string{" k1 ", "", "k2", "k1", "  ", "k3"})
	assert.Equal(t, []string{"k1", "k2", "k3"}, got)
	assert.Empty(t, NormalizeKeys(nil))
}

func TestNormalizeRoutePath(t *testing.T) {
	path, err := NormalizeRoutePath("", "/status")
	require.NoError(t, err)
	assert.Equal(t, "/status", path)

	path, err = NormalizeRoutePath(" /internal/stats/ ", "/status")
	require.NoError(t, err)
	assert.Equal(t, "/internal/stats", path)

	for _, bad := range []string{"status", "/", "/stats/*", "/stats?x=1"} {
		_, err := NormalizeRoutePath(bad, "/status")
		assert.Error(t, err, bad)
	}
}

func TestScopeString(t *testing.T) {
	assert.Equal(t, "minute", ScopeMinute.String())
	assert.Equal(t, "day", ScopeDay.String())
}
