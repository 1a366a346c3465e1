package tenant

import (
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbrown/permissible-ai/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSanitizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"Customer Orders":    "customer_orders",
		"UPPER":              "upper",
		"weird!@#chars":      "weird___chars",
		"already_clean":      "already_clean",
		"2021-sales":         "table_2021_sales",
		"_leading":           "table__leading",
		"":                   "table_unnamed",
		"über-données":       "table__ber_donn_es",
		"name.with.dots.csv": "name_with_dots_csv",
	}

	for input, expected := range cases {
		assert.Equal(t, expected, SanitizeIdentifier(input), "input %q", input)
	}
}

// Every output must be usable verbatim as an SQL identifier
func TestSanitizeIdentifierShape(t *testing.T) {
	shape := regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

	inputs := []string{
		"normal", "With Spaces", "123", "!!!", "", "a", "_", "Ω", "drop table;--",
	}
	for _, input := range inputs {
		out := SanitizeIdentifier(input)
		assert.Regexp(t, shape, out, "input %q", input)
		// Same input, same output
		assert.Equal(t, out, SanitizeIdentifier(input))
	}
}

func TestDeriveTableName(t *testing.T) {
	assert.Equal(t, "dataset_42_customer_orders", DeriveTableName(42, "Customer Orders"))
	assert.Equal(t, "dataset_7_table_unnamed", DeriveTableName(7, ""))

	// The id component keeps same-named datasets apart
	assert.NotEqual(t, DeriveTableName(1, "sales"), DeriveTableName(2, "sales"))
}

func TestKeyForSessionStable(t *testing.T) {
	store := NewStore(testLogger())

	key1, err := store.KeyForSession(10)
	require.NoError(t, err)
	require.Len(t, key1, 32)

	key2, err := store.KeyForSession(10)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	other, err := store.KeyForSession(11)
	require.NoError(t, err)
	assert.NotEqual(t, key1, other)
}

// Two simultaneous first uses of a session must observe the same key
func TestKeyForSessionConcurrent(t *testing.T) {
	store := NewStore(testLogger())

	const goroutines = 32
	keys := make([][]byte, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := store.KeyForSession(99)
			assert.NoError(t, err)
			keys[i] = key
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Equal(t, keys[0], keys[i])
	}
}

func TestSessionKeyDoesNotCreate(t *testing.T) {
	store := NewStore(testLogger())

	_, ok := store.SessionKey(5)
	assert.False(t, ok)

	created, err := store.KeyForSession(5)
	require.NoError(t, err)

	found, ok := store.SessionKey(5)
	require.True(t, ok)
	assert.Equal(t, created, found)
}

func TestPutDatasetConflict(t *testing.T) {
	store := NewStore(testLogger())

	rec := &interfaces.DatasetRecord{DatasetID: 1, SessionID: 10}
	require.NoError(t, store.PutDataset(rec))

	err := store.PutDataset(&interfaces.DatasetRecord{DatasetID: 1, SessionID: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrConflict))

	// The original record survives
	stored, ok := store.Dataset(1)
	require.True(t, ok)
	assert.Same(t, rec, stored)
}

func TestDatasetForSessionOwnership(t *testing.T) {
	store := NewStore(testLogger())

	require.NoError(t, store.PutDataset(&interfaces.DatasetRecord{DatasetID: 1, SessionID: 10}))

	rec, err := store.DatasetForSession(1, 10)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DatasetID(1), rec.DatasetID)

	// Wrong session and missing dataset both fail as authorization errors
	_, err = store.DatasetForSession(1, 11)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrAuthorization))

	_, err = store.DatasetForSession(999, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrAuthorization))
}

func TestRemoveSession(t *testing.T) {
	store := NewStore(testLogger())

	_, err := store.KeyForSession(10)
	require.NoError(t, err)
	require.NoError(t, store.PutDataset(&interfaces.DatasetRecord{DatasetID: 1, SessionID: 10}))
	require.NoError(t, store.PutDataset(&interfaces.DatasetRecord{DatasetID: 2, SessionID: 10}))
	require.NoError(t, store.PutDataset(&interfaces.DatasetRecord{DatasetID: 3, SessionID: 11}))

	removed := store.RemoveSession(10)
	assert.ElementsMatch(t, []interfaces.DatasetID{1, 2}, removed)

	_, ok := store.SessionKey(10)
	assert.False(t, ok)
	_, ok = store.Dataset(1)
	assert.False(t, ok)

	// The other session is untouched
	_, ok = store.Dataset(3)
	assert.True(t, ok)

	// Teardown is idempotent
	assert.Empty(t, store.RemoveSession(10))
}
