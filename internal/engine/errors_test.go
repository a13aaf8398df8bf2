package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKindHelpers(t *testing.T) {
	t.Parallel()

	fetchErr := fmt.Errorf("page 3: %w", &FetchError{URL: "https://example.com", StatusCode: 503, Err: errors.New("boom")})
	require.True(t, IsFetchError(fetchErr))
	require.False(t, IsValidationError(fetchErr))

	valErr := fmt.Errorf("record: %w", &ValidationError{Field: "id", Reason: "blank"})
	require.True(t, IsValidationError(valErr))
	require.False(t, IsStoreError(valErr))

	storeErr := fmt.Errorf("commit: %w", &StoreError{Op: "upsert", Err: errors.New("conn reset")})
	require.True(t, IsStoreError(storeErr))
	require.False(t, IsFetchError(storeErr))
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("timeout")
	err := &FetchError{URL: "https://example.com", Err: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "https://example.com")
}

func TestListingValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Listing{ID: "j1"}.Validate())
	require.True(t, IsValidationError(Listing{}.Validate()))
	require.True(t, IsValidationError(Listing{ID: "  "}.Validate()))
}

func TestInteractionKindValid(t *testing.T) {
	t.Parallel()

	for _, k := range []InteractionKind{InteractionViewed, InteractionSaved, InteractionApplied, InteractionDismissed} {
		require.True(t, k.Valid())
	}
	require.False(t, InteractionKind("starred").Valid())
	require.False(t, InteractionKind("").Valid())
}
