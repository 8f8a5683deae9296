package errdefs

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	err := New(KindTimeout, "query", io.EOF)

	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, io.EOF)
	require.NotErrorIs(t, err, ErrTransport)
	require.Equal(t, KindTimeout, KindOf(err))
	require.True(t, Is(err, KindTimeout))
	require.False(t, Is(err, KindRemoteFailure))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindAmbiguous, "resolve", errors.New("two candidates")))

	require.ErrorIs(t, err, ErrAmbiguous)
	require.Equal(t, KindAmbiguous, KindOf(err))
	require.Contains(t, err.Error(), "resolve: ambiguous: two candidates")
}

func TestKindOfPlainErrors(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(nil))
	require.Equal(t, KindUnknown, KindOf(io.EOF))
	require.Equal(t, KindShutdown, KindOf(ErrShutdown))
}
