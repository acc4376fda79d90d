package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emily-flambe/orca/internal/cmd"
)

func TestExitErrorUnwraps(t *testing.T) {
	inner := errors.New("bad config")
	err := &cmd.ExitError{Code: 1, Err: inner}

	var exitErr *cmd.ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 1, exitErr.Code)
	require.ErrorIs(t, err, inner)
}

func TestRootCommandBuilds(t *testing.T) {
	root := cmd.NewRootCommand()
	require.Equal(t, "orca", root.Use)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["start"])
	require.True(t, names["add"])
	require.True(t, names["status"])
}
