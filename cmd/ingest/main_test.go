package main

import (
	"errors"
	"flag"
	"testing"

	"github.com/chess-ingest/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsernamesFlag(t *testing.T) {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	var names usernames
	fs.Var(&names, "username", "")

	require.NoError(t, fs.Parse([]string{"--username", "hikaru", "--username", "magnus, ,alireza"}))
	assert.Equal(t, usernames{"hikaru", "magnus", "alireza"}, names)
	assert.Equal(t, "hikaru,magnus,alireza", names.String())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		outcome worker.Outcome
		err     error
		want    int
	}{
		{worker.OutcomeIdle, nil, 0},
		{worker.OutcomeSucceeded, nil, 0},
		{worker.OutcomeRetried, nil, 1},
		{worker.OutcomeFailed, nil, 1},
		{worker.OutcomeLeaseLost, nil, 1},
		{worker.OutcomeLeftLeased, errors.New("store down"), 1},
		{worker.OutcomeIdle, errors.New("store down"), 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.outcome, tt.err))
		})
	}
}
