package store

import (
	"errors"
	"testing"
)

func TestIsNoScriptMatchesErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("NOSCRIPT No matching script. Please use EVAL."), true},
		// Newer servers phrase the tail differently; only the code counts.
		{errors.New("NOSCRIPT No matching script, please use EVAL"), true},
		{errors.New("ERR unknown command 'EVALSHA'"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := isNoScript(c.err); got != c.want {
			t.Errorf("isNoScript(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
