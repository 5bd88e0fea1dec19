package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PDPWATCH_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIssuesAck_UnknownIssue(t *testing.T) {
	_, err := runRoot(t, "issues", "ack", "missing-issue")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestIssuesList_UnknownPage(t *testing.T) {
	_, err := runRoot(t, "issues", "list", "missing-page")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestIssuesList_RequiresPage(t *testing.T) {
	_, err := runRoot(t, "issues", "list")
	require.Error(t, err)
}
