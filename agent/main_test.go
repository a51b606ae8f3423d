package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRequiresConfigFlag(t *testing.T) {
	out, err := execute()
	require.Error(t, err)
	require.Contains(t, out, "Usage:")
}

func TestRejectsMissingConfigFile(t *testing.T) {
	out, err := execute("-c", filepath.Join(t.TempDir(), "vdsm-reg.conf"))
	require.Error(t, err)
	require.Contains(t, out, "Usage:")
}

func TestRejectsUnknownFlag(t *testing.T) {
	_, err := execute("--bogus")
	require.Error(t, err)
}

func TestHelp(t *testing.T) {
	out, err := execute("-h")
	require.NoError(t, err)
	require.Contains(t, out, "-c, --config")
	require.Contains(t, out, "-l, --attended")
}
