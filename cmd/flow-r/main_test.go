package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// runFlowR executes a fresh command tree with args, feeding stdin and
// capturing stdout. It never calls os.Exit, so it cannot observe verify's
// failure path; that path is exercised only in process-level usage.
func runFlowR(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	return out.String(), err
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	doc, err := runFlowR(t, "", "encode", "--ranks", "0-1", "--hosts", "n[0-1]", "--cores", "0-3")
	require.NoError(t, err)
	require.NotEmpty(t, doc)

	out, err := runFlowR(t, doc, "decode", "--count", "core")
	require.NoError(t, err)
	require.Equal(t, "8\n", out)

	out, err = runFlowR(t, doc, "decode", "--count", "node")
	require.NoError(t, err)
	require.Equal(t, "2\n", out)

	out, err = runFlowR(t, doc, "decode", "--ranks")
	require.NoError(t, err)
	require.Equal(t, "0-1\n", out)
}

func TestAppendRejectsOverlap(t *testing.T) {
	doc, err := runFlowR(t, "", "encode", "--ranks", "0", "--hosts", "n0", "--cores", "0-3")
	require.NoError(t, err)

	_, err = runFlowR(t, doc+doc, "append")
	require.Error(t, err)
}

func TestDiffAndIntersect(t *testing.T) {
	a, err := runFlowR(t, "", "encode", "--ranks", "0", "--hosts", "n0", "--cores", "0-3")
	require.NoError(t, err)
	b, err := runFlowR(t, "", "encode", "--ranks", "0", "--hosts", "n0", "--cores", "2-3")
	require.NoError(t, err)

	diffOut, err := runFlowR(t, a+b, "diff")
	require.NoError(t, err)
	out, err := runFlowR(t, diffOut, "decode", "--count", "core")
	require.NoError(t, err)
	require.Equal(t, "2\n", out)

	interOut, err := runFlowR(t, a+b, "intersect")
	require.NoError(t, err)
	out, err = runFlowR(t, interOut, "decode", "--count", "core")
	require.NoError(t, err)
	require.Equal(t, "2\n", out)
}

func TestRemapRenumbersFromZero(t *testing.T) {
	doc, err := runFlowR(t, "", "encode", "--ranks", "5,7", "--hosts", "n5,n7", "--cores", "0")
	require.NoError(t, err)

	remapped, err := runFlowR(t, doc, "remap")
	require.NoError(t, err)

	out, err := runFlowR(t, remapped, "decode", "--ranks")
	require.NoError(t, err)
	require.Equal(t, "0-1\n", out)
}

func TestRerankByHostlistOrder(t *testing.T) {
	doc, err := runFlowR(t, "", "encode", "--ranks", "0-1", "--hosts", "n0,n1", "--cores", "0")
	require.NoError(t, err)

	reranked, err := runFlowR(t, doc, "rerank", "n1,n0")
	require.NoError(t, err)

	out, err := runFlowR(t, reranked, "decode", "--nodelist")
	require.NoError(t, err)
	require.Equal(t, "n1,n0\n", out)
}

func TestSetPropertyThenFilterByProperty(t *testing.T) {
	doc, err := runFlowR(t, "", "encode", "--ranks", "0-1", "--hosts", "n[0-1]", "--cores", "0")
	require.NoError(t, err)

	tagged, err := runFlowR(t, doc, "set-property", "batch:0")
	require.NoError(t, err)

	out, err := runFlowR(t, tagged, "decode", "--properties", "batch", "--count", "node")
	require.NoError(t, err)
	require.Equal(t, "1\n", out)
}

func TestParseConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resource.config")
	require.NoError(t, os.WriteFile(path, []byte(`[{"hosts":"n[0-1]","cores":"0-3"}]`), 0o644))

	doc, err := runFlowR(t, "", "parse-config", path)
	require.NoError(t, err)

	out, err := runFlowR(t, doc, "decode", "--count", "core")
	require.NoError(t, err)
	require.Equal(t, "8\n", out)
}

func TestParseConfigFromStdin(t *testing.T) {
	doc, err := runFlowR(t, `[{"hosts":"n0","cores":"0-1"}]`, "parse-config", "-")
	require.NoError(t, err)

	out, err := runFlowR(t, doc, "decode", "--count", "core")
	require.NoError(t, err)
	require.Equal(t, "2\n", out)
}

func TestVerifySucceedsWhenActualMatchesExpected(t *testing.T) {
	expected, err := runFlowR(t, "", "encode", "--ranks", "0", "--hosts", "n0", "--cores", "0-3")
	require.NoError(t, err)
	actual, err := runFlowR(t, "", "encode", "--ranks", "0", "--hosts", "n0", "--cores", "0-3")
	require.NoError(t, err)

	_, err = runFlowR(t, expected+actual, "verify")
	require.NoError(t, err)
}

func TestVerifyRequiresExactlyTwoDocuments(t *testing.T) {
	doc, err := runFlowR(t, "", "encode", "--ranks", "0", "--hosts", "n0", "--cores", "0")
	require.NoError(t, err)

	_, err = runFlowR(t, doc, "verify")
	require.Error(t, err)
}
