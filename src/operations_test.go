package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dataTransfer/src/config"

	"github.com/stretchr/testify/require"
)

func localJob(t *testing.T, loader string, compress bool) *config.Config {
	dir := t.TempDir()
	body := fmt.Sprintf(`
[job]
partitioner = "range"
extractor = "counter"
loader = %q
threads = 2

[output]
path = %q
compress = %v

[options]
rows = 20
partitions = 4
`, loader, dir, compress)
	cfg, err := config.Parse([]byte(body), ".toml")
	require.NoError(t, err)
	return cfg
}

func TestRunShowCatDelete(t *testing.T) {
	ctx := context.Background()
	cfg := localJob(t, "text", true)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output.Path, "notes.txt"), []byte("keep"), 0o644))

	report, err := runOnce(ctx, cfg, false)
	require.NoError(t, err)
	require.EqualValues(t, 20, report.Records)
	require.Equal(t, []string{"part-r-00000.deflate"}, report.Outputs)

	var out bytes.Buffer
	require.NoError(t, ShowFiles(ctx, cfg, false, &out))
	require.Contains(t, out.String(), "part-r-00000.deflate")
	require.NotContains(t, out.String(), "notes.txt")
	require.Contains(t, out.String(), "1 files")

	out.Reset()
	require.NoError(t, ShowFiles(ctx, cfg, true, &out))
	require.Contains(t, out.String(), "notes.txt")

	out.Reset()
	require.NoError(t, CatFile(ctx, cfg, "part-r-00000.deflate", &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 20)

	out.Reset()
	require.NoError(t, DeleteOutputFiles(ctx, cfg, &out))
	require.Equal(t, "removed 1 files\n", out.String())
	_, err = os.Stat(filepath.Join(cfg.Output.Path, "notes.txt"))
	require.NoError(t, err)
}

func TestCatBinaryFormats(t *testing.T) {
	ctx := context.Background()
	for _, loader := range []string{"sequence", "parquet"} {
		cfg := localJob(t, loader, true)
		report, err := runOnce(ctx, cfg, false)
		require.NoError(t, err, loader)
		require.Len(t, report.Outputs, 1, loader)

		var out bytes.Buffer
		require.NoError(t, CatFile(ctx, cfg, report.Outputs[0], &out), loader)
		require.Equal(t, 20, strings.Count(out.String(), "\n"), loader)
	}
}

func TestDescribe(t *testing.T) {
	var out bytes.Buffer
	DescribeRegistry(&out)
	require.Contains(t, out.String(), "partitioners: ")
	for _, name := range []string{"range", "counter", "synthetic", "sql", "mongo", "xlsx", "parquet", "zstd"} {
		require.Contains(t, out.String(), name)
	}

	path := filepath.Join(t.TempDir(), "t.sql")
	ddl := "CREATE TABLE t (id BIGINT PRIMARY KEY, name VARCHAR(16) COMMENT 'null_percent=10');"
	require.NoError(t, os.WriteFile(path, []byte(ddl), 0o644))
	out.Reset()
	require.NoError(t, DescribeDDL(path, &out))
	require.Contains(t, out.String(), "id")
	require.Contains(t, out.String(), "name")
}

func TestDetectFormat(t *testing.T) {
	f, c, err := detectFormat("part-r-00000.zst")
	require.NoError(t, err)
	require.Equal(t, "text", f.Name())
	require.Equal(t, "zstd", c.Name())

	f, c, err = detectFormat("part-m-00003")
	require.NoError(t, err)
	require.Equal(t, "text", f.Name())
	require.Nil(t, c)

	f, _, err = detectFormat("part-r-00000.seq")
	require.NoError(t, err)
	require.Equal(t, "sequence", f.Name())
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"show"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	require.ErrorContains(t, cmd.Execute(), "--cfg is required")
}
