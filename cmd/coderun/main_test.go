package main

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger = newLogger("error", io.Discard)
	os.Exit(m.Run())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "print the sum of 1 and 2", oneLine("print the\n sum  of 1 and 2", 60))
	assert.Equal(t, "abcdefg...", oneLine("abcdefghijklmnop", 10))
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.5 KB", humanSize(1536))
	assert.Equal(t, "2.0 MB", humanSize(2*1024*1024))
}

func TestOnOff(t *testing.T) {
	assert.Equal(t, "off", onOff(false, "x"))
	assert.Equal(t, "on", onOff(true, ""))
	assert.Equal(t, "on (nats)", onOff(true, "nats"))
}

func TestRenderService(t *testing.T) {
	svc := service{
		Label:   serviceLabel,
		Exec:    "/usr/local/bin/coderun",
		Config:  "/home/u/.coderun/config.json",
		Log:     "/home/u/.coderun/logs/coderun.log",
		ErrLog:  "/home/u/.coderun/logs/coderun-error.log",
		EnvFile: "/home/u/.coderun/.env",
	}

	unit, err := renderService("linux", svc)
	require.NoError(t, err)
	assert.Contains(t, string(unit), "ExecStart=/usr/local/bin/coderun serve --config /home/u/.coderun/config.json")
	assert.Contains(t, string(unit), "EnvironmentFile=-/home/u/.coderun/.env")

	plist, err := renderService("darwin", svc)
	require.NoError(t, err)
	assert.Contains(t, string(plist), "<string>com.coderun.serve</string>")
	assert.Contains(t, string(plist), "<string>serve</string>")

	_, err = renderService("plan9", svc)
	assert.Error(t, err)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	from := dataFiles{
		Config: filepath.Join(src, "config.yaml"),
		DB:     filepath.Join(src, "history.db"),
	}
	require.NoError(t, os.WriteFile(from.Config, []byte("general:\n  logLevel: info\n"), 0o600))
	require.NoError(t, os.WriteFile(from.DB, []byte("sqlite bytes"), 0o600))

	files := from.existing()
	require.Len(t, files, 2)

	archive := filepath.Join(src, "backup.tar.gz")
	require.NoError(t, writeArchive(archive, from, files))

	dst := t.TempDir()
	to := dataFiles{
		Config: filepath.Join(dst, "conf", "config.yaml"),
		DB:     filepath.Join(dst, "data", "runs.db"),
	}
	restored, err := readArchive(archive, to)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{to.Config, to.DB}, restored)

	data, err := os.ReadFile(to.DB)
	require.NoError(t, err)
	assert.Equal(t, "sqlite bytes", string(data))
	data, err = os.ReadFile(to.Config)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "general:"))
}

func TestRestoreSkipsUnknownEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")

	f, err := os.Create(archive)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("nope")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: int64(len(body))}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	to := dataFiles{Config: filepath.Join(dir, "config.json"), DB: filepath.Join(dir, "runs.db")}
	restored, err := readArchive(archive, to)
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestReadArchiveRejectsNonGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(path, []byte("not an archive"), 0o600))

	_, err := readArchive(path, dataFiles{})
	assert.ErrorContains(t, err, "not a valid gzip file")
}
