package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"coderun/internal/config"
)

// dataFiles locates the files a backup covers.
type dataFiles struct {
	Config string
	DB     string
}

func resolveDataFiles() dataFiles {
	cfgPath := config.ExpandPath(resolveConfigPath())
	dbPath := config.ExpandPath(config.Defaults().Memory.DBPath)
	if cfg, err := config.Load(cfgPath); err == nil && cfg.Memory.DBPath != "" {
		dbPath = config.ExpandPath(cfg.Memory.DBPath)
	}
	return dataFiles{Config: cfgPath, DB: dbPath}
}

// archiveName maps a local file to its entry name in the archive. Entries
// are named by role so a restore can target different paths.
func (d dataFiles) archiveName(path string) string {
	switch path {
	case d.Config:
		return "config" + filepath.Ext(path)
	case d.DB:
		return "runs.db"
	case d.DB + "-wal":
		return "runs.db-wal"
	case d.DB + "-shm":
		return "runs.db-shm"
	}
	return filepath.Base(path)
}

// target maps an archive entry back to a local path; ok is false for entries
// a backup never writes.
func (d dataFiles) target(entry string) (string, bool) {
	name := filepath.Base(entry)
	switch {
	case strings.HasPrefix(name, "config."):
		return d.Config, true
	case name == "runs.db":
		return d.DB, true
	case name == "runs.db-wal":
		return d.DB + "-wal", true
	case name == "runs.db-shm":
		return d.DB + "-shm", true
	}
	return "", false
}

func (d dataFiles) existing() []string {
	var files []string
	for _, p := range []string{d.DB, d.DB + "-wal", d.DB + "-shm", d.Config} {
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	return files
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the run history database and config",
		Long: `Creates a compressed .tar.gz archive containing the SQLite run history
and the configuration file. The archive is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := resolveDataFiles()

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("coderun-backup-%s.tar.gz", ts))
			}

			files := d.existing()
			if len(files) == 0 {
				return fmt.Errorf("no files to back up (db: %s, config: %s)", d.DB, d.Config)
			}
			if err := writeArchive(outputPath, d, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				var size int64
				if info, err := os.Stat(f); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", d.archiveName(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: ~/.coderun/backups/coderun-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore the run history and config from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := resolveDataFiles()
			if !force && len(d.existing()) > 0 {
				fmt.Printf("WARNING: This will overwrite existing data.\n")
				fmt.Printf("  Database: %s\n", d.DB)
				fmt.Printf("  Config:   %s\n", d.Config)
				return fmt.Errorf("restore aborted (use --force to proceed)")
			}

			restored, err := readArchive(args[0], d)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data")
	return cmd
}

func writeArchive(outputPath string, d dataFiles, files []string) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		if err := addFile(tw, f, d.archiveName(f)); err != nil {
			return fmt.Errorf("add %s: %w", f, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func readArchive(archivePath string, d dataFiles) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		target, ok := d.target(hdr.Name)
		if !ok {
			logger.Warn("skipping unknown archive entry", "name", hdr.Name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		if err := extractFile(tr, target); err != nil {
			return nil, err
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func extractFile(r io.Reader, target string) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
