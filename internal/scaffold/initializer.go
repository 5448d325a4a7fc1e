// Package scaffold implements `lodge init`.
package scaffold

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dyluth/lodge/internal/config"
	"github.com/dyluth/lodge/internal/protocol"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo is a file created by Initialize.
type FileInfo struct {
	Path        string // Relative to the project directory
	Template    string
	Permissions os.FileMode
}

// Files lists what Initialize creates, in creation order.
var Files = []FileInfo{
	{Path: config.DefaultPath, Template: "templates/lodge.yml.tmpl", Permissions: 0644},
	{Path: "database.yml", Template: "templates/database.yml.tmpl", Permissions: 0644},
	{Path: filepath.Join("conf", "trainer", "gpu.yaml"), Template: "templates/trainer.yaml.tmpl", Permissions: 0644},
	{Path: ".gitignore", Template: "templates/gitignore.tmpl", Permissions: 0644},
}

// Initialize creates a lodge project in dir. With force, existing project
// files are overwritten; other files in conf/ are left alone.
// An existing .gitignore is never overwritten.
func Initialize(dir string, force bool) error {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return err
		}
	}

	for _, f := range Files {
		target := filepath.Join(dir, f.Path)
		if f.Path == ".gitignore" {
			if _, err := os.Stat(target); err == nil {
				continue
			}
		}

		content, err := templatesFS.ReadFile(f.Template)
		if err != nil {
			return fmt.Errorf("failed to read %s template: %w", f.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(target), err)
		}
		if err := os.WriteFile(target, content, f.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}

	return validateCreatedFiles(dir)
}

// validateCreatedFiles loads what was written the way `lodge train` will.
func validateCreatedFiles(dir string) error {
	cfg, err := config.Load(filepath.Join(dir, config.DefaultPath))
	if err != nil {
		return fmt.Errorf("created %s is invalid: %w", config.DefaultPath, err)
	}
	db := protocol.NewDatabase(cfg.Resolve(cfg.Database))
	if _, err := db.Names(); err != nil {
		return fmt.Errorf("created database.yml is invalid: %w", err)
	}
	return nil
}

// PrintSuccess prints the created files and next steps.
func PrintSuccess(w io.Writer) {
	fmt.Fprintln(w, "\n✅ Successfully initialized lodge project!")
	fmt.Fprintln(w, "\nCreated:")
	for _, f := range Files {
		fmt.Fprintf(w, "  ✓ %s\n", filepath.ToSlash(f.Path))
	}
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintln(w, "  1. Point database.yml at your audio, RTTM and UEM files")
	fmt.Fprintln(w, "  2. Inspect the composed config: lodge train --cfg job protocol=Example.SpeakerDiarization.Debug")
	fmt.Fprintln(w, "  3. Train: lodge train protocol=Example.SpeakerDiarization.Debug trainer=gpu")
}
