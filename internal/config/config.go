// Package config holds the build configuration, read from opi5img.json or
// opi5img.yaml in the project directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/opi5-alarm/tools/internal/buildid"
	"github.com/opi5-alarm/tools/internal/layout"
	"gopkg.in/yaml.v3"
)

// DefaultFiles are looked up in the project directory, in order, when no
// config file is given explicitly.
var DefaultFiles = []string{"opi5img.yaml", "opi5img.yml", "opi5img.json"}

type Packages struct {
	// Bootstrap is installed first, with signature checking disabled, so
	// that the keyrings become available.
	Bootstrap []string `json:"bootstrap,omitempty" yaml:"bootstrap,omitempty"`
	Normal    []string `json:"normal,omitempty" yaml:"normal,omitempty"`
	Kernel    []string `json:"kernel,omitempty" yaml:"kernel,omitempty"`
}

type Mirrors struct {
	ArchLinuxARM string `json:"archlinuxarm,omitempty" yaml:"archlinuxarm,omitempty"`
	SevenJi      string `json:"7ji,omitempty" yaml:"7ji,omitempty"`
}

type Struct struct {
	Tag          string   `json:"tag,omitempty" yaml:"tag,omitempty"`
	ProjectDir   string   `json:"project_dir,omitempty" yaml:"project_dir,omitempty"`
	RkloaderDir  string   `json:"rkloader_dir,omitempty" yaml:"rkloader_dir,omitempty"`
	TotalMiB     uint64   `json:"total_mib,omitempty" yaml:"total_mib,omitempty"`
	Packages     Packages `json:"packages" yaml:"packages"`
	Mirrors      Mirrors  `json:"mirrors" yaml:"mirrors"`
	ChildBuilder string   `json:"child_builder,omitempty" yaml:"child_builder,omitempty"`
	Parallelism  int      `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	TableTool    string   `json:"table_tool,omitempty" yaml:"table_tool,omitempty"` // sfdisk or native
	FatTool      string   `json:"fat_tool,omitempty" yaml:"fat_tool,omitempty"`     // mcopy or builtin
	Compress     bool     `json:"compress,omitempty" yaml:"compress,omitempty"`
	// ManifestKey is a note verifier key (golang.org/x/mod/sumdb/note).
	// When set, sha512sums must be signed by it.
	ManifestKey string `json:"manifest_key,omitempty" yaml:"manifest_key,omitempty"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Struct {
	return &Struct{
		Tag:         buildid.DefaultTag,
		ProjectDir:  ".",
		RkloaderDir: "rkloader",
		TotalMiB:    2048,
		Packages: Packages{
			Bootstrap: []string{"base", "archlinuxarm-keyring", "7ji-keyring"},
			Normal:    []string{"vim", "nano", "sudo", "openssh", "linux-firmware-orangepi-git", "usb2host"},
			Kernel:    []string{"linux-aarch64-orangepi5", "linux-aarch64-orangepi5-git"},
		},
		Mirrors: Mirrors{
			ArchLinuxARM: "http://mirror.archlinuxarm.org/aarch64/$repo",
			SevenJi:      "https://github.com/7Ji/archrepo/releases/download/aarch64",
		},
		ChildBuilder: "build-child.sh",
		TableTool:    "sfdisk",
		FatTool:      "mcopy",
	}
}

// ReadFromFile reads path on top of Default(). Files ending in .yaml or
// .yml are YAML, everything else JSON.
func ReadFromFile(path string) (*Struct, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
	default:
		if err := json.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
	}
	return cfg, nil
}

// Find returns the config in projectDir, or Default() if there is none.
func Find(projectDir string) (cfg *Struct, path string, _ error) {
	for _, name := range DefaultFiles {
		p := filepath.Join(projectDir, name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		c, err := ReadFromFile(p)
		if err != nil {
			return nil, "", err
		}
		if c.ProjectDir == "." {
			c.ProjectDir = projectDir
		}
		return c, p, nil
	}
	cfg = Default()
	cfg.ProjectDir = projectDir
	return cfg, "", nil
}

func (s *Struct) Validate() error {
	if _, err := layout.For(layout.Minimal, s.TotalMiB); err != nil {
		return fmt.Errorf("total_mib: %w", err)
	}
	switch s.TableTool {
	case "sfdisk", "native":
	default:
		return fmt.Errorf("table_tool: unknown tool %q (want sfdisk or native)", s.TableTool)
	}
	switch s.FatTool {
	case "mcopy", "builtin":
	default:
		return fmt.Errorf("fat_tool: unknown tool %q (want mcopy or builtin)", s.FatTool)
	}
	if s.Parallelism < 0 {
		return fmt.Errorf("parallelism: must not be negative, got %d", s.Parallelism)
	}
	if len(s.Packages.Kernel) == 0 {
		return fmt.Errorf("packages.kernel: at least one kernel package is required")
	}
	if strings.ContainsAny(s.Tag, "/ ") || s.Tag == "" {
		return fmt.Errorf("tag: %q is not usable in file names", s.Tag)
	}
	return nil
}

// Workers is the effective variant patching parallelism.
func (s *Struct) Workers() int {
	if s.Parallelism > 0 {
		return s.Parallelism
	}
	return runtime.NumCPU()
}

func (s *Struct) path(elem ...string) string {
	return filepath.Join(append([]string{s.ProjectDir}, elem...)...)
}

func (s *Struct) CacheDir() string { return s.path("cache") }

// RootDir is the staging directory for the root file system.
func (s *Struct) RootDir() string { return s.path("cache", "root") }

func (s *Struct) OutDir() string { return s.path("out") }

// PkgDir is pacman's package cache, kept across builds.
func (s *Struct) PkgDir() string { return s.path("pkg") }

func (s *Struct) Rkloaders() string {
	if filepath.IsAbs(s.RkloaderDir) {
		return s.RkloaderDir
	}
	return s.path(s.RkloaderDir)
}

func (s *Struct) Builder() string {
	if filepath.IsAbs(s.ChildBuilder) {
		return s.ChildBuilder
	}
	return s.path(s.ChildBuilder)
}
