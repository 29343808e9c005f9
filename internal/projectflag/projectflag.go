// Package projectflag holds the flags shared by every opi5img verb which
// operates on a project directory.
package projectflag

import (
	"os"

	"github.com/opi5-alarm/tools/internal/config"
	"github.com/spf13/pflag"
)

var (
	projectDir string
	configPath string
	verbose    bool
)

func RegisterPflags(fs *pflag.FlagSet) {
	def := os.Getenv("OPI5IMG_PROJECT_DIR")
	if def == "" {
		def = "."
	}
	fs.StringVarP(&projectDir,
		"project_dir",
		"C",
		def,
		`project directory, containing rkloader/ and receiving cache/, pkg/ and out/`)

	fs.StringVar(&configPath,
		"config",
		"",
		`configuration file (default: the first of opi5img.yaml, opi5img.yml or opi5img.json in the project directory)`)

	fs.BoolVarP(&verbose,
		"verbose",
		"v",
		false,
		`log debug messages`)
}

func ProjectDir() string {
	return projectDir
}

func Verbose() bool {
	return verbose
}

// Load reads the configuration selected by the flags.
func Load() (*config.Struct, error) {
	if configPath == "" {
		cfg, _, err := config.Find(projectDir)
		return cfg, err
	}
	cfg, err := config.ReadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.ProjectDir == "." {
		cfg.ProjectDir = projectDir
	}
	return cfg, nil
}
