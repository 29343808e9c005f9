package coordinator

import (
	"bytes"
	"path/filepath"
	"text/template"

	"github.com/google/renameio/v2"
	"github.com/opi5-alarm/tools/internal/config"
)

// Signature levels of the two pacman configurations. Bootstrap packages
// (the keyrings) are installed before any key is trusted.
const (
	SigLevelLoose  = "Never"
	SigLevelStrict = "DatabaseOptional"
)

// Paths are relative to the project directory, which is the child
// builder's working directory.
var pacmanTmpl = template.Must(template.New("pacman.conf").Parse(`[options]
RootDir      = cache/root
DBPath       = cache/root/var/lib/pacman/
CacheDir     = pkg/
LogFile      = cache/root/var/log/pacman.log
GPGDir       = cache/root/etc/pacman.d/gnupg/
HookDir      = cache/root/etc/pacman.d/hooks/
Architecture = aarch64
SigLevel     = {{ .SigLevel }}
{{- range .Repos }}
[{{ .Name }}]
Server = {{ .Server }}
{{- end }}
`))

type repo struct {
	Name   string
	Server string
}

func repos(m config.Mirrors) []repo {
	return []repo{
		{"core", m.ArchLinuxARM},
		{"extra", m.ArchLinuxARM},
		{"alarm", m.ArchLinuxARM},
		{"aur", m.ArchLinuxARM},
		{"7Ji", m.SevenJi},
	}
}

// PacmanConfig renders the pacman.conf used inside the sandbox.
func PacmanConfig(m config.Mirrors, sigLevel string) ([]byte, error) {
	var buf bytes.Buffer
	if err := pacmanTmpl.Execute(&buf, struct {
		SigLevel string
		Repos    []repo
	}{
		SigLevel: sigLevel,
		Repos:    repos(m),
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writePacmanConfigs writes cache/pacman-loose.conf and
// cache/pacman-strict.conf.
func writePacmanConfigs(cacheDir string, m config.Mirrors) error {
	for name, level := range map[string]string{
		"pacman-loose.conf":  SigLevelLoose,
		"pacman-strict.conf": SigLevelStrict,
	} {
		b, err := PacmanConfig(m, level)
		if err != nil {
			return err
		}
		if err := renameio.WriteFile(filepath.Join(cacheDir, name), b, 0644); err != nil {
			return err
		}
	}
	return nil
}
