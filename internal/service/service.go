// Package service writes user-level unit files that keep a training job
// running across crashes and reboots. Restarted jobs resume from the latest
// checkpoint.
package service

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

const launchdTemplate = `<?xml version='1.0' encoding='UTF-8'?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
  <key>Label</key><string>{{.Label}}</string>
  <key>ProgramArguments</key>
  <array>
    <string>{{.Binary}}</string>
    {{- range .Args }}
    <string>{{.}}</string>
    {{- end }}
  </array>
  <key>RunAtLoad</key><true/>
  <key>KeepAlive</key><dict><key>SuccessfulExit</key><false/></dict>
  <key>StandardOutPath</key><string>{{.Log}}</string>
  <key>StandardErrorPath</key><string>{{.Log}}</string>
  {{- if .Env }}
  <key>EnvironmentVariables</key>
  <dict>
    {{- range $k, $v := .Env }}
    <key>{{$k}}</key><string>{{$v}}</string>
    {{- end }}
  </dict>
  {{- end }}
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=seqasr job {{.Label}}

[Service]
ExecStart={{.Binary}}{{range .Args}} {{quote .}}{{end}}
Restart=on-failure
RestartSec=30
{{- range $k, $v := .Env }}
Environment={{quote (printf "%s=%s" $k $v)}}
{{- end }}
StandardOutput=append:{{.Log}}
StandardError=append:{{.Log}}

[Install]
WantedBy=default.target
`

// Params describe one job unit.
type Params struct {
	Label  string
	Binary string
	Args   []string
	Log    string
	Env    map[string]string
}

// Kind is the service manager a unit is written for.
type Kind string

const (
	Launchd Kind = "launchd"
	Systemd Kind = "systemd"
)

// Native returns the service manager of the running platform.
func Native() Kind {
	if runtime.GOOS == "darwin" {
		return Launchd
	}
	return Systemd
}

// Path returns where the unit for label lives under home.
func Path(kind Kind, home, label string) string {
	if kind == Launchd {
		return filepath.Join(home, "Library", "LaunchAgents", label+".plist")
	}
	return filepath.Join(home, ".config", "systemd", "user", label+".service")
}

// Write renders the unit for params under home and returns its path.
func Write(kind Kind, home string, params Params) (string, error) {
	if params.Label == "" || params.Binary == "" {
		return "", fmt.Errorf("service: label and binary are required")
	}
	path := Path(kind, home, params.Label)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	text := systemdTemplate
	if kind == Launchd {
		text = launchdTemplate
	}
	tpl := template.Must(template.New(string(kind)).Funcs(template.FuncMap{"quote": systemdQuote}).Parse(text))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := tpl.Execute(f, params); err != nil {
		return "", err
	}
	return path, f.Close()
}

// Remove deletes the unit for label. A missing unit is not an error.
func Remove(kind Kind, home, label string) (string, error) {
	path := Path(kind, home, label)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return path, err
	}
	return path, nil
}

// Status returns the unit path and whether it exists.
func Status(kind Kind, home, label string) (string, bool) {
	path := Path(kind, home, label)
	_, err := os.Stat(path)
	return path, err == nil
}

// Label derives a unit label from the experiment output folder.
func Label(outputFolder string) string {
	base := filepath.Base(filepath.Clean(outputFolder))
	parent := filepath.Base(filepath.Dir(filepath.Clean(outputFolder)))
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '-'
	}, parent+"-"+base)
	return "seqasr." + strings.Trim(name, "-.")
}

func systemdQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\$%") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `%`, `%%`, `$`, `$$`)
	return `"` + r.Replace(s) + `"`
}
