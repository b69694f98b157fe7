package service

import (
	"os"
	"strings"
	"testing"
)

func TestWriteSystemdUnit(t *testing.T) {
	home := t.TempDir()
	path, err := Write(Systemd, home, Params{
		Label:  "seqasr.exp-4234",
		Binary: "/usr/local/bin/seqasr",
		Args:   []string{"serve", "train", "/exp/train.toml", "data.data_folder=/data/voice bank"},
		Log:    "/exp/out/log.txt",
		Env:    map[string]string{"SEQASR_METRICS_ADDR": "127.0.0.1:9318"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	unit := string(data)
	for _, want := range []string{
		`ExecStart=/usr/local/bin/seqasr serve train /exp/train.toml "data.data_folder=/data/voice bank"`,
		"Restart=on-failure",
		"Environment=SEQASR_METRICS_ADDR=127.0.0.1:9318",
		"StandardOutput=append:/exp/out/log.txt",
	} {
		if !strings.Contains(unit, want) {
			t.Fatalf("unit missing %q:\n%s", want, unit)
		}
	}
	if p, ok := Status(Systemd, home, "seqasr.exp-4234"); !ok || p != path {
		t.Fatalf("status: %s %v", p, ok)
	}
	if _, err := Remove(Systemd, home, "seqasr.exp-4234"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := Status(Systemd, home, "seqasr.exp-4234"); ok {
		t.Fatalf("unit still present after remove")
	}
}

func TestWriteLaunchdPlist(t *testing.T) {
	home := t.TempDir()
	path, err := Write(Launchd, home, Params{Label: "seqasr.a", Binary: "/bin/seqasr", Args: []string{"serve", "train", "t.toml"}, Log: "/tmp/l"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "<string>serve</string>") || strings.Contains(string(data), "EnvironmentVariables") {
		t.Fatalf("plist:\n%s", data)
	}
}

func TestLabel(t *testing.T) {
	cases := map[string]string{
		"results/seqasr/4234":  "seqasr.seqasr-4234",
		"/runs/my exp/seed_1/": "seqasr.my-exp-seed-1",
	}
	for in, want := range cases {
		if got := Label(in); got != want {
			t.Fatalf("Label(%q) = %q, want %q", in, got, want)
		}
	}
}
