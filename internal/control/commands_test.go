package control

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"seqasr/internal/checkpoint"
)

func TestQueryRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "c.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc := bufio.NewScanner(conn)
		if !sc.Scan() {
			return
		}
		var req Request
		_ = json.Unmarshal(sc.Bytes(), &req)
		_ = json.NewEncoder(conn).Encode(Status{Running: true, Phase: req.Op, Epoch: 3})
	}()

	var st Status
	if err := Query(sock, Request{Op: "status"}, &st); err != nil {
		t.Fatalf("query: %v", err)
	}
	if !st.Running || st.Phase != "status" || st.Epoch != 3 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestQueryWithoutJob(t *testing.T) {
	if err := Query(filepath.Join(t.TempDir(), "none.sock"), Request{Op: "status"}, &Status{}); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, Status{
		Running: true,
		Phase:   "valid",
		Epoch:   2,
		BestWER: 12.5,
		History: []StageStats{{Stage: "valid", Epoch: 2, Stats: map[string]float64{"loss": 1.25, "WER": 12.5}}},
	})
	out := buf.String()
	for _, want := range []string{"phase: valid", "epoch: 2", "best valid WER: 12.50", "loss=1.25 WER=12.5"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}

	buf.Reset()
	printStatus(&buf, Status{BestWER: -1})
	if strings.Contains(buf.String(), "best valid WER") {
		t.Fatalf("unset best WER printed:\n%s", buf.String())
	}
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	if err := os.WriteFile(path, []byte("a\n\nb\nc\nd\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var buf bytes.Buffer
	if err := tailFile(&buf, path, 2); err != nil {
		t.Fatalf("tail: %v", err)
	}
	if buf.String() != "c\nd\n" {
		t.Fatalf("tail output %q", buf.String())
	}
}

type stub struct{}

func (stub) Save(path string) error { return os.WriteFile(path, []byte("x"), 0o644) }
func (stub) Load(string) error      { return nil }

func TestLatestEvent(t *testing.T) {
	dir := t.TempDir()
	ev, err := latestEvent(dir)
	if err != nil || ev.Epoch != 0 || ev.Checkpoint != dir {
		t.Fatalf("sample event: %+v %v", ev, err)
	}

	c := checkpoint.New(dir, nil)
	c.Add("model", stub{})
	for epoch := 1; epoch <= 2; epoch++ {
		if _, err := c.Save(checkpoint.Meta{Epoch: epoch, EndOfEpoch: true, Metrics: map[string]float64{"WER": float64(10 * epoch)}}); err != nil {
			t.Fatalf("save: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	ev, err = latestEvent(dir)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if ev.Epoch != 2 || ev.Metrics["WER"] != 20 || !strings.HasPrefix(filepath.Base(ev.Checkpoint), "CKPT") {
		t.Fatalf("latest event: %+v", ev)
	}
}

func TestLoadArgsRequiresFile(t *testing.T) {
	if _, err := LoadArgs(nil); err == nil {
		t.Fatalf("expected error without hparams file")
	}
}
