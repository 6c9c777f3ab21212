package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/loykin/archivebridge/internal/env"
)

// FuzzWorkerTOML feeds random worker fields into a small TOML and ensures
// loading and validation never panic.
func FuzzWorkerTOML(f *testing.F) {
	f.Add("node worker.js", "listening on port (\\d+)", 5, "confirm")
	f.Add("", "(", 0, "optimistic")

	f.Fuzz(func(t *testing.T, cmd, pattern string, attempts int, policy string) {
		clean := func(s string) string {
			s = strings.ReplaceAll(s, "\"", "")
			s = strings.ReplaceAll(s, "\\", "")
			return strings.ReplaceAll(s, "\n", "")
		}
		var b strings.Builder
		b.WriteString("[worker]\n")
		b.WriteString("command = \"" + clean(cmd) + "\"\n")
		b.WriteString("ready_pattern = \"" + clean(pattern) + "\"\n")
		b.WriteString("dial_attempts = " + strconv.Itoa(attempts) + "\n")
		b.WriteString("[metadata]\ndelete_policy = \"" + clean(policy) + "\"\n")

		tmp := t.TempDir() + "/fuzz.toml"
		if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		cfg, err := Load(tmp)
		if err != nil {
			return
		}
		_ = cfg.Validate()
	})
}

// FuzzWorkerEnv composes the worker environment from a random env file and
// random explicit pairs. Without use_os_env nothing from the bridge's own
// environment may leak in, and explicit pairs always win.
func FuzzWorkerEnv(f *testing.F) {
	f.Add([]byte("BACKUP_ROOT=/srv/backups\n# comment\nREGION=eu"), []byte("REGION=us\nTARGET=${BACKUP_ROOT}/nightly"))
	f.Add([]byte("A=1"), []byte("=skipped\nB"))
	f.Add([]byte(""), []byte("X=${X}"))

	f.Fuzz(func(t *testing.T, fileB, pairsB []byte) {
		dir := t.TempDir()
		file := filepath.Join(dir, "worker.env")
		if err := os.WriteFile(file, fileB, 0o600); err != nil {
			t.Skip()
		}
		var pairs []string
		for _, ln := range strings.Split(string(pairsB), "\n") {
			if ln = strings.TrimSpace(ln); ln != "" {
				pairs = append(pairs, ln)
			}
			if len(pairs) == 20 {
				break
			}
		}
		cfg := Default()
		cfg.Worker.EnvFiles = []string{file}
		cfg.Worker.Env = pairs
		cfg.Worker.UseOSEnv = false

		out, err := cfg.WorkerEnv()
		if err != nil {
			t.Fatalf("worker env: %v", err)
		}
		if !sort.StringsAreSorted(out) {
			t.Fatalf("not sorted: %q", out)
		}
		fromFile, err := env.LoadFile(file)
		if err != nil {
			t.Fatalf("load file: %v", err)
		}
		want := map[string]string{}
		for _, kv := range pairs {
			if i := strings.IndexByte(kv, '='); i > 0 {
				want[kv[:i]] = kv[i+1:]
			}
		}
		got := map[string]string{}
		for _, kv := range out {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("bad pair %q", kv)
			}
			k := kv[:i]
			if _, dup := got[k]; dup {
				t.Fatalf("duplicate key %q in %q", k, out)
			}
			got[k] = kv[i+1:]
			if _, ok := want[k]; ok {
				continue
			}
			if _, ok := fromFile[k]; !ok {
				t.Fatalf("key %q came from neither the file nor the pairs", k)
			}
		}
		for k, v := range want {
			if strings.Contains(v, "$") {
				continue
			}
			if got[k] != v {
				t.Fatalf("explicit %s=%q lost, got %q", k, v, got[k])
			}
		}
	})
}
