package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "taskweave/internal/cli"
	"taskweave/internal/manifest"
)

const copyCountTasks = `
tasks:
  - name: copy
    command: sh
    args: ["-c", "cp a.txt b.txt"]
    inputs: [a.txt]
    outputs: [b.txt]
  - name: count
    command: sh
    args: ["-c", "printf %s $(wc -c < b.txt | tr -d ' ') > c.txt"]
    inputs: [b.txt]
    outputs: [c.txt]
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := icl.Run(context.Background(), append([]string{"--log-level", "error"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func latestManifest(t *testing.T, root string) manifest.Manifest {
	t.Helper()
	store, err := manifest.NewStore(filepath.Join(root, ".taskweave"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	id, err := store.LatestRunID()
	if err != nil || id == "" {
		t.Fatalf("latest run id: %q %v", id, err)
	}
	m, err := store.LoadManifest(id)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return m
}

func TestRun_CopyCountThenCachedThenInvalidated(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "taskweave.yaml"), copyCountTasks)
	writeFile(t, filepath.Join(root, "a.txt"), "hello")

	code, out, errOut := run(t, "--root", root, "run")
	if code != icl.ExitSuccess {
		t.Fatalf("first run exit %d: %s", code, errOut)
	}
	if got := readFile(t, filepath.Join(root, "c.txt")); got != "5" {
		t.Fatalf("c.txt = %q, want %q", got, "5")
	}
	if !strings.Contains(out, "2 succeeded, 0 cached") {
		t.Fatalf("summary: %q", out)
	}
	first := latestManifest(t, root)
	if first.Status != manifest.StatusSucceeded || first.PreviousRunID != nil {
		t.Fatalf("first manifest: %+v", first)
	}

	// Outputs deleted: both tasks replay from the cache.
	for _, p := range []string{"b.txt", "c.txt"} {
		if err := os.Remove(filepath.Join(root, p)); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}
	code, out, errOut = run(t, "--root", root, "run")
	if code != icl.ExitSuccess {
		t.Fatalf("second run exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "0 succeeded, 2 cached") {
		t.Fatalf("summary: %q", out)
	}
	if got := readFile(t, filepath.Join(root, "c.txt")); got != "5" {
		t.Fatalf("restored c.txt = %q", got)
	}
	second := latestManifest(t, root)
	if second.PreviousRunID == nil || *second.PreviousRunID != first.RunID {
		t.Fatalf("previous run id = %v, want %s", second.PreviousRunID, first.RunID)
	}

	writeFile(t, filepath.Join(root, "a.txt"), "hello!")
	code, out, errOut = run(t, "--root", root, "run")
	if code != icl.ExitSuccess {
		t.Fatalf("third run exit %d: %s", code, errOut)
	}
	if got := readFile(t, filepath.Join(root, "c.txt")); got != "6" {
		t.Fatalf("c.txt after edit = %q, want %q", got, "6")
	}
	if !strings.Contains(out, "2 succeeded, 0 cached") {
		t.Fatalf("summary: %q", out)
	}
}

func TestRun_GlobInputsIgnoreStateAndCacheDirs(t *testing.T) {
	const globTasks = `
tasks:
  - name: bundle
    command: sh
    args: ["-c", "cat conf/app.json > bundle.txt"]
    inputs: ["**/*.json"]
    outputs: [bundle.txt]
`
	for _, extra := range [][]string{nil, {"--cache-dir", "build/cache"}} {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "taskweave.yaml"), globTasks)
		writeFile(t, filepath.Join(root, "conf", "app.json"), `{"port": 80}`)

		args := append([]string{"--root", root}, extra...)
		args = append(args, "run")
		for i, want := range []string{"1 succeeded, 0 cached", "0 succeeded, 1 cached", "0 succeeded, 1 cached"} {
			code, out, errOut := run(t, args...)
			if code != icl.ExitSuccess {
				t.Fatalf("%v run %d exit %d: %s", extra, i, code, errOut)
			}
			if !strings.Contains(out, want) {
				t.Fatalf("%v run %d summary: %q, want %q", extra, i, out, want)
			}
		}
	}
}

func TestRun_IdenticalRunsWriteIdenticalTraces(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "taskweave.yaml"), copyCountTasks)
	writeFile(t, filepath.Join(root, "a.txt"), "hello")

	traceOf := func() string {
		code, _, errOut := run(t, "--root", root, "run", "--no-disk-cache")
		if code != icl.ExitSuccess {
			t.Fatalf("exit %d: %s", code, errOut)
		}
		m := latestManifest(t, root)
		return readFile(t, filepath.Join(root, ".taskweave", "runs", m.RunID, "trace.json"))
	}
	if a, b := traceOf(), traceOf(); a != b {
		t.Fatalf("traces differ:\n%s\n%s", a, b)
	}
}

func TestRun_TaskFailureIsExit1AndSkipsDependents(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tasks.yaml"), `
tasks:
  - name: broken
    command: sh
    args: ["-c", "echo oops >&2; exit 3"]
    outputs: [mid.txt]
  - name: after
    command: sh
    args: ["-c", "cp mid.txt end.txt"]
    inputs: [mid.txt]
    outputs: [end.txt]
`)

	code, out, _ := run(t, "--root", root, "run", "tasks.yaml")
	if code != icl.ExitGraphFailure {
		t.Fatalf("exit = %d, want %d", code, icl.ExitGraphFailure)
	}
	if !strings.Contains(out, "FAILED broken: exit code 3") || !strings.Contains(out, "oops") {
		t.Fatalf("summary missing failure output: %q", out)
	}

	m := latestManifest(t, root)
	if m.Status != manifest.StatusFailed {
		t.Fatalf("status = %s", m.Status)
	}
	if m.Counts.Failed != 1 || m.Counts.Skipped != 1 {
		t.Fatalf("counts = %+v", m.Counts)
	}
	if m.Tasks[0].ID != "after" || m.Tasks[0].Cause != "broken" {
		t.Fatalf("skipped record = %+v", m.Tasks[0])
	}
	if m.Tasks[1].Stderr != "oops\n" {
		t.Fatalf("failed stderr = %q", m.Tasks[1].Stderr)
	}
}

func TestRun_ConfigurationErrorsAreExit3(t *testing.T) {
	tests := []struct {
		name  string
		tasks string
		class manifest.FailureClass
	}{
		{
			name:  "unknown field",
			tasks: "tasks:\n  - name: a\n    command: true\n    colour: red\n",
			class: manifest.FailureClassGraph,
		},
		{
			name: "cycle",
			tasks: `
tasks:
  - {name: X, command: "true", inputs: [y.txt], outputs: [x.txt]}
  - {name: Y, command: "true", inputs: [x.txt], outputs: [y.txt]}
`,
			class: manifest.FailureClassGraph,
		},
		{
			name:  "missing root input",
			tasks: "tasks:\n  - {name: a, command: \"true\", inputs: [nope.txt]}\n",
			class: manifest.FailureClassWorkspace,
		},
		{
			name:  "empty",
			tasks: "tasks: []\n",
			class: manifest.FailureClassGraph,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, filepath.Join(root, "taskweave.yaml"), tc.tasks)

			code, _, errOut := run(t, "--root", root, "run")
			if code != icl.ExitConfigError {
				t.Fatalf("exit = %d, want %d (%s)", code, icl.ExitConfigError, errOut)
			}
			m := latestManifest(t, root)
			if m.Status != manifest.StatusError || m.Failure == nil || m.Failure.FailureClass != tc.class {
				t.Fatalf("manifest = %+v failure = %+v", m, m.Failure)
			}
		})
	}
}

func TestRun_JSONTaskFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tasks.json"),
		`{"tasks": [{"name": "hello", "command": "sh", "args": ["-c", "echo hi > hi.txt"], "outputs": ["hi.txt"]}]}`)

	code, _, errOut := run(t, "--root", root, "run", "tasks.json")
	if code != icl.ExitSuccess {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if got := readFile(t, filepath.Join(root, "hi.txt")); got != "hi\n" {
		t.Fatalf("hi.txt = %q", got)
	}
}

func TestInvalidInvocation_IsExit2(t *testing.T) {
	root := t.TempDir()
	cases := [][]string{
		{"--root", root, "run", "--no-such-flag"},
		{"--root", root, "run", "a.yaml", "b.yaml"},
		{"--root", root, "run", "missing.yaml"},
		{"frobnicate"},
		{"digest"},
	}
	for _, args := range cases {
		code, _, _ := run(t, args...)
		if code != icl.ExitInvalidInvocation {
			t.Fatalf("%v: exit = %d, want %d", args, code, icl.ExitInvalidInvocation)
		}
	}
}

func TestInvalidConfig_IsExit3(t *testing.T) {
	root := t.TempDir()
	code, _, _ := run(t, "--root", root, "run", "--backend", "mainframe")
	if code != icl.ExitConfigError {
		t.Fatalf("exit = %d, want %d", code, icl.ExitConfigError)
	}

	cfgPath := filepath.Join(root, "taskweave-config.yaml")
	writeFile(t, cfgPath, "cache:\n  shared: s3\n")
	code, _, _ = run(t, "--root", root, "--config", cfgPath, "run")
	if code != icl.ExitConfigError {
		t.Fatalf("exit = %d, want %d", code, icl.ExitConfigError)
	}
}

func TestDigest_PrintsSortedDigests(t *testing.T) {
	dir := t.TempDir()
	b := filepath.Join(dir, "b.txt")
	a := filepath.Join(dir, "a.txt")
	writeFile(t, b, "")
	writeFile(t, a, "hello")

	code, out, errOut := run(t, "digest", b, a)
	if code != icl.ExitSuccess {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824/5 " + a + "\n" +
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855/0 " + b + "\n"
	if out != want {
		t.Fatalf("digest output:\n%s\nwant:\n%s", out, want)
	}
}

func TestClean_RemovesCacheAndOptionallyRuns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "taskweave.yaml"), copyCountTasks)
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	if code, _, errOut := run(t, "--root", root, "run"); code != icl.ExitSuccess {
		t.Fatalf("run exit %d: %s", code, errOut)
	}

	if code, _, errOut := run(t, "--root", root, "clean"); code != icl.ExitSuccess {
		t.Fatalf("clean exit %d: %s", code, errOut)
	}
	if _, err := os.Stat(filepath.Join(root, ".taskweave", "cache")); !os.IsNotExist(err) {
		t.Fatalf("cache dir still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ".taskweave", "runs")); err != nil {
		t.Fatalf("runs removed without --runs: %v", err)
	}

	if code, _, errOut := run(t, "--root", root, "clean", "--runs"); code != icl.ExitSuccess {
		t.Fatalf("clean --runs exit %d: %s", code, errOut)
	}
	if _, err := os.Stat(filepath.Join(root, ".taskweave", "runs")); !os.IsNotExist(err) {
		t.Fatalf("runs dir still present: %v", err)
	}
}
