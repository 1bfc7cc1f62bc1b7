package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/javanstorm/vmworkbench/internal/config"
	"github.com/javanstorm/vmworkbench/internal/testutil"
)

// setupHome isolates HOME and resets command state after the test.
func setupHome(t *testing.T) string {
	t.Helper()
	paths := testutil.IsolatedHome(t)
	t.Cleanup(func() {
		config.Global = nil
		profileScriptRemove = false
		configFile = ""
		logLevel = ""
	})
	return filepath.Dir(paths.DataDir)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func putState(t *testing.T, id string, blob []byte) {
	t.Helper()
	opts, err := config.DefaultConfig().StorageOptions()
	if err != nil {
		t.Fatalf("StorageOptions() error = %v", err)
	}
	testutil.SeedState(t, opts, id, blob)
}

func TestVersion(t *testing.T) {
	setupHome(t)
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "vmworkbench") {
		t.Errorf("version output = %q", out)
	}
}

func TestProfileList(t *testing.T) {
	setupHome(t)
	out, err := execute(t, "profile", "list")
	if err != nil {
		t.Fatalf("profile list error = %v", err)
	}
	if !strings.Contains(out, "devtools") {
		t.Errorf("profile list missing devtools:\n%s", out)
	}
}

func TestProfileScript(t *testing.T) {
	setupHome(t)

	out, err := execute(t, "profile", "script", "devtools")
	if err != nil {
		t.Fatalf("profile script error = %v", err)
	}
	if !strings.Contains(out, "apk add --no-cache") {
		t.Errorf("apply script = %q", out)
	}

	out, err = execute(t, "profile", "script", "devtools", "--remove")
	if err != nil {
		t.Fatalf("profile script --remove error = %v", err)
	}
	if !strings.Contains(out, "apk del") {
		t.Errorf("remove script = %q", out)
	}
}

func TestProfileUnknown(t *testing.T) {
	setupHome(t)
	if _, err := execute(t, "profile", "show", "nope"); err == nil {
		t.Fatal("profile show nope succeeded")
	}
}

func TestProfilesFile(t *testing.T) {
	home := setupHome(t)
	file := filepath.Join(home, "profiles.yaml")
	data := "profiles:\n  - id: netdebug\n    name: Net debug\n    packages: [tcpdump, iperf3]\n"
	testutil.WriteFile(t, file, []byte(data))
	t.Setenv("VMWORKBENCH_PROFILES_FILE", file)

	out, err := execute(t, "profile", "show", "netdebug")
	if err != nil {
		t.Fatalf("profile show error = %v", err)
	}
	if !strings.Contains(out, "tcpdump") {
		t.Errorf("profile show = %q", out)
	}
}

func TestStateCommands(t *testing.T) {
	setupHome(t)

	out, err := execute(t, "state", "list")
	if err != nil {
		t.Fatalf("state list error = %v", err)
	}
	if !strings.Contains(out, "No saved states") {
		t.Errorf("empty state list = %q", out)
	}

	putState(t, "work", bytes.Repeat([]byte("vm"), 4096))

	out, err = execute(t, "state", "list")
	if err != nil {
		t.Fatalf("state list error = %v", err)
	}
	if !strings.Contains(out, "work") || !strings.Contains(out, "zstd") {
		t.Errorf("state list = %q", out)
	}

	out, err = execute(t, "state", "show", "work")
	if err != nil {
		t.Fatalf("state show error = %v", err)
	}
	if !strings.Contains(out, "8 KB") || !strings.Contains(out, "Encrypted:   no") {
		t.Errorf("state show = %q", out)
	}

	out, err = execute(t, "state", "quota")
	if err != nil {
		t.Fatalf("state quota error = %v", err)
	}
	if !strings.Contains(out, "Available:") {
		t.Errorf("state quota = %q", out)
	}

	out, err = execute(t, "state", "delete", "work")
	if err != nil {
		t.Fatalf("state delete error = %v", err)
	}
	if !strings.Contains(out, `Deleted state "work"`) {
		t.Errorf("state delete = %q", out)
	}

	out, err = execute(t, "state", "delete", "work")
	if err != nil {
		t.Fatalf("second state delete error = %v", err)
	}
	if !strings.Contains(out, "No saved state") {
		t.Errorf("second state delete = %q", out)
	}
}

func TestStateShowMissing(t *testing.T) {
	setupHome(t)
	_, err := execute(t, "state", "show", "ghost")
	if err == nil || !strings.Contains(err.Error(), `no saved state "ghost"`) {
		t.Fatalf("state show ghost error = %v", err)
	}
}

func TestStateDeleteInvalidID(t *testing.T) {
	setupHome(t)
	if _, err := execute(t, "state", "delete", "../escape"); err == nil {
		t.Fatal("state delete ../escape succeeded")
	}
}

func TestConfigShowRedactsPassphrase(t *testing.T) {
	setupHome(t)
	t.Setenv("VMWORKBENCH_SNAPSHOT_PASSPHRASE", "hunter2")

	out, err := execute(t, "config", "show")
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Errorf("config show leaked passphrase:\n%s", out)
	}
	if !strings.Contains(out, "distro: alpine") {
		t.Errorf("config show = %q", out)
	}
}

func TestStatus(t *testing.T) {
	setupHome(t)
	out, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, want := range []string{"Serve:         not running", "Boots:         0", "Saved states:  0"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

func TestStopNotRunning(t *testing.T) {
	setupHome(t)
	out, err := execute(t, "stop")
	if err != nil {
		t.Fatalf("stop error = %v", err)
	}
	if !strings.Contains(out, "not running") {
		t.Errorf("stop = %q", out)
	}
}

func TestPIDFile(t *testing.T) {
	dir := t.TempDir()

	if _, ok := servePID(dir); ok {
		t.Fatal("servePID() found a process without a pid file")
	}
	if err := writePIDFile(dir); err != nil {
		t.Fatalf("writePIDFile() error = %v", err)
	}
	pid, ok := servePID(dir)
	if !ok || pid != os.Getpid() {
		t.Errorf("servePID() = %d, %v; want %d, true", pid, ok, os.Getpid())
	}

	cleanupPIDFile(dir)
	if _, ok := servePID(dir); ok {
		t.Error("servePID() found a process after cleanup")
	}

	if err := os.WriteFile(pidFilePath(dir), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := servePID(dir); ok {
		t.Error("servePID() accepted a garbage pid file")
	}
	if err := os.WriteFile(pidFilePath(dir), []byte(strconv.Itoa(-1)), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := servePID(dir); ok {
		t.Error("servePID() accepted a negative pid")
	}
}

func TestStateOrDefault(t *testing.T) {
	if got := stateOrDefault("", "default"); got != "default" {
		t.Errorf("stateOrDefault(\"\") = %q", got)
	}
	if got := stateOrDefault("work", "default"); got != "work" {
		t.Errorf("stateOrDefault(work) = %q", got)
	}
}
