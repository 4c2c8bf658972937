package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildMechqueue(t *testing.T, root string) string {
	t.Helper()
	outPath := filepath.Join(t.TempDir(), "mechqueue")

	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/mechqueue")
	cmd.Dir = root

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build ./cmd/mechqueue failed: %v\n%s", err, buf.String())
	}
	return outPath
}

func TestSmoke_BuildsMechqueueBinary(t *testing.T) {
	root := moduleRoot(t)
	outPath := buildMechqueue(t, root)

	fi, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("stat built binary: %v", err)
	}
	if fi.Size() <= 0 {
		t.Fatalf("built binary has unexpected size %d", fi.Size())
	}
}

func TestSmoke_HelpFlagPrintsUsageWithoutDependencies(t *testing.T) {
	root := moduleRoot(t)
	outPath := buildMechqueue(t, root)

	cmd := exec.Command(outPath, "help")
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("mechqueue help failed: %v\n%s", err, buf.String())
	}
	if !strings.Contains(buf.String(), "doctor") {
		t.Fatalf("help output missing doctor subcommand mention: %s", buf.String())
	}
}
