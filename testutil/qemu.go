// Package testutil provides test helpers for evidence image testing.
package testutil

import (
	"bytes"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
)

// QemuResult holds the result of a QEMU command.
type QemuResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// IsSuccess returns true if the command succeeded (exit code 0).
func (r QemuResult) IsSuccess() bool {
	return r.ExitCode == 0
}

// QemuInfoResult holds parsed output from qemu-img info.
type QemuInfoResult struct {
	QemuResult
	VirtualSize int64  `json:"virtual-size"`
	ActualSize  int64  `json:"actual-size"`
	Filename    string `json:"filename"`
	ClusterSize int    `json:"cluster-size"`
	Format      string `json:"format"`
	Encrypted   bool   `json:"encrypted"`
}

// RequireQemu skips the test if qemu-img is not available.
func RequireQemu(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("qemu-img"); err != nil {
		t.Skip("qemu-img not available, skipping QEMU interop test")
	}
}

// RunQemuImg runs a qemu-img command and returns the result.
func RunQemuImg(t *testing.T, args ...string) QemuResult {
	t.Helper()
	return runCommand(t, "qemu-img", args...)
}

func runCommand(t *testing.T, name string, args ...string) QemuResult {
	t.Helper()

	cmd := exec.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := QemuResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			t.Logf("%s error: %v", name, err)
			result.ExitCode = -1
		}
	}

	return result
}

// QemuInfo runs qemu-img info on an image file.
func QemuInfo(t *testing.T, path string) QemuInfoResult {
	t.Helper()
	RequireQemu(t)

	result := RunQemuImg(t, "info", "--output=json", path)

	infoResult := QemuInfoResult{
		QemuResult: result,
	}

	if result.Stdout != "" {
		if err := json.Unmarshal([]byte(result.Stdout), &infoResult); err != nil {
			t.Logf("Failed to parse qemu-img info JSON: %v", err)
		}
	}

	return infoResult
}

// QemuCreate creates an empty image of the given format using qemu-img.
func QemuCreate(t *testing.T, format, path, size string, opts ...string) {
	t.Helper()
	RequireQemu(t)

	args := []string{"create", "-f", format}
	args = append(args, opts...)
	args = append(args, path, size)

	result := RunQemuImg(t, args...)
	if result.ExitCode != 0 {
		t.Fatalf("qemu-img create failed: %s", result.Stderr)
	}
}

// QemuConvert converts srcPath from srcFormat to dstFormat. Extra arguments
// (for example "-o", "subformat=streamOptimized") go before the paths.
func QemuConvert(t *testing.T, srcFormat, dstFormat, srcPath, dstPath string, extra ...string) {
	t.Helper()
	RequireQemu(t)

	args := []string{"convert", "-f", srcFormat, "-O", dstFormat}
	args = append(args, extra...)
	args = append(args, srcPath, dstPath)

	result := RunQemuImg(t, args...)
	if result.ExitCode != 0 {
		t.Fatalf("qemu-img convert failed: %s", result.Stderr)
	}
}

// QemuVersion returns the QEMU version string.
func QemuVersion(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("qemu-img"); err != nil {
		return ""
	}

	result := RunQemuImg(t, "--version")
	if result.ExitCode != 0 {
		return ""
	}

	// Parse "qemu-img version X.Y.Z"
	lines := strings.Split(result.Stdout, "\n")
	if len(lines) > 0 {
		return lines[0]
	}
	return ""
}
