//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/schaermu/treesync/internal/testutil"
)

const (
	minioImage     = "quay.io/minio/minio:latest"
	minioAccessKey = "treesync"
	minioSecretKey = "treesync-secret"
	defaultTimeout = 5 * time.Minute
)

// Harness builds the treesync binary and runs it against temp trees
type Harness struct {
	t          *testing.T
	binary     string
	workDir    string
	keepOnFail bool
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:          t,
		workDir:    t.TempDir(),
		keepOnFail: os.Getenv("INTEGRATION_KEEP_CONTAINER") == "1",
	}
}

// BuildBinary compiles cmd/treesync into the harness work dir
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.ModuleRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "treesync")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/treesync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Path returns an absolute path below the harness work dir
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.workDir}, elem...)...)
}

// WriteConfig writes a YAML config to the work dir and returns its path
func (h *Harness) WriteConfig(name, content string) string {
	h.t.Helper()
	path := h.Path(name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return path
}

// Run executes the binary and returns stdout, stderr and the exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("run failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// MinIO is a throwaway object store container
type MinIO struct {
	h           *Harness
	containerID string
	Endpoint    string
}

// StartMinIO runs a MinIO container on a free local port and creates bucket
func (h *Harness) StartMinIO(ctx context.Context, bucket string) (*MinIO, error) {
	h.t.Helper()

	port, err := freePort()
	if err != nil {
		return nil, err
	}

	h.t.Logf("Starting %s on port %d", minioImage, port)
	cmd := exec.CommandContext(ctx,
		"docker", "run",
		"-d",
		"--rm",
		"-p", fmt.Sprintf("127.0.0.1:%d:9000", port),
		"-e", "MINIO_ROOT_USER="+minioAccessKey,
		"-e", "MINIO_ROOT_PASSWORD="+minioSecretKey,
		minioImage,
		"server", "/data",
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("docker run: %w", err)
	}

	m := &MinIO{
		h:           h,
		containerID: strings.TrimSpace(string(out)),
		Endpoint:    fmt.Sprintf("127.0.0.1:%d", port),
	}
	if err := m.waitReady(ctx); err != nil {
		m.Cleanup(ctx)
		return nil, err
	}
	if err := m.makeBucket(ctx, bucket); err != nil {
		m.Cleanup(ctx)
		return nil, err
	}
	return m, nil
}

func (m *MinIO) waitReady(ctx context.Context) error {
	url := "http://" + m.Endpoint + "/minio/health/ready"
	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("minio not ready at %s", m.Endpoint)
}

func (m *MinIO) makeBucket(ctx context.Context, bucket string) error {
	client, err := minio.New(m.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(minioAccessKey, minioSecretKey, ""),
		Secure: false,
	})
	if err != nil {
		return fmt.Errorf("create minio client: %w", err)
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket %s: %w", bucket, err)
	}
	return nil
}

// Cleanup stops the container
func (m *MinIO) Cleanup(ctx context.Context) {
	m.h.t.Helper()
	if m.containerID == "" {
		return
	}

	if m.h.keepOnFail && m.h.t.Failed() {
		m.h.t.Logf("Test failed and INTEGRATION_KEEP_CONTAINER=1, keeping container %s", m.containerID)
		m.h.t.Logf("To cleanup: docker stop %s", m.containerID)
		return
	}

	m.h.t.Logf("Stopping container %s", m.containerID)
	cmd := exec.CommandContext(ctx, "docker", "stop", m.containerID)
	if err := cmd.Run(); err != nil {
		m.h.t.Logf("Warning: failed to stop container: %v", err)
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("find free port: %w", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
