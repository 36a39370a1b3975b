// Package updater replaces the running executable with a new release. The
// candidate is staged next to the live binary, checked, test-run in
// isolation and only then promoted; the previous binary stays as a backup.
package updater

import (
	"bufio"
	"context"
	"crypto/sha256"
	"debug/buildinfo"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/blikh/easyconduit/internal/fsutil"
	"github.com/blikh/easyconduit/internal/metrics"
	"github.com/blikh/easyconduit/internal/service"
)

// ReadyMarker is printed by the selftest command once it has initialised.
const ReadyMarker = "selftest: ok"

const maxDownload = 256 << 20

var (
	ErrBusy     = errors.New("updater: an update is already running")
	ErrNoBackup = errors.New("updater: no backup to restore")
)

type Step string

const (
	StepBackup      Step = "backup"
	StepFetch       Step = "fetch"
	StepValidate    Step = "validate"
	StepTestRun     Step = "test_run"
	StepPromote     Step = "promote"
	StepRollback    Step = "rollback"
	StepRelayBinary Step = "relay_binary"
	StepRestart     Step = "restart"
)

type StepResult struct {
	Step   Step
	Err    error
	Detail string
	Took   time.Duration
}

// Outcome is the result of one Update call. Err is the first failure that
// blocked promotion; best-effort steps never set it.
type Outcome struct {
	Steps      []StepResult
	Promoted   bool
	RolledBack bool
	Err        error
}

func (o Outcome) OK() bool { return o.Err == nil && o.Promoted }

// Summary is a one-line, operator-facing description.
func (o Outcome) Summary() string {
	switch {
	case o.OK():
		return "installed, restarting"
	case errors.Is(o.Err, ErrBusy):
		return "skipped, another update was running"
	case o.RolledBack:
		return fmt.Sprintf("failed and rolled back (%v)", o.Err)
	default:
		return fmt.Sprintf("failed (%v)", o.Err)
	}
}

type Options struct {
	// ExecPath is the live executable. Empty means the running binary.
	ExecPath        string
	URL             string
	SHA256URL       string
	RelayBinaryURL  string
	RelayBinaryPath string
	Timeout         time.Duration
	TestWindow      time.Duration
	// TestArgs start the candidate in isolation. Defaults to "selftest".
	TestArgs []string
	// TestEnv is appended to the environment of the test run.
	TestEnv    []string
	ModulePath string
	RelayUnit  string
	BotUnit    string
}

type Updater struct {
	opts     Options
	svc      service.Controller
	http     *http.Client
	validate func(path string) error
	logger   *slog.Logger

	mu sync.Mutex
}

func New(opts Options, svc service.Controller, logger *slog.Logger) *Updater {
	if len(opts.TestArgs) == 0 {
		opts.TestArgs = []string{"selftest"}
	}
	u := &Updater{
		opts:   opts,
		svc:    svc,
		http:   &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
	u.validate = u.checkBuildInfo
	return u
}

func (u *Updater) execPath() (string, error) {
	p := u.opts.ExecPath
	if p == "" {
		var err error
		if p, err = os.Executable(); err != nil {
			return "", fmt.Errorf("locating executable: %w", err)
		}
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("resolving executable path: %w", err)
	}
	return resolved, nil
}

// Update runs the whole pipeline once. Only one update runs at a time.
func (u *Updater) Update(ctx context.Context) Outcome {
	if !u.mu.TryLock() {
		metrics.UpdatesTotal.WithLabelValues("busy").Inc()
		return Outcome{Err: ErrBusy}
	}
	defer u.mu.Unlock()

	out := u.update(ctx)
	label := "failed"
	switch {
	case out.OK():
		label = "promoted"
	case out.RolledBack:
		label = "rolled_back"
	}
	metrics.UpdatesTotal.WithLabelValues(label).Inc()
	return out
}

func (u *Updater) update(ctx context.Context) Outcome {
	var out Outcome
	run := func(step Step, fn func() (string, error)) error {
		start := time.Now()
		detail, err := fn()
		res := StepResult{Step: step, Err: err, Detail: detail, Took: time.Since(start)}
		out.Steps = append(out.Steps, res)
		if err != nil {
			u.logger.Warn("updater: step failed", "step", step, "err", err)
		} else {
			u.logger.Info("updater: step done", "step", step, "detail", detail, "took", res.Took)
		}
		return err
	}
	fail := func(err error) Outcome {
		out.Err = err
		return out
	}

	if u.opts.URL == "" {
		return fail(errors.New("updater: no update URL configured"))
	}
	exe, err := u.execPath()
	if err != nil {
		return fail(fmt.Errorf("updater: %w", err))
	}
	backup, staged := exe+".bak", exe+".staged"

	if err := run(StepBackup, func() (string, error) {
		return backup, copyFile(exe, backup)
	}); err != nil {
		return fail(err)
	}

	if err := run(StepFetch, func() (string, error) {
		return u.fetch(ctx, staged)
	}); err != nil {
		os.Remove(staged)
		return fail(err)
	}

	if err := run(StepValidate, func() (string, error) {
		return "", u.validate(staged)
	}); err != nil {
		os.Remove(staged)
		return fail(err)
	}

	if err := run(StepTestRun, func() (string, error) {
		return u.testRun(ctx, staged)
	}); err != nil {
		os.Remove(staged)
		out.RolledBack = run(StepRollback, func() (string, error) {
			return "restored " + backup, u.restore(exe, backup)
		}) == nil
		return fail(err)
	}

	if err := run(StepPromote, func() (string, error) {
		if err := os.Rename(staged, exe); err != nil {
			return "", fmt.Errorf("updater: promoting: %w", err)
		}
		fsutil.SyncDir(filepath.Dir(exe))
		return exe, nil
	}); err != nil {
		os.Remove(staged)
		out.RolledBack = run(StepRollback, func() (string, error) {
			return "restored " + backup, u.restore(exe, backup)
		}) == nil
		return fail(err)
	}
	out.Promoted = true

	relayUpdated := false
	if u.opts.RelayBinaryURL != "" && u.opts.RelayBinaryPath != "" {
		relayUpdated = run(StepRelayBinary, func() (string, error) {
			return u.fetchRelay(ctx)
		}) == nil
	}

	if relayUpdated && u.opts.RelayUnit != "" {
		run(StepRestart, func() (string, error) {
			return u.opts.RelayUnit, u.svc.Restart(ctx, u.opts.RelayUnit)
		})
	}
	if u.opts.BotUnit != "" {
		// Restarting our own unit usually ends this process; the result is
		// recorded first.
		out.Steps = append(out.Steps, StepResult{Step: StepRestart, Detail: u.opts.BotUnit})
		u.logger.Info("updater: restarting bot service", "unit", u.opts.BotUnit)
		if err := u.svc.Restart(ctx, u.opts.BotUnit); err != nil {
			out.Steps[len(out.Steps)-1].Err = err
			u.logger.Warn("updater: restarting bot service failed", "unit", u.opts.BotUnit, "err", err)
		}
	}
	return out
}

// Rollback puts the backup of the live executable back in place.
func (u *Updater) Rollback() error {
	exe, err := u.execPath()
	if err != nil {
		return fmt.Errorf("updater: %w", err)
	}
	return u.restore(exe, exe+".bak")
}

func (u *Updater) restore(exe, backup string) error {
	if _, err := os.Stat(backup); errors.Is(err, os.ErrNotExist) {
		return ErrNoBackup
	}
	if err := copyFile(backup, exe); err != nil {
		return fmt.Errorf("updater: restoring backup: %w", err)
	}
	u.logger.Info("updater: backup restored", "path", exe)
	return nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("updater: %w", err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("updater: %w", err)
	}
	if err := fsutil.WriteFileAtomic(dst, data, info.Mode().Perm()); err != nil {
		return fmt.Errorf("updater: %w", err)
	}
	return nil
}

func (u *Updater) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status code: %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	if len(data) > maxDownload {
		return nil, fmt.Errorf("GET %s: body larger than %d bytes", url, maxDownload)
	}
	return data, nil
}

func (u *Updater) fetch(ctx context.Context, staged string) (string, error) {
	data, err := u.download(ctx, u.opts.URL)
	if err != nil {
		return "", fmt.Errorf("updater: fetching release: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("updater: fetching release: empty body")
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if u.opts.SHA256URL != "" {
		want, err := u.download(ctx, u.opts.SHA256URL)
		if err != nil {
			return "", fmt.Errorf("updater: fetching checksum: %w", err)
		}
		fields := strings.Fields(string(want))
		if len(fields) == 0 || !strings.EqualFold(fields[0], digest) {
			return "", fmt.Errorf("updater: checksum mismatch: got %s", digest)
		}
	}

	if err := fsutil.WriteFileAtomic(staged, data, 0o755); err != nil {
		return "", fmt.Errorf("updater: staging: %w", err)
	}
	return fmt.Sprintf("%d bytes sha256:%s", len(data), digest[:12]), nil
}

// checkBuildInfo rejects anything that is not a Go executable of this module.
func (u *Updater) checkBuildInfo(path string) error {
	info, err := buildinfo.ReadFile(path)
	if err != nil {
		return fmt.Errorf("updater: staged file is not a Go executable: %w", err)
	}
	if u.opts.ModulePath != "" && info.Main.Path != u.opts.ModulePath {
		return fmt.Errorf("updater: staged executable is %q, want %q", info.Main.Path, u.opts.ModulePath)
	}
	return nil
}

// testRun starts the candidate for at most TestWindow. It passes if the
// candidate reports ready or is still running when the window closes, and
// fails if it exits first without reporting ready.
func (u *Updater) testRun(ctx context.Context, path string) (string, error) {
	cmd := exec.Command(path, u.opts.TestArgs...)
	cmd.Env = append(os.Environ(), u.opts.TestEnv...)
	cmd.Dir = filepath.Dir(path)

	// A plain pipe keeps Wait independent of stdout readers, so a grandchild
	// holding the pipe open cannot stall the test run.
	pr, pw, err := os.Pipe()
	if err != nil {
		return "", fmt.Errorf("updater: test run: %w", err)
	}
	defer pr.Close()
	cmd.Stdout = pw
	var stderr tailBuffer
	cmd.Stderr = &stderr

	err = cmd.Start()
	pw.Close()
	if err != nil {
		return "", fmt.Errorf("updater: test run: starting candidate: %w", err)
	}

	ready := make(chan struct{})
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		sc := bufio.NewScanner(pr)
		signalled := false
		for sc.Scan() {
			if !signalled && strings.Contains(sc.Text(), ReadyMarker) {
				close(ready)
				signalled = true
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(u.opts.TestWindow)
	defer timer.Stop()

	select {
	case <-ready:
		u.stop(cmd, done)
		return "candidate reported ready", nil
	case err := <-done:
		select {
		case <-scanned:
		case <-time.After(time.Second):
		}
		select {
		case <-ready:
			return "candidate reported ready and exited", nil
		default:
		}
		return "", fmt.Errorf("updater: test run: candidate exited early: %v: %s", err, stderr.String())
	case <-timer.C:
		u.stop(cmd, done)
		return fmt.Sprintf("candidate still running after %s", u.opts.TestWindow), nil
	case <-ctx.Done():
		u.stop(cmd, done)
		return "", fmt.Errorf("updater: test run: %w", ctx.Err())
	}
}

// stop sends SIGTERM and kills the candidate if it has not exited after 5s.
func (u *Updater) stop(cmd *exec.Cmd, done <-chan error) {
	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		u.logger.Warn("updater: force killing candidate")
		cmd.Process.Kill()
		<-done
	}
}

func (u *Updater) fetchRelay(ctx context.Context) (string, error) {
	data, err := u.download(ctx, u.opts.RelayBinaryURL)
	if err != nil {
		return "", fmt.Errorf("updater: fetching relay binary: %w", err)
	}
	if err := fsutil.WriteFileAtomic(u.opts.RelayBinaryPath, data, 0o755); err != nil {
		return "", fmt.Errorf("updater: installing relay binary: %w", err)
	}
	return fmt.Sprintf("%s (%d bytes)", u.opts.RelayBinaryPath, len(data)), nil
}

// tailBuffer keeps the last 2 KiB written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - 2048; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
