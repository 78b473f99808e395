package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errJobTimeout = errors.New("job timed out")
	errJobKilled  = errors.New("job killed")
)

// ProcessExecutor runs each job as a local interpreter process in its own
// scratch directory and process group.
type ProcessExecutor struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*runningJob
	closed bool
}

type runningJob struct {
	id        string
	language  Language
	startedAt time.Time
	kill      context.CancelCauseFunc
}

// JobInfo describes a running job.
type JobInfo struct {
	ID        string    `json:"id"`
	Language  Language  `json:"language"`
	StartedAt time.Time `json:"started_at"`
}

// NewProcessExecutor creates an executor. A nil logger disables logging.
func NewProcessExecutor(cfg Config, logger *zap.Logger) *ProcessExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessExecutor{
		cfg:    cfg.withDefaults(),
		logger: logger,
		jobs:   make(map[string]*runningJob),
	}
}

// Run implements Executor.
func (e *ProcessExecutor) Run(ctx context.Context, job Job) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	lang, err := ParseLanguage(string(job.Language))
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(job.Code) == "" {
		return Result{}, fmt.Errorf("%w: code is empty", ErrInvalidJob)
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	timeout = min(timeout, e.cfg.MaxTimeout)
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline) - DeadlineGrace; left > 0 && left < timeout {
			timeout = left
		}
	}

	scratch, err := os.MkdirTemp(e.cfg.ScratchRoot, "genorch-job-")
	if err != nil {
		return Result{}, fmt.Errorf("%w: scratch dir: %v", ErrExecutorUnavailable, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			e.logger.Warn("failed to remove scratch dir", zap.String("dir", scratch), zap.Error(rmErr))
		}
	}()
	if err := os.Mkdir(filepath.Join(scratch, "out"), 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: scratch dir: %v", ErrExecutorUnavailable, err)
	}
	script := filepath.Join(scratch, scriptName(lang))
	if err := os.WriteFile(script, []byte(job.Code), 0o600); err != nil {
		return Result{}, fmt.Errorf("%w: write script: %v", ErrExecutorUnavailable, err)
	}

	argv := slices.Clone(e.cfg.LimitPrefix)
	if !job.AllowNetwork {
		argv = append(argv, e.cfg.NetworkWrapper...)
	}
	argv = append(argv, e.cfg.Interpreters[lang]...)
	argv = append(argv, script)

	jobCtx, kill := context.WithCancelCause(ctx)
	defer kill(nil)
	runCtx, cancel := context.WithTimeoutCause(jobCtx, timeout, errJobTimeout)
	defer cancel()

	id := uuid.NewString()
	if err := e.track(&runningJob{id: id, language: lang, startedAt: time.Now(), kill: kill}); err != nil {
		return Result{}, err
	}
	defer e.untrack(id)

	stdout := &cappedBuffer{limit: e.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: e.cfg.MaxOutputBytes}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = scratch
	cmd.Env = jobEnv(scratch)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	isolate(cmd)

	logger := e.logger.With(zap.String("job_id", id), zap.String("language", string(lang)))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Warn("sandbox job failed to start", zap.Error(err))
		return Result{}, fmt.Errorf("%w: start %s: %v", ErrExecutorUnavailable, argv[0], err)
	}
	waitErr := cmd.Wait()

	res := Result{
		JobID:     id,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  cmd.ProcessState.ExitCode(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if err := ctx.Err(); err != nil {
		logger.Debug("sandbox job cancelled by caller", zap.Duration("elapsed", res.Duration))
		return res, err
	}
	switch cause := context.Cause(runCtx); {
	case errors.Is(cause, errJobTimeout):
		res.ErrorKind = KindTimeout
		logger.Debug("sandbox job timed out", zap.Duration("timeout", timeout))
		return res, nil
	case errors.Is(cause, errJobKilled):
		return res, fmt.Errorf("%w: job %s was killed", ErrExecutorUnavailable, id)
	}

	// The job ran once Wait has a process state. Crashes, self-kills and
	// host resource limits are the job's own failure.
	state := cmd.ProcessState
	if state == nil {
		return res, fmt.Errorf("%w: %v", ErrExecutorUnavailable, waitErr)
	}
	if name, code, ok := exitSignal(state); ok {
		res.ExitCode = code
		res.Signal = name
	}
	if !state.Success() {
		res.ErrorKind = KindRuntimeError
	} else if waitErr != nil {
		logger.Debug("sandbox job left output pipes open", zap.Error(waitErr))
	}

	arts, truncated, err := collectArtifacts(filepath.Join(scratch, "out"), e.cfg.MaxArtifacts, e.cfg.MaxArtifactBytes)
	if err != nil {
		logger.Warn("failed to collect artifacts", zap.Error(err))
	}
	res.Artifacts = arts
	res.Truncated = res.Truncated || truncated

	logger.Debug("sandbox job finished",
		zap.Int("exit_code", res.ExitCode),
		zap.String("signal", res.Signal),
		zap.Duration("elapsed", res.Duration),
		zap.Int("artifacts", len(arts)))
	return res, nil
}

// Running lists jobs currently executing, oldest first.
func (e *ProcessExecutor) Running() []JobInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]JobInfo, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, JobInfo{ID: j.id, Language: j.language, StartedAt: j.startedAt})
	}
	slices.SortFunc(out, func(a, b JobInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Kill terminates a running job. Its Run returns ErrExecutorUnavailable.
func (e *ProcessExecutor) Kill(jobID string) bool {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if ok {
		j.kill(errJobKilled)
	}
	return ok
}

// Close kills every running job and rejects new ones.
func (e *ProcessExecutor) Close() error {
	e.mu.Lock()
	e.closed = true
	jobs := make([]*runningJob, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()
	for _, j := range jobs {
		j.kill(errJobKilled)
	}
	return nil
}

func (e *ProcessExecutor) track(j *runningJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: executor closed", ErrExecutorUnavailable)
	}
	e.jobs[j.id] = j
	return nil
}

func (e *ProcessExecutor) untrack(id string) {
	e.mu.Lock()
	delete(e.jobs, id)
	e.mu.Unlock()
}

func jobEnv(scratch string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	return []string{
		"PATH=" + path,
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"LANG=C.UTF-8",
	}
}

func collectArtifacts(dir string, maxFiles int, maxBytes int64) ([]Artifact, bool, error) {
	var arts []Artifact
	truncated := false
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(arts) >= maxFiles {
			truncated = true
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		a := Artifact{Path: filepath.ToSlash(rel), Size: info.Size()}
		if info.Size() > maxBytes {
			truncated = true
		} else if a.Content, err = os.ReadFile(path); err != nil {
			return err
		}
		arts = append(arts, a)
		return nil
	})
	return arts, truncated, err
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
// Writes never fail so the child is not blocked on a full pipe.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.buf) }
