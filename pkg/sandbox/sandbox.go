// Package sandbox runs untrusted code snippets in short-lived, isolated
// interpreter processes.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Language selects the interpreter for a Job.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangBash       Language = "bash"
)

// ErrorKind classifies a job that ran but did not succeed.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindRuntimeError ErrorKind = "runtime_error"
)

const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxTimeout     = 60 * time.Second
	DefaultMaxOutputBytes = 1 << 20
	DefaultMaxArtifacts   = 16
	DefaultArtifactBytes  = 1 << 20

	// DeadlineGrace is kept between a job's timeout and its caller's
	// deadline so the timeout fires first and the output is still captured.
	DeadlineGrace = 250 * time.Millisecond
	// CallMargin is added to MaxTimeout for the deadline of a caller that
	// waits on a single job, covering process start and artifact collection.
	CallMargin = 5 * time.Second
)

var (
	// ErrExecutorUnavailable means the job could not be run at all: no
	// interpreter or no scratch space. It is also returned for jobs stopped
	// by Kill or Close.
	ErrExecutorUnavailable = errors.New("sandbox executor unavailable")

	// ErrInvalidJob is returned for jobs rejected before anything runs.
	ErrInvalidJob = errors.New("invalid sandbox job")
)

// Job is one snippet to execute.
type Job struct {
	Code         string
	Language     Language
	Timeout      time.Duration
	AllowNetwork bool
}

// Artifact is a file the job wrote under out/.
type Artifact struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Content []byte `json:"content,omitempty"`
}

// Result describes a job that ran. ErrorKind is empty on success.
type Result struct {
	JobID     string        `json:"job_id"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Signal    string        `json:"signal,omitempty"`
	Artifacts []Artifact    `json:"artifacts,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Executor runs jobs.
//
// Run returns a nil error for jobs that ran, including timeouts and
// non-zero exits, which are reported through Result.ErrorKind. It returns
// ErrExecutorUnavailable when the job could not run and ctx.Err() when the
// caller cancelled.
type Executor interface {
	Run(ctx context.Context, job Job) (Result, error)
}

// Config configures a ProcessExecutor.
type Config struct {
	// Interpreters overrides the argv prefix per language. The script
	// path is appended.
	Interpreters map[Language][]string `yaml:"interpreters,omitempty"`

	// NetworkWrapper is prepended unless a job allows network,
	// e.g. ["unshare", "-rn"].
	NetworkWrapper []string `yaml:"network_wrapper,omitempty"`

	// LimitPrefix is prepended to every job, e.g.
	// ["prlimit", "--as=536870912", "--cpu=10"].
	LimitPrefix []string `yaml:"limit_prefix,omitempty"`

	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxOutputBytes   int           `yaml:"max_output_bytes"`
	MaxArtifacts     int           `yaml:"max_artifacts"`
	MaxArtifactBytes int64         `yaml:"max_artifact_bytes"`

	// ScratchRoot is where per-job directories are created. Empty uses
	// the OS temp dir.
	ScratchRoot string `yaml:"scratch_root,omitempty"`
}

// CallTimeout is the deadline a caller should allow one job, including the
// longest timeout the executor grants.
func (c Config) CallTimeout() time.Duration {
	return c.withDefaults().MaxTimeout + CallMargin
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	if c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.MaxArtifacts <= 0 {
		c.MaxArtifacts = DefaultMaxArtifacts
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = DefaultArtifactBytes
	}
	defaults := map[Language][]string{
		LangPython:     {"python3", "-I"},
		LangJavaScript: {"node"},
		LangBash:       {"sh"},
	}
	merged := make(map[Language][]string, len(defaults))
	for lang, argv := range defaults {
		merged[lang] = argv
	}
	for lang, argv := range c.Interpreters {
		if len(argv) > 0 {
			merged[lang] = argv
		}
	}
	c.Interpreters = merged
	return c
}

// ParseLanguage accepts the tool-facing language names.
func ParseLanguage(s string) (Language, error) {
	switch Language(s) {
	case LangPython, LangJavaScript, LangBash:
		return Language(s), nil
	case "py", "python3":
		return LangPython, nil
	case "js", "node":
		return LangJavaScript, nil
	case "sh", "shell":
		return LangBash, nil
	default:
		return "", fmt.Errorf("%w: unsupported language %q", ErrInvalidJob, s)
	}
}

func scriptName(lang Language) string {
	switch lang {
	case LangPython:
		return "main.py"
	case LangJavaScript:
		return "main.js"
	default:
		return "main.sh"
	}
}
