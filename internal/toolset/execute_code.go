package toolset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/genorch/pkg/observability"
	"github.com/aixgo-dev/genorch/pkg/sandbox"
	"github.com/aixgo-dev/genorch/pkg/tools"
)

// ExecuteCodeInput is the argument of execute_code.
type ExecuteCodeInput struct {
	Code      string `json:"code" jsonschema:"required,maxLength=65536" description:"Source code to run"`
	Language  string `json:"language" jsonschema:"required,enum=python|javascript|bash" description:"Interpreter to use"`
	TimeoutMS int    `json:"timeout_ms,omitempty" jsonschema:"minimum=1,maximum=60000" description:"Wall-clock limit in milliseconds"`
}

// ExecuteCodeOutput is what the model sees, also attached to timeout and
// runtime errors.
type ExecuteCodeOutput struct {
	Stdout     string             `json:"stdout"`
	Stderr     string             `json:"stderr"`
	ExitCode   int                `json:"exit_code"`
	Signal     string             `json:"signal,omitempty"`
	Artifacts  []sandbox.Artifact `json:"artifacts,omitempty"`
	DurationMS int64              `json:"duration_ms"`
	Truncated  bool               `json:"truncated,omitempty"`

	duration time.Duration
}

// ComputeTime implements tools.ComputeReporter.
func (o ExecuteCodeOutput) ComputeTime() time.Duration { return o.duration }

// ExecuteCodeTool is the name execute_code is registered under.
const ExecuteCodeTool = "execute_code"

// ExecuteCode runs code in the sandbox. Timeouts and non-zero exits are
// reported to the model with the captured output; an unavailable executor
// ends the session.
func ExecuteCode(exec sandbox.Executor) tools.Tool {
	return tools.NewTyped(ExecuteCodeTool,
		"Run a short python, javascript or bash program in an isolated sandbox and return its output. Files written under out/ are returned as artifacts.",
		func(ctx context.Context, in ExecuteCodeInput) (ExecuteCodeOutput, error) {
			job := sandbox.Job{
				Code:     in.Code,
				Language: sandbox.Language(in.Language),
				Timeout:  time.Duration(in.TimeoutMS) * time.Millisecond,
			}
			res, err := exec.Run(ctx, job)
			out := ExecuteCodeOutput{
				Stdout:     res.Stdout,
				Stderr:     res.Stderr,
				ExitCode:   res.ExitCode,
				Signal:     res.Signal,
				Artifacts:  res.Artifacts,
				DurationMS: res.Duration.Milliseconds(),
				Truncated:  res.Truncated,
				duration:   res.Duration,
			}

			switch {
			case err == nil:
			case errors.Is(err, sandbox.ErrInvalidJob):
				return out, tools.NewError(tools.KindInvalidArguments, err.Error(), nil)
			case errors.Is(err, sandbox.ErrExecutorUnavailable):
				observability.RecordSandboxJob(in.Language, "unavailable", res.Duration)
				return out, tools.Fatal(err)
			default:
				observability.RecordSandboxJob(in.Language, "cancelled", res.Duration)
				return out, err
			}

			switch res.ErrorKind {
			case sandbox.KindTimeout:
				observability.RecordSandboxJob(in.Language, "timeout", res.Duration)
				return out, tools.NewError(tools.KindSandboxTimeout,
					fmt.Sprintf("execution exceeded the time limit after %s", res.Duration.Round(time.Millisecond)), out)
			case sandbox.KindRuntimeError:
				observability.RecordSandboxJob(in.Language, "runtime_error", res.Duration)
				msg := fmt.Sprintf("process exited with code %d", res.ExitCode)
				if res.Signal != "" {
					msg = fmt.Sprintf("process terminated by %s (exit code %d)", res.Signal, res.ExitCode)
				}
				return out, tools.NewError(tools.KindSandboxRuntimeError, msg, out)
			}
			observability.RecordSandboxJob(in.Language, "ok", res.Duration)
			return out, nil
		})
}
