// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package terraform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

var (
	// ErrWorkingDirMissing is returned when the pipeline's directory does not exist
	ErrWorkingDirMissing = errors.New("working directory does not exist")

	// ErrTimeout is returned when a step exceeds its time budget
	ErrTimeout = errors.New("terraform step timed out")
)

// Step names a pipeline stage
type Step string

const (
	StepInit Step = "init"
	StepPlan Step = "plan"
)

// Execution is the captured result of one CLI invocation
type Execution struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CLI runs the Terraform subcommands the pipeline needs
type CLI interface {
	Init(ctx context.Context, dir string) (Execution, error)
	Plan(ctx context.Context, dir, outFile string) (Execution, error)
}

// ExecCLI shells out to a terraform binary
type ExecCLI struct {
	Binary string
}

// NewExecCLI returns a CLI running binary, defaulting to "terraform"
func NewExecCLI(binary string) *ExecCLI {
	if binary == "" {
		binary = "terraform"
	}
	return &ExecCLI{Binary: binary}
}

// Init runs `terraform init -input=false -no-color`
func (c *ExecCLI) Init(ctx context.Context, dir string) (Execution, error) {
	return c.run(ctx, dir, "init", "-input=false", "-no-color")
}

// Plan runs `terraform plan -input=false -no-color [-out=outFile]`
func (c *ExecCLI) Plan(ctx context.Context, dir, outFile string) (Execution, error) {
	args := []string{"plan", "-input=false", "-no-color"}
	if outFile != "" {
		args = append(args, "-out="+outFile)
	}
	return c.run(ctx, dir, args...)
}

// run returns an error only when the process could not be run to
// completion. A nonzero exit is reported through Execution.ExitCode.
func (c *ExecCLI) run(ctx context.Context, dir string, args ...string) (Execution, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Binary, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "TF_IN_AUTOMATION=1")
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	res := Execution{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	case err != nil:
		return res, fmt.Errorf("failed to run %s %s: %w", c.Binary, args[0], err)
	}
	return res, nil
}

// Result is the outcome of a pipeline run
type Result struct {
	Success bool
	// Step is the last step attempted.
	Step Step
	// Output is plan stdout on success, or the failing step's stderr
	// (falling back to stdout) on failure.
	Output   string
	Err      error
	Duration time.Duration
}

// Pipeline runs init then plan in a working directory
type Pipeline struct {
	cli         CLI
	stepTimeout time.Duration
	planOutFile string
}

// NewPipeline creates a pipeline. stepTimeout bounds each step separately;
// zero disables the bound.
func NewPipeline(cli CLI, stepTimeout time.Duration, planOutFile string) *Pipeline {
	return &Pipeline{
		cli:         cli,
		stepTimeout: stepTimeout,
		planOutFile: planOutFile,
	}
}

// Run executes init and, if init succeeded, plan. A nonzero exit code is
// the only failure signal; stderr from a successful step is logged. Run
// never returns an error; failures are described by the Result.
func (p *Pipeline) Run(ctx context.Context, dir string) Result {
	logger := log.FromContext(ctx).WithValues("dir", dir)
	start := time.Now()

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			err = ErrWorkingDirMissing
		}
		logger.Error(err, "Terraform working directory unavailable")
		return Result{Step: StepInit, Err: err, Output: err.Error(), Duration: time.Since(start)}
	}

	initExec, err := p.step(ctx, StepInit, func(ctx context.Context) (Execution, error) {
		return p.cli.Init(ctx, dir)
	})
	if err != nil {
		logger.Error(err, "Terraform init failed", "stderr", initExec.Stderr)
		return Result{Step: StepInit, Err: err, Output: failureOutput(initExec, err), Duration: time.Since(start)}
	}
	if initExec.Stderr != "" {
		logger.Info("Terraform init wrote to stderr", "stderr", initExec.Stderr)
	}

	planExec, err := p.step(ctx, StepPlan, func(ctx context.Context) (Execution, error) {
		return p.cli.Plan(ctx, dir, p.planOutFile)
	})
	if err != nil {
		logger.Error(err, "Terraform plan failed", "stderr", planExec.Stderr)
		return Result{Step: StepPlan, Err: err, Output: failureOutput(planExec, err), Duration: time.Since(start)}
	}
	if planExec.Stderr != "" {
		logger.Info("Terraform plan wrote to stderr", "stderr", planExec.Stderr)
	}

	logger.Info("Terraform plan succeeded", "duration", time.Since(start))
	return Result{Success: true, Step: StepPlan, Output: planExec.Stdout, Duration: time.Since(start)}
}

func (p *Pipeline) step(ctx context.Context, step Step, run func(context.Context) (Execution, error)) (Execution, error) {
	stepCtx := ctx
	if p.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, p.stepTimeout)
		defer cancel()
	}

	res, err := run(stepCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return res, fmt.Errorf("%s after %s: %w", step, p.stepTimeout, ErrTimeout)
		}
		return res, fmt.Errorf("%s: %w", step, err)
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("terraform %s exited with code %d", step, res.ExitCode)
	}
	return res, nil
}

func failureOutput(res Execution, err error) string {
	switch {
	case res.Stderr != "":
		return res.Stderr
	case res.Stdout != "":
		return res.Stdout
	default:
		return err.Error()
	}
}
