/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package utility

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/LadySerena/raspby-hub/logging"
	"github.com/LadySerena/raspby-hub/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultShell = "/bin/sh"
	maxLineSize  = 1024 * 1024
)

// Command describes one invocation of an external utility.
type Command struct {
	Name string
	Args []string
	// Shell runs Name and Args joined by spaces through /bin/sh -c, so the
	// caller is responsible for quoting.
	Shell bool
	// Stdin is fed to the process when non-empty.
	Stdin string
	// Stream forwards stdout line by line while the process runs instead of
	// after it exits.
	Stream bool
	// OnLine receives streamed lines. When nil, lines go to the logger.
	OnLine func(line string)
	// Quiet keeps captured stdout out of the logger. It is still returned.
	Quiet bool
}

func (c Command) String() string {
	return strings.TrimSpace(strings.Join(append([]string{c.Name}, c.Args...), " "))
}

// Result holds the exit status and whatever the process wrote. A non-zero
// ExitCode is not an error; callers decide what it means.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r Result) Success() bool {
	return r.ExitCode == 0
}

type Executor interface {
	Run(ctx context.Context, command Command) (Result, error)
}

type Runner struct {
	logger *logging.Logger
	shell  string
}

func NewRunner(logger *logging.Logger) *Runner {
	return &Runner{logger: logger, shell: defaultShell}
}

// Run executes command and blocks until it exits. The returned error is only
// set when the process could not be started or waited on.
func (r *Runner) Run(ctx context.Context, command Command) (Result, error) {
	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running command: %s", command.Name))
	defer span.End()
	span.SetAttributes(attribute.String("command", command.String()), attribute.Bool("stream", command.Stream))

	cmd := r.build(command)
	r.logger.Debugf("running: %s", command.String())

	var result Result
	var runErr error
	if command.Stream {
		result, runErr = r.stream(cmd, command)
	} else {
		result, runErr = r.buffered(cmd, command)
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return result, runErr
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if !result.Success() {
		span.SetStatus(codes.Error, fmt.Sprintf("non zero exit code: %d", result.ExitCode))
	}
	return result, nil
}

func (r *Runner) build(command Command) *exec.Cmd {
	var cmd *exec.Cmd
	if command.Shell {
		cmd = exec.Command(r.shell, "-c", command.String()) //nolint:gosec
	} else {
		cmd = exec.Command(command.Name, command.Args...) //nolint:gosec
	}
	if command.Stdin != "" {
		cmd.Stdin = strings.NewReader(command.Stdin)
	}
	return cmd
}

func (r *Runner) buffered(cmd *exec.Cmd, command Command) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode, err := exitStatus(cmd.Run())
	result := Result{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return result, err
	}

	if !command.Quiet && strings.TrimSpace(result.Stdout) != "" {
		r.logger.Output(strings.TrimRight(result.Stdout, "\n"))
	}
	r.emitStderr(result.Stderr)
	return result, nil
}

func (r *Runner) stream(cmd *exec.Cmd, command Command) (Result, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdoutPipe, pipeErr := cmd.StdoutPipe()
	if pipeErr != nil {
		return Result{ExitCode: -1}, pipeErr
	}
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, err
	}

	var captured strings.Builder
	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	scanner.Split(ScanProgressLines)
	for scanner.Scan() {
		line := scanner.Text()
		captured.WriteString(line)
		captured.WriteByte('\n')
		if line == "" {
			continue
		}
		if command.OnLine != nil {
			command.OnLine(line)
		} else {
			r.logger.Output(line)
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// the child blocks on a full pipe unless someone keeps reading
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}

	exitCode, waitErr := exitStatus(cmd.Wait())
	result := Result{ExitCode: exitCode, Stdout: captured.String(), Stderr: stderr.String()}
	if waitErr != nil {
		return result, waitErr
	}
	if scanErr != nil {
		return result, scanErr
	}

	r.emitStderr(result.Stderr)
	return result, nil
}

func (r *Runner) emitStderr(stderr string) {
	if trimmed := strings.TrimRight(stderr, "\n"); strings.TrimSpace(trimmed) != "" {
		r.logger.Stderr(trimmed)
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// ScanProgressLines is a bufio.SplitFunc that ends a line at either '\n' or
// '\r', since progress meters redraw themselves with carriage returns.
func ScanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
