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
	"strings"
	"testing"
	"time"

	"github.com/LadySerena/raspby-hub/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBufferedReturnsExitCode(t *testing.T) {
	var out bytes.Buffer
	runner := NewRunner(logging.New(&out, logging.LevelInfo))

	result, err := runner.Run(context.Background(), Command{Name: "echo hello; echo oops >&2; exit 3", Shell: true})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "oops")
}

func TestRunQuietKeepsStdoutOutOfLog(t *testing.T) {
	var out bytes.Buffer
	runner := NewRunner(logging.New(&out, logging.LevelInfo))

	result, err := runner.Run(context.Background(), Command{Name: "echo", Args: []string{"secret"}, Quiet: true})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, "secret\n", result.Stdout)
	assert.NotContains(t, out.String(), "secret")
}

func TestRunFeedsStdin(t *testing.T) {
	runner := NewRunner(logging.Discard())

	result, err := runner.Run(context.Background(), Command{Name: "cat", Stdin: "o\ng\nw\n", Quiet: true})
	require.NoError(t, err)
	assert.Equal(t, "o\ng\nw\n", result.Stdout)
}

func TestRunMissingBinary(t *testing.T) {
	runner := NewRunner(logging.Discard())

	_, err := runner.Run(context.Background(), Command{Name: "/nonexistent/raspby-tool"})
	assert.Error(t, err)
}

func TestRunStreamsLinesBeforeExit(t *testing.T) {
	runner := NewRunner(logging.Discard())

	var lines []string
	var firstSeen time.Time
	result, err := runner.Run(context.Background(), Command{
		Name:   "echo one; sleep 1; echo two",
		Shell:  true,
		Stream: true,
		OnLine: func(line string) {
			if firstSeen.IsZero() {
				firstSeen = time.Now()
			}
			lines = append(lines, line)
		},
	})
	finished := time.Now()

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, []string{"one", "two"}, lines)
	require.False(t, firstSeen.IsZero())
	assert.GreaterOrEqual(t, finished.Sub(firstSeen), 500*time.Millisecond)
}

func TestRunStreamReportsStderrAtExit(t *testing.T) {
	var out bytes.Buffer
	runner := NewRunner(logging.New(&out, logging.LevelInfo))

	result, err := runner.Run(context.Background(), Command{Name: "echo progress; echo failed >&2; exit 1", Shell: true, Stream: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, "failed\n", result.Stderr)
	assert.Contains(t, out.String(), "progress")
	assert.Contains(t, out.String(), "failed")
}

func TestRunStreamsLongLines(t *testing.T) {
	runner := NewRunner(logging.Discard())

	var lengths []int
	result, err := runner.Run(context.Background(), Command{
		Name:   "head -c 300000 /dev/zero | tr '\\0' a; echo; echo tail",
		Shell:  true,
		Stream: true,
		OnLine: func(line string) { lengths = append(lengths, len(line)) },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, []int{300000, 4}, lengths)
}

func TestRunStreamReturnsWhenLineOverflows(t *testing.T) {
	runner := NewRunner(logging.Discard())

	done := make(chan struct{})
	var result Result
	var err error
	go func() {
		defer close(done)
		result, err = runner.Run(context.Background(), Command{
			Name:   "head -c 3000000 /dev/zero | tr '\\0' a; echo; exit 4",
			Shell:  true,
			Stream: true,
			OnLine: func(string) {},
		})
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("Run did not return after the output overflowed the line buffer")
	}
	assert.ErrorIs(t, err, bufio.ErrTooLong)
	assert.Equal(t, 4, result.ExitCode)
}

func TestScanProgressLines(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("10 MB copied\r20 MB copied\rdone\nlast"))
	scanner.Split(ScanProgressLines)

	var tokens []string
	for scanner.Scan() {
		tokens = append(tokens, scanner.Text())
	}
	assert.Equal(t, []string{"10 MB copied", "20 MB copied", "done", "last"}, tokens)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/dev/sdb'`, ShellQuote("/dev/sdb"))
	assert.Equal(t, `'it'\''s.img'`, ShellQuote("it's.img"))
}
