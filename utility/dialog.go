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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/LadySerena/raspby-hub/logging"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/term"
)

var (
	ErrPromptAborted = errors.New("prompt aborted")
	ErrNoChoices     = errors.New("nothing to choose from")
)

// modelRunner drives a prompt model until it is done.
type modelRunner func(model promptModel) (promptModel, error)

// Prompter asks the operator questions. On a terminal every question is a
// small bubbletea program; piped input is replayed into the same models one
// line at a time.
type Prompter struct {
	out    io.Writer
	logger *logging.Logger
	run    modelRunner
}

func NewPrompter(in io.Reader, out io.Writer, logger *logging.Logger) *Prompter {
	prompter := &Prompter{out: out, logger: logger}
	if file, ok := in.(*os.File); ok && term.IsTerminal(file.Fd()) {
		prompter.run = programRunner(in, out)
	} else {
		prompter.run = replayRunner(bufio.NewReader(in), out)
	}
	return prompter
}

func (p *Prompter) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// ConfirmDialog defaults to yes on an empty answer.
func (p *Prompter) ConfirmDialog(format string, args ...any) bool {
	answer, err := p.ask(newTextModel(fmt.Sprintf(format, args...), true, nil, p.warn))
	if err != nil {
		return false
	}
	switch strings.ToLower(answer) {
	case "", "y", "yes":
		return true
	default:
		return false
	}
}

// InputChallenge keeps asking until the answer parses and accept (if any)
// approves it. It only gives up when input runs out or the operator aborts.
func InputChallenge[T any](p *Prompter, prompt string, parse func(string) (T, error), accept func(T) bool) (T, error) {
	var zero T
	valid := func(raw string) bool {
		value, err := parse(raw)
		return err == nil && (accept == nil || accept(value))
	}
	answer, err := p.ask(newTextModel(prompt, false, valid, p.warn))
	if err != nil {
		return zero, err
	}
	return parse(answer)
}

// Choose lists options and returns the 0-based index of the one picked.
func (p *Prompter) Choose(prompt string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, ErrNoChoices
	}
	final, err := p.run(newChoiceModel(prompt, options, p.warn))
	if err != nil {
		return 0, err
	}
	chosen, ok := final.(choiceModel)
	if !ok {
		return 0, fmt.Errorf("unexpected prompt model %T", final)
	}
	if chosen.aborted {
		return 0, ErrPromptAborted
	}
	return chosen.choice, nil
}

// YesNo requires an explicit yes or no.
func (p *Prompter) YesNo(prompt string) (bool, error) {
	answer, err := InputChallenge(p, prompt, func(s string) (string, error) { return strings.ToLower(s), nil },
		func(s string) bool { return s == "yes" || s == "no" })
	if err != nil {
		return false, err
	}
	return answer == "yes", nil
}

func (p *Prompter) Text(prompt string) (string, error) {
	return InputChallenge(p, prompt, func(s string) (string, error) { return s, nil }, nil)
}

func (p *Prompter) ask(model textModel) (string, error) {
	final, err := p.run(model)
	if err != nil {
		return "", err
	}
	answered, ok := final.(textModel)
	if !ok {
		return "", fmt.Errorf("unexpected prompt model %T", final)
	}
	if answered.aborted {
		return "", ErrPromptAborted
	}
	return answered.answer, nil
}

func (p *Prompter) warn(message string) {
	p.logger.Warnf("%s", message)
}

func programRunner(in io.Reader, out io.Writer) modelRunner {
	return func(model promptModel) (promptModel, error) {
		final, err := tea.NewProgram(model, tea.WithInput(in), tea.WithOutput(out)).Run()
		if err != nil {
			return model, err
		}
		finished, ok := final.(promptModel)
		if !ok {
			return model, fmt.Errorf("unexpected prompt model %T", final)
		}
		return finished, nil
	}
}

// replayRunner turns each input line into the keystrokes a terminal would
// send, followed by enter.
func replayRunner(in *bufio.Reader, out io.Writer) modelRunner {
	return func(model promptModel) (promptModel, error) {
		_, _ = io.WriteString(out, model.question())
		for {
			line, err := in.ReadString('\n')
			if err != nil && !(errors.Is(err, io.EOF) && line != "") {
				return model, err
			}
			for _, msg := range lineKeys(strings.TrimRight(line, "\r\n")) {
				model = step(model, msg)
			}
			if model.done() {
				return model, nil
			}
			_, _ = io.WriteString(out, model.prompt())
		}
	}
}

func lineKeys(line string) []tea.Msg {
	var msgs []tea.Msg
	for _, r := range line {
		if r == ' ' {
			msgs = append(msgs, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{r}})
			continue
		}
		msgs = append(msgs, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return append(msgs, tea.KeyMsg{Type: tea.KeyEnter})
}

func step(model promptModel, msg tea.Msg) promptModel {
	next, _ := model.Update(msg)
	return next.(promptModel)
}
