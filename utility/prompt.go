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
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	missingValue = "You must enter a value. Please try again."
	invalidValue = "The value you entered is not valid. Please try again."

	listWidth      = 80
	listChromeRows = 4
	maxListRows    = 12
)

var problemStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000"))

type promptModel interface {
	tea.Model
	// question is printed before the first answer is read when input is
	// replayed, prompt before every retry.
	question() string
	prompt() string
	done() bool
}

// textModel reads one line of free text. A rejected answer clears the
// input and keeps the model running.
type textModel struct {
	input      textinput.Model
	label      string
	allowEmpty bool
	accept     func(string) bool
	warn       func(string)

	problem  string
	answer   string
	finished bool
	aborted  bool
}

func newTextModel(label string, allowEmpty bool, accept func(string) bool, warn func(string)) textModel {
	input := textinput.New()
	input.Prompt = ""
	input.Focus()
	return textModel{input: input, label: label, allowEmpty: allowEmpty, accept: accept, warn: warn}
}

func (m textModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m textModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		switch keyMsg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.aborted, m.finished = true, true
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m textModel) submit() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if value == "" && !m.allowEmpty {
		m.problem = missingValue
		m.warn(missingValue)
		return m, nil
	}
	if m.accept != nil && !m.accept(value) {
		m.problem = invalidValue
		m.warn(invalidValue)
		return m, nil
	}
	m.answer, m.problem, m.finished = value, "", true
	return m, tea.Quit
}

func (m textModel) View() string {
	if m.finished {
		if m.aborted {
			return ""
		}
		return m.label + m.answer + "\n"
	}
	var b strings.Builder
	b.WriteString(m.label)
	b.WriteString(m.input.View())
	if m.problem != "" {
		b.WriteString("\n" + problemStyle.Render(m.problem))
	}
	b.WriteString("\n")
	return b.String()
}

func (m textModel) question() string { return m.label }
func (m textModel) prompt() string   { return m.label }
func (m textModel) done() bool       { return m.finished }

type choiceItem struct {
	number int
	label  string
}

func (i choiceItem) Title() string       { return fmt.Sprintf("[%d] %s", i.number, i.label) }
func (i choiceItem) Description() string { return "" }
func (i choiceItem) FilterValue() string { return i.label }

// choiceModel picks one of options, either by moving the highlight and
// pressing enter or by typing its 1-based number.
type choiceModel struct {
	list    list.Model
	label   string
	options []string
	warn    func(string)

	typed    string
	problem  string
	choice   int
	finished bool
	aborted  bool
}

func newChoiceModel(label string, options []string, warn func(string)) choiceModel {
	items := make([]list.Item, len(options))
	for index, option := range options {
		items[index] = choiceItem{number: index + 1, label: option}
	}

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = false
	delegate.SetSpacing(0)

	picker := list.New(items, delegate, listWidth, min(len(items), maxListRows)+listChromeRows)
	picker.Title = strings.TrimSpace(label)
	picker.SetFilteringEnabled(false)
	picker.SetShowHelp(false)
	picker.SetShowStatusBar(false)
	picker.DisableQuitKeybindings()

	return choiceModel{list: picker, label: label, options: options, warn: warn}
}

func (m choiceModel) Init() tea.Cmd {
	return nil
}

func (m choiceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetWidth(msg.Width)
		return m, nil
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.aborted, m.finished = true, true
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyRunes, tea.KeySpace:
			m.typed += string(msg.Runes)
			if number, ok := m.number(); ok {
				m.list.Select(number - 1)
			}
			return m, nil
		case tea.KeyBackspace:
			if typed := []rune(m.typed); len(typed) > 0 {
				m.typed = string(typed[:len(typed)-1])
			}
			return m, nil
		}
		m.typed = ""
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m choiceModel) submit() (tea.Model, tea.Cmd) {
	if m.typed == "" {
		m.choice = m.list.Index()
	} else {
		number, ok := m.number()
		m.typed = ""
		if !ok {
			m.problem = invalidValue
			m.warn(invalidValue)
			return m, nil
		}
		m.choice = number - 1
	}
	m.problem, m.finished = "", true
	return m, tea.Quit
}

func (m choiceModel) number() (int, bool) {
	number, err := strconv.Atoi(strings.TrimSpace(m.typed))
	return number, err == nil && number >= 1 && number <= len(m.options)
}

func (m choiceModel) View() string {
	if m.finished {
		if m.aborted {
			return ""
		}
		return m.label + m.options[m.choice] + "\n"
	}
	var b strings.Builder
	b.WriteString(m.list.View())
	b.WriteString("\n" + m.label + m.typed)
	if m.problem != "" {
		b.WriteString("\n" + problemStyle.Render(m.problem))
	}
	b.WriteString("\n")
	return b.String()
}

// question renders the options the way a plain terminal lists them.
func (m choiceModel) question() string {
	var b strings.Builder
	for index, option := range m.options {
		fmt.Fprintf(&b, "* [%d] %s\n", index+1, option)
	}
	b.WriteString("\n" + m.label)
	return b.String()
}

func (m choiceModel) prompt() string { return m.label }
func (m choiceModel) done() bool     { return m.finished }
