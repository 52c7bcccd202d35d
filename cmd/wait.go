package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

var errLoginCancelled = errors.New("login cancelled")

// confirmedMsg carries the result of the wait.
type confirmedMsg struct{ err error }

// waitModel shows a spinner until wait returns or the user gives up.
type waitModel struct {
	spinner spinner.Model
	message string
	wait    func() error
	cancel  context.CancelFunc

	done bool
	err  error
}

func newWaitModel(message string, st styles, wait func() error, cancel context.CancelFunc) waitModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = st.label
	return waitModel{spinner: s, message: message, wait: wait, cancel: cancel}
}

func (m waitModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		return confirmedMsg{err: m.wait()}
	})
}

func (m waitModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case confirmedMsg:
		m.done, m.err = true, msg.err
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.cancel()
			m.done, m.err = true, errLoginCancelled
			return m, tea.Quit
		}
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m waitModel) View() string {
	if m.done {
		return ""
	}
	return m.spinner.View() + " " + m.message + "\n"
}

// waitWithSpinner runs wait under an inline spinner on out.
func waitWithSpinner(ctx context.Context, in io.Reader, out io.Writer, message string, wait func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newWaitModel(message, stylesFor(out), func() error { return wait(ctx) }, cancel)
	final, err := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	).Run()
	if err != nil {
		return err
	}
	return final.(waitModel).err
}
