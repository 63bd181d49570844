package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/tweetgen/tweetgen/registry"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "26", Dark: "81"})
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "245", Dark: "244"})
	stageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "250", Dark: "238"}).
			Padding(0, 1)
)

// summary collects key/value rows describing what a command did, rendered as a panel.
type summary struct {
	title  string
	keys   []string
	values []string
	stages []string

	// onStage, if set, records each completed stage, e.g. in the run registry.
	onStage func(stage registry.Stage, fields registry.Fields) error
}

func newSummary(title string) *summary {
	return &summary{title: title}
}

func (s *summary) add(key string, value any) {
	s.keys = append(s.keys, key)
	s.values = append(s.values, fmt.Sprint(value))
}

// stage marks a stage of the run as completed.
func (s *summary) stage(stage registry.Stage, fields registry.Fields) error {
	s.stages = append(s.stages, string(stage))
	if s.onStage == nil {
		return nil
	}
	return s.onStage(stage, fields)
}

func (s *summary) render(w io.Writer) {
	var width int
	for _, key := range s.keys {
		width = max(width, len(key))
	}
	lines := []string{titleStyle.Render(s.title)}
	for ii, key := range s.keys {
		lines = append(lines, keyStyle.Width(width+2).Render(key)+s.values[ii])
	}
	if len(s.stages) > 0 {
		lines = append(lines, keyStyle.Width(width+2).Render("stages")+stageStyle.Render(strings.Join(s.stages, " → ")))
	}
	fmt.Fprintln(w, panelStyle.Render(strings.Join(lines, "\n")))
}
