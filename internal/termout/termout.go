// Package termout renders machpipe results for people: plain text with
// optional color on a terminal, or JSON.
package termout

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/sliverarmory/machpipe"
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

// Printer writes reports, port listings and connection events.
type Printer struct {
	w    io.Writer
	json bool

	okStyle   lipgloss.Style
	failStyle lipgloss.Style
	dimStyle  lipgloss.Style
	color     bool
}

// NewPrinter returns a text printer, colored when color is set, or a JSON
// printer when asJSON is set.
func NewPrinter(w io.Writer, color bool, asJSON bool) *Printer {
	renderer := lipgloss.NewRenderer(w)
	return &Printer{
		w:         w,
		json:      asJSON,
		color:     color && !asJSON,
		okStyle:   renderer.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		failStyle: renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		dimStyle:  renderer.NewStyle().Faint(true),
	}
}

func (printer *Printer) style(style lipgloss.Style, text string) string {
	if !printer.color {
		return text
	}
	return style.Render(text)
}

// Report prints one probe outcome.
func (printer *Printer) Report(report machpipe.Report) error {
	if printer.json {
		return json.NewEncoder(printer.w).Encode(report)
	}

	if report.OK {
		_, err := fmt.Fprintf(printer.w, "[%s] %s (port %s)\n%s\n",
			printer.style(printer.okStyle, "+"),
			Sanitize(report.Target),
			report.Port,
			Sanitize(report.Reply),
		)
		return err
	}

	class := ""
	if report.Class != machpipe.ClassNone {
		class = printer.style(printer.dimStyle, " ["+string(report.Class)+"]")
	}
	_, err := fmt.Fprintf(printer.w, "[%s] %s: %s%s\n",
		printer.style(printer.failStyle, "-"),
		Sanitize(report.Target),
		Sanitize(report.Reason),
		class,
	)
	return err
}

type portListing struct {
	Task  machpipe.Task `json:"task"`
	Count int           `json:"count"`
	Ports []portJSON    `json:"ports"`
}

type portJSON struct {
	Port   machpipe.Port `json:"port"`
	Rights string        `json:"rights,omitempty"`
}

// Ports prints an enumeration snapshot. showRights adds the rights column.
func (printer *Printer) Ports(task machpipe.Task, entries []machpipe.PortEntry, showRights bool) error {
	if printer.json {
		listing := portListing{Task: task, Count: len(entries), Ports: make([]portJSON, len(entries))}
		for i, entry := range entries {
			listing.Ports[i].Port = entry.Port
			if showRights {
				listing.Ports[i].Rights = entry.Rights.String()
			}
		}
		return json.NewEncoder(printer.w).Encode(listing)
	}

	if _, err := fmt.Fprintf(printer.w, "%s: %d ports\n", task, len(entries)); err != nil {
		return err
	}
	w := tabwriter.NewWriter(printer.w, 0, 0, 2, ' ', 0)
	for i, entry := range entries {
		if showRights {
			fmt.Fprintf(w, "%d\t%s\t%s\n", i, entry.Port, entry.Rights)
		} else {
			fmt.Fprintf(w, "%d\t%s\n", i, entry.Port)
		}
	}
	return w.Flush()
}

// Event prints one inbound connection event.
func (printer *Printer) Event(event machpipe.Event) error {
	if printer.json {
		return json.NewEncoder(printer.w).Encode(struct {
			Kind        string `json:"kind"`
			Description string `json:"description"`
		}{event.Kind.String(), event.Description})
	}
	_, err := fmt.Fprintf(printer.w, "Received %s in generic event handler\n%s\n",
		printer.style(printer.dimStyle, event.Kind.String()),
		Sanitize(event.Description),
	)
	return err
}
