package streamer

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/lexiqai/speech-relay/internal/protocol"
)

// Printer writes server replies as console lines
type Printer struct {
	mu  sync.Mutex
	out io.Writer

	finalStyle   lipgloss.Style
	interimStyle lipgloss.Style
	errorStyle   lipgloss.Style
}

// NewPrinter creates a printer. Colors are only emitted when out is a terminal.
func NewPrinter(out io.Writer) *Printer {
	r := lipgloss.NewRenderer(out)
	return &Printer{
		out:          out,
		finalStyle:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#98FB98")),
		interimStyle: r.NewStyle().Faint(true),
		errorStyle:   r.NewStyle().Foreground(lipgloss.Color("#DC322F")),
	}
}

// Print writes one line per reply. A final transcript wins over an interim
// one; empty replies are skipped.
func (p *Printer) Print(reply protocol.Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if reply.Transcript != "" {
		fmt.Fprintln(p.out, p.finalStyle.Render("Transcript:"), reply.Transcript)
	} else if reply.InterimTranscript != "" {
		fmt.Fprintln(p.out, p.interimStyle.Render("Interim Transcript:"), reply.InterimTranscript)
	}
	if reply.Error != "" {
		fmt.Fprintln(p.out, p.errorStyle.Render("Server error:"), reply.Error)
	}
}
