// Package overlay renders the live agent runtime state as a terminal view:
// the narration timeline, the simulated pointer and the verification board.
package overlay

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/caduceuslabs/veriflow/api/schemas"
	"github.com/caduceuslabs/veriflow/internal/agentstate"
	"github.com/caduceuslabs/veriflow/internal/catalog"
)

// tailLength caps how many recent thoughts one frame shows.
const tailLength = 5

// nameWidth aligns the status column across board rows.
const nameWidth = 28

// clearScreen repaints frames in place.
const clearScreen = "\x1b[2J\x1b[H"

// Define styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#198754"))

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))

	pointerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))

	stepNameStyle = lipgloss.NewStyle().Bold(true)

	tailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginLeft(2)
)

var thoughtStyles = map[schemas.ThoughtType]lipgloss.Style{
	schemas.ThoughtThinking: lipgloss.NewStyle().
		Italic(true).
		Foreground(lipgloss.Color("#7D56F4")),
	schemas.ThoughtAction: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#0D6EFD")),
	schemas.ThoughtResult: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#198754")),
}

var statusStyles = map[schemas.StepStatus]lipgloss.Style{
	schemas.StepNotStarted:     lipgloss.NewStyle().Foreground(lipgloss.Color("#626262")),
	schemas.StepInProgress:     lipgloss.NewStyle().Foreground(lipgloss.Color("#0D6EFD")),
	schemas.StepCompleted:      lipgloss.NewStyle().Foreground(lipgloss.Color("#198754")),
	schemas.StepFailed:         lipgloss.NewStyle().Foreground(lipgloss.Color("#DC3545")),
	schemas.StepRequiresReview: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107")),
}

var statusGlyphs = map[schemas.StepStatus]string{
	schemas.StepNotStarted:     "○",
	schemas.StepInProgress:     "●",
	schemas.StepCompleted:      "✓",
	schemas.StepFailed:         "✗",
	schemas.StepRequiresReview: "!",
}

// Renderer draws runtime state frames onto a writer.
type Renderer struct {
	state  *agentstate.State
	board  *catalog.Board
	out    io.Writer
	logger *zap.Logger
}

// NewRenderer builds a renderer over the runtime state and the board whose
// steps the frames list.
func NewRenderer(state *agentstate.State, board *catalog.Board, out io.Writer, logger *zap.Logger) *Renderer {
	return &Renderer{
		state:  state,
		board:  board,
		out:    out,
		logger: logger.Named("overlay"),
	}
}

// Watch paints the current state, then repaints on every published snapshot
// until the context ends or the state closes. Intermediate snapshots
// coalesce on the subscription, so a lagging terminal only ever draws the
// latest frame.
func (r *Renderer) Watch(ctx context.Context) error {
	snaps, cancel := r.state.Subscribe()
	defer cancel()

	r.paint(r.state.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			r.paint(snap)
		}
	}
}

func (r *Renderer) paint(snap agentstate.Snapshot) {
	if _, err := io.WriteString(r.out, clearScreen+r.Render(snap)); err != nil {
		r.logger.Debug("Overlay write failed", zap.Error(err))
	}
}

// Render produces one complete frame.
func (r *Renderer) Render(snap agentstate.Snapshot) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(" veriflow "))
	b.WriteString(" ")
	if snap.Running {
		b.WriteString(runningStyle.Render("● examining"))
	} else {
		b.WriteString(idleStyle.Render("○ idle"))
	}
	if snap.PointerVisible {
		b.WriteString(pointerStyle.Render(fmt.Sprintf("   pointer (%.0f, %.0f)", snap.Pointer.X, snap.Pointer.Y)))
	}
	b.WriteString("\n\n")

	if snap.CurrentThought != nil {
		b.WriteString(thoughtLine(*snap.CurrentThought))
		b.WriteString("\n\n")
	}

	for _, step := range r.board.Steps() {
		style := statusStyle(step.Status)
		glyph := statusGlyphs[step.Status]
		if glyph == "" {
			glyph = "?"
		}
		fmt.Fprintf(&b, "%s %s %s\n",
			style.Render(glyph),
			stepNameStyle.Render(fmt.Sprintf("%-*s", nameWidth, step.Name)),
			style.Render(string(step.Status)))
	}

	if tail := thoughtTail(snap.Thoughts); len(tail) > 0 {
		b.WriteString("\n")
		for _, th := range tail {
			b.WriteString(tailStyle.Render(thoughtLine(th)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func statusStyle(s schemas.StepStatus) lipgloss.Style {
	if st, ok := statusStyles[s]; ok {
		return st
	}
	return idleStyle
}

func thoughtLine(th schemas.Thought) string {
	style, ok := thoughtStyles[th.Type]
	if !ok {
		style = idleStyle
	}
	return style.Render(fmt.Sprintf("[%s] %s", th.Type, th.Message))
}

// thoughtTail returns the newest thoughts, oldest first.
func thoughtTail(thoughts []schemas.Thought) []schemas.Thought {
	if len(thoughts) <= tailLength {
		return thoughts
	}
	return thoughts[len(thoughts)-tailLength:]
}
