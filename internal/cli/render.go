package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/diamondcut/internal/engine"
	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/store"
)

// Styles are the text styles of human-readable output. Colors are
// dropped automatically when the writer is not a terminal.
type Styles struct {
	Heading lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
	Add     lipgloss.Style
	Replace lipgloss.Style
	Remove  lipgloss.Style
}

// NewStyles builds styles for output written to w.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	return Styles{
		Heading: r.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		Label:   r.NewStyle().Bold(true),
		Muted:   r.NewStyle().Foreground(lipgloss.Color("245")),
		OK:      r.NewStyle().Foreground(lipgloss.Color("42")),
		Warn:    r.NewStyle().Foreground(lipgloss.Color("214")),
		Error:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Add:     r.NewStyle().Foreground(lipgloss.Color("42")),
		Replace: r.NewStyle().Foreground(lipgloss.Color("214")),
		Remove:  r.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

func (s Styles) action(a ir.CutAction) lipgloss.Style {
	switch a {
	case ir.Add:
		return s.Add
	case ir.Replace:
		return s.Replace
	default:
		return s.Remove
	}
}

// renderPlan writes the operations of a cut plan, one line per operation
// followed by its selectors.
func renderPlan(w io.Writer, s Styles, plan *ir.CutPlan) {
	if plan == nil {
		return
	}
	if plan.IsEmpty() {
		fmt.Fprintln(w, s.Muted.Render("  no routing changes"))
	} else {
		for _, op := range plan.Operations {
			action := s.action(op.Action).Render(fmt.Sprintf("%-7s", op.Action))
			fmt.Fprintf(w, "  %s %s %s (%d selectors)\n", action, op.FacetName, s.Muted.Render(op.FacetAddress.Hex()), len(op.Selectors))
			for _, sel := range op.Selectors {
				fmt.Fprintf(w, "            %s\n", sel)
			}
		}
	}
	for _, init := range plan.Initializers {
		how := "follow-up call"
		if init.Bundled {
			how = "bundled"
		}
		fmt.Fprintf(w, "  %s %s.%s (%s)\n", s.Label.Render("init"), init.Facet, init.Function, how)
	}
	if len(plan.Removed) > 0 {
		fmt.Fprintf(w, "  %s %s\n", s.Label.Render("removed facets"), strings.Join(plan.Removed, ", "))
	}
}

// renderPass writes the outcome of one pass.
func renderPass(w io.Writer, s Styles, r passReport) {
	fmt.Fprintln(w, s.Heading.Render(r.Key))
	if r.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", s.Error.Render("failed"), r.Error)
	}
	if len(r.Deployed) > 0 {
		fmt.Fprintf(w, "  %s %s\n", s.Label.Render("deployed"), strings.Join(r.Deployed, ", "))
	}
	if r.Drift.Drifted() {
		fmt.Fprintf(w, "  %s %d missing, %d moved, %d unattributed selectors\n",
			s.Warn.Render("drift"), len(r.Drift.Missing), len(r.Drift.Moved), len(r.Drift.Unattributed))
	}
	renderPlan(w, s, r.Plan)
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  %s %s\n", s.Warn.Render("warning"), warning)
	}
	switch {
	case r.ProposalID != "":
		fmt.Fprintf(w, "  %s proposal %s awaits approval\n", s.Warn.Render(string(engine.StatusPendingApproval)), r.ProposalID)
	case r.TxHash != "":
		fmt.Fprintf(w, "  %s %s\n", s.OK.Render("confirmed"), r.TxHash)
	case r.Status != "":
		fmt.Fprintf(w, "  %s\n", s.OK.Render(r.Status))
	}
	for _, h := range r.Hooks {
		if h.Error != "" {
			fmt.Fprintf(w, "  %s %s: %s\n", s.Error.Render("hook failed"), h.Facet, h.Error)
			continue
		}
		if h.InitializerRan {
			fmt.Fprintf(w, "  %s %s.%s\n", s.OK.Render("initialized"), h.Facet, h.Initializer)
		}
		if h.CallbackRan {
			fmt.Fprintf(w, "  %s %s %s\n", s.OK.Render("callback"), h.Facet, h.Callback)
		}
	}
}

// renderStatus writes the status of one deployment key.
func renderStatus(w io.Writer, s Styles, r statusReport) {
	fmt.Fprintf(w, "%s %s\n", s.Heading.Render(r.Key), statusStyle(s, r.Status).Render(string(r.Status)))
	if !r.Diamond.IsZero() {
		fmt.Fprintf(w, "  %s %s\n", s.Label.Render("diamond"), r.Diamond.Hex())
	}
	if r.ProtocolVersion != nil {
		fmt.Fprintf(w, "  %s %s\n", s.Label.Render("protocol"), r.ProtocolVersion)
	}
	for _, f := range r.Facets {
		deployed, target := "-", "-"
		if f.Deployed != nil {
			deployed = f.Deployed.String()
		}
		if f.Target != nil {
			target = f.Target.String()
		}
		line := fmt.Sprintf("  %-24s %3s -> %-3s %2d selectors", f.Name, deployed, target, f.Selectors)
		if f.Pending {
			line = s.Warn.Render(line + " pending")
		}
		fmt.Fprintln(w, line)
	}
}

func statusStyle(s Styles, st engine.DeploymentStatus) lipgloss.Style {
	switch st {
	case engine.DeploymentCompleted:
		return s.OK
	case engine.DeploymentFailed:
		return s.Error
	case engine.DeploymentUpgradeAvailable:
		return s.Warn
	default:
		return s.Muted
	}
}

// renderHistory writes cut attempts, oldest first.
func renderHistory(w io.Writer, s Styles, key string, runs []store.CutRun) {
	fmt.Fprintln(w, s.Heading.Render(key))
	if len(runs) == 0 {
		fmt.Fprintln(w, s.Muted.Render("  no cuts recorded"))
		return
	}
	for _, run := range runs {
		ref := run.ProposalID
		if ref == "" {
			ref = run.TxHash.Hex()
		}
		status := string(run.Status)
		switch run.Status {
		case store.RunConfirmed:
			status = s.OK.Render(status)
		case store.RunPendingApproval:
			status = s.Warn.Render(status)
		default:
			status = s.Error.Render(status)
		}
		fmt.Fprintf(w, "  #%-4d %s %-16s %d ops %d selectors %s\n",
			run.Seq, run.CreatedAt.UTC().Format("2006-01-02 15:04:05"), status, run.Operations, run.Selectors, s.Muted.Render(ref))
		if run.Error != "" {
			fmt.Fprintf(w, "        %s\n", run.Error)
		}
	}
}
