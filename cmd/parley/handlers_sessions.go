package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	countStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	dateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	roleStyles = map[models.Role]lipgloss.Style{
		models.RoleUser:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		models.RoleAssistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		models.RoleTool:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		models.RoleSystem:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("243")),
	}
)

type sessionsOptions struct {
	configPath string
	workspace  string
	scope      string
}

func (o sessionsOptions) open() (sessions.Store, sessions.Scope, error) {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return nil, sessions.Scope{}, err
	}
	kind, err := sessions.ParseScopeKind(o.scope)
	if err != nil {
		return nil, sessions.Scope{}, err
	}
	workspace := strings.TrimSpace(o.workspace)
	if workspace == "" {
		workspace = cfg.Session.DefaultWorkspace
	}
	store, err := openStore(cfg.Session, slog.Default())
	if err != nil {
		return nil, sessions.Scope{}, err
	}
	return store, sessions.Scope{Kind: kind, Workspace: workspace}, nil
}

func runSessionsList(cmd *cobra.Command, opts sessionsOptions) error {
	store, scope, err := opts.open()
	if err != nil {
		return err
	}
	metas, err := store.List(cmd.Context(), scope)
	if err != nil {
		return err
	}
	printSessionList(cmd.OutOrStdout(), scope, metas, time.Now())
	return nil
}

func printSessionList(out io.Writer, scope sessions.Scope, metas []*models.SessionMeta, now time.Time) {
	if len(metas) == 0 {
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("No sessions in %s/%s", scope.Workspace, scope.Kind)))
		return
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d session(s) in %s/%s", len(metas), scope.Workspace, scope.Kind)))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, titleStyle.Render("ID")+"\t"+titleStyle.Render("Title")+"\t"+titleStyle.Render("Messages")+"\t"+titleStyle.Render("Updated"))
	for _, meta := range metas {
		title := meta.Title
		if title == "" {
			title = "Untitled"
		}
		if len([]rune(title)) > 50 {
			title = string([]rune(title)[:47]) + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			idStyle.Render(meta.ID),
			title,
			countStyle.Render(fmt.Sprint(meta.MessageCount)),
			dateStyle.Render(relativeTime(meta.UpdatedAt, now)),
		)
	}
	_ = w.Flush()
}

func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	t = t.Local()
	diff := now.Sub(t)
	switch {
	case diff < 24*time.Hour:
		return t.Format("Today 15:04")
	case diff < 7*24*time.Hour:
		return t.Format("Mon 15:04")
	case diff < 365*24*time.Hour:
		return t.Format("Jan 02 15:04")
	default:
		return t.Format("2006-01-02")
	}
}

func runSessionsShow(cmd *cobra.Command, opts sessionsOptions, id string) error {
	store, scope, err := opts.open()
	if err != nil {
		return err
	}
	session, err := store.Load(cmd.Context(), scope, id)
	if err != nil {
		return err
	}
	printTranscript(cmd.OutOrStdout(), session)
	return nil
}

func printTranscript(out io.Writer, session *models.Session) {
	fmt.Fprintln(out, headerStyle.Render(session.Title))
	fmt.Fprintln(out, idStyle.Render(session.ID))
	if gw := session.Metadata; gw != nil {
		fmt.Fprintln(out, dateStyle.Render(fmt.Sprintf("%s peer %s (%s)", gw.Channel, gw.PeerID, gw.SessionKey)))
	}
	for _, msg := range session.Messages {
		fmt.Fprintln(out)
		fmt.Fprintln(out, roleStyles[msg.Role].Render(string(msg.Role)))
		for _, part := range msg.Parts {
			if line := describePart(part); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}
}

func describePart(p models.Part) string {
	switch p.Type {
	case models.PartText:
		return p.Text
	case models.PartReasoning:
		return dateStyle.Render("(thinking) " + p.Text)
	case models.PartToolCall:
		return fmt.Sprintf("-> %s %s", p.ToolName, compactJSON(p.Input))
	case models.PartToolResult:
		label := "<- " + p.ToolName
		if p.IsError {
			label += " (error)"
		}
		return label + ": " + truncate(p.OutputText(), 400)
	case models.PartToolApprovalRequest:
		return fmt.Sprintf("?? approval %s for call %s", p.ApprovalID, p.CallID)
	case models.PartToolApprovalResponse:
		verdict := "denied"
		if p.Approved {
			verdict = "approved"
		}
		return fmt.Sprintf("!! approval %s %s", p.ApprovalID, verdict)
	case models.PartFile:
		if strings.HasPrefix(p.Data, "data:") {
			return fmt.Sprintf("[file %s, inline]", p.MediaType)
		}
		return fmt.Sprintf("[file %s] %s", p.MediaType, p.Data)
	}
	return ""
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return truncate(string(raw), 200)
	}
	data, _ := json.Marshal(v)
	return truncate(string(data), 200)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func runSessionsDelete(cmd *cobra.Command, opts sessionsOptions, id string) error {
	store, scope, err := opts.open()
	if err != nil {
		return err
	}
	removed, err := store.Delete(cmd.Context(), scope, id)
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "No session %s\n", id)
	}
	return nil
}
