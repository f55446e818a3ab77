package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/sessions"
	"github.com/haasonsaas/parley/pkg/models"
)

type chatOptions struct {
	configPath  string
	sessionID   string
	workspace   string
	model       string
	autoApprove bool
}

type pendingApproval struct {
	id    string
	tool  string
	input string
}

// chatSession is one terminal conversation. History is reloaded from the
// store after every turn so it matches what the UI would see.
type chatSession struct {
	app   *app
	out   io.Writer
	rl    *readline.Instance
	opts  chatOptions
	scope sessions.Scope
	id    string

	history []*models.Message
}

func runChat(cmd *cobra.Command, opts chatOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	cfg.Logging.Level = "warn"
	logger := newLogger(cfg, false)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger, appOptions{ConnectMCP: true})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	workspace := strings.TrimSpace(opts.workspace)
	if workspace == "" {
		workspace = cfg.Session.DefaultWorkspace
	}
	id := strings.TrimSpace(opts.sessionID)
	if id == "" {
		id = uuid.NewString()
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	chat := &chatSession{
		app:   a,
		out:   rl.Stdout(),
		rl:    rl,
		opts:  opts,
		scope: sessions.UIScope(workspace),
		id:    id,
	}
	if err := chat.loadHistory(ctx); err != nil {
		return err
	}
	fmt.Fprintln(chat.out, headerStyle.Render("parley chat"), idStyle.Render(id))
	fmt.Fprintln(chat.out, dateStyle.Render("/exit to quit. Ctrl-C during a turn aborts it."))
	return chat.loop(ctx)
}

func historyFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "parley")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}

func (c *chatSession) loadHistory(ctx context.Context) error {
	session, err := c.app.store.Load(ctx, c.scope, c.id)
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	c.history = session.Messages
	if len(c.history) > 0 {
		fmt.Fprintln(c.out, dateStyle.Render(fmt.Sprintf("resuming %q (%d messages)", session.Title, len(c.history))))
	}
	return nil
}

func (c *chatSession) loop(ctx context.Context) error {
	for {
		line, err := c.rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		c.history = append(c.history, &models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleUser,
			Parts:     []models.Part{models.TextPart(line)},
			CreatedAt: time.Now().UTC(),
		})
		if err := c.converse(ctx); err != nil {
			fmt.Fprintln(c.out, "error:", err)
		}
	}
}

// converse runs turns until no approval is outstanding.
func (c *chatSession) converse(ctx context.Context) error {
	for {
		approvals, err := c.turn(ctx)
		if err != nil {
			return err
		}
		if len(approvals) == 0 {
			return nil
		}

		parts := make([]models.Part, 0, len(approvals))
		for _, p := range approvals {
			approved, reason := c.ask(p)
			parts = append(parts, models.ApprovalResponsePart(p.id, approved, reason))
		}
		c.history = append(c.history, &models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleTool,
			Parts:     parts,
			CreatedAt: time.Now().UTC(),
		})
	}
}

func (c *chatSession) ask(p pendingApproval) (bool, string) {
	c.rl.SetPrompt(fmt.Sprintf("allow %s %s? [y/N] ", p.tool, truncate(p.input, 120)))
	defer c.rl.SetPrompt("you> ")
	answer, err := c.rl.Readline()
	if err != nil {
		return false, "no answer"
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, ""
	}
	return false, "denied in terminal"
}

func (c *chatSession) turn(ctx context.Context) ([]pendingApproval, error) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	events, err := c.app.orchestrator.Run(turnCtx, &agent.TurnRequest{
		SessionID:   c.id,
		Scope:       c.scope,
		Messages:    c.history,
		Model:       c.opts.model,
		AutoApprove: c.opts.autoApprove,
	})
	if err != nil {
		return nil, err
	}

	var (
		approvals []pendingApproval
		calls     = map[string]*models.ToolPayload{}
		turnErr   error
		midLine   bool
	)
	for ev := range events {
		switch ev.Type {
		case models.EventTextDelta:
			fmt.Fprint(c.out, ev.Delta.Text)
			midLine = true
		case models.EventToolCall:
			calls[ev.Tool.CallID] = ev.Tool
			if midLine {
				fmt.Fprintln(c.out)
				midLine = false
			}
			fmt.Fprintln(c.out, roleStyles[models.RoleTool].Render("-> "+ev.Tool.Name), compactJSON(ev.Tool.Input))
		case models.EventToolResult:
			label := "<- " + ev.Tool.Name
			if ev.Tool.IsError {
				label += " (error)"
			}
			out := models.Part{Output: ev.Tool.Output}.OutputText()
			fmt.Fprintln(c.out, roleStyles[models.RoleTool].Render(label), dateStyle.Render(truncate(out, 300)))
		case models.EventApprovalRequest:
			p := pendingApproval{id: ev.Tool.ApprovalID, tool: ev.Tool.Name, input: compactJSON(ev.Tool.Input)}
			if call, ok := calls[ev.Tool.CallID]; ok {
				if p.tool == "" {
					p.tool = call.Name
				}
				if len(ev.Tool.Input) == 0 {
					p.input = compactJSON(call.Input)
				}
			}
			approvals = append(approvals, p)
		case models.EventTurnError:
			turnErr = fmt.Errorf("%s: %s", ev.Error.Category, ev.Error.Message)
		case models.EventTurnFinished:
			if ev.Finished.Status == models.TurnAborted {
				turnErr = errors.New("turn aborted")
			}
		}
	}
	if midLine {
		fmt.Fprintln(c.out)
	}

	// The store holds the authoritative history, including anything a
	// failed or aborted turn persisted.
	if session, err := c.app.store.Load(context.WithoutCancel(ctx), c.scope, c.id); err == nil {
		c.history = session.Messages
	}
	if turnErr != nil {
		return nil, turnErr
	}
	return approvals, nil
}
