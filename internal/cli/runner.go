package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/termrelay/internal/api"
	"github.com/g960059/termrelay/internal/appclient"
	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/events"
)

const maxSendStdinBytes int64 = 1 << 20

// Runner holds the output streams and the client factory shared by every
// subcommand.
type Runner struct {
	out       io.Writer
	errOut    io.Writer
	stdin     io.Reader
	newClient func(socketPath string) *appclient.Client

	socketPath string
	jsonOut    bool
}

func NewRunner(out, errOut io.Writer) *Runner {
	r := newRunner(out, errOut)
	r.newClient = appclient.New
	return r
}

// NewRunnerWithClient sends every request to baseURL through client instead
// of dialing the daemon socket.
func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	r := newRunner(out, errOut)
	r.newClient = func(string) *appclient.Client {
		return appclient.NewWithClient(baseURL, client)
	}
	return r
}

func newRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{out: out, errOut: errOut, stdin: os.Stdin}
}

// Run executes args and returns a process exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	cmd := r.RootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.errOut)
	if err := cmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func (r *Runner) client() *appclient.Client {
	socket := r.socketPath
	if socket == "" {
		socket = config.DefaultConfig().SocketPath
	}
	return r.newClient(socket)
}

func (r *Runner) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "termrelay",
		Short:         "Control a running termrelayd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&r.socketPath, "socket", "", "UDS path of termrelayd")
	root.PersistentFlags().BoolVar(&r.jsonOut, "json", false, "output JSON")
	root.AddCommand(
		r.healthCommand(),
		r.sessionCommand(),
		r.sendCommand(),
		r.attachCommand(),
		r.messagesCommand(),
		r.outboxCommand(),
		r.eventsCommand(),
	)
	return root
}

func (r *Runner) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.writeJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "%s (%d sessions)\n", resp.Status, resp.Sessions)
			return nil
		},
	}
}

func (r *Runner) sessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, inspect and close sessions",
	}

	var workspace string
	list := &cobra.Command{
		Use:   "list",
		Short: "List live sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := r.client().ListSessions(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.writeJSON(env)
			}
			for _, s := range env.Sessions {
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", s.TerminalID, s.TerminalType, s.Status, s.WorkspaceID)
			}
			_, _ = fmt.Fprintf(r.out, "sessions: %d (%s)\n", len(env.Sessions), formatSummary(env.Summary))
			return nil
		},
	}
	list.Flags().StringVar(&workspace, "workspace", "", "only sessions of this workspace")

	var req api.CreateSessionRequest
	create := &cobra.Command{
		Use:   "create [-- program args...]",
		Short: "Start a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				req.Program = args[0]
				req.Args = args[1:]
			}
			s, err := r.client().CreateSession(cmd.Context(), req)
			if err != nil {
				return err
			}
			return r.printSession("created", s)
		},
	}
	cf := create.Flags()
	cf.StringVar(&req.TerminalID, "id", "", "terminal id (generated when empty)")
	cf.StringVar(&req.TerminalType, "type", "", "shell, claude, codex or gemini")
	cf.StringVar(&req.WorkspaceID, "workspace", "", "workspace the session belongs to")
	cf.StringVar(&req.MemberID, "member", "", "workspace member driving the session")
	cf.StringVar(&req.Automation, "automation", "", "none or invite")
	cf.StringVar(&req.Dir, "dir", "", "working directory")
	cf.StringSliceVar(&req.Env, "env", nil, "extra KEY=VALUE environment entries")
	cf.IntVar(&req.Rows, "rows", 0, "terminal rows")
	cf.IntVar(&req.Cols, "cols", 0, "terminal columns")

	show := &cobra.Command{
		Use:   "show <terminal-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := r.client().GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.printSession("", s)
		},
	}

	closeCmd := &cobra.Command{
		Use:   "close <terminal-id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.client().CloseSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !r.jsonOut {
				_, _ = fmt.Fprintf(r.out, "closed %s\n", args[0])
			}
			return nil
		},
	}

	lock := &cobra.Command{
		Use:   "lock <terminal-id> <on|off>",
		Short: "Pin or release the session status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			locked, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			s, err := r.client().Lock(cmd.Context(), args[0], locked)
			if err != nil {
				return err
			}
			return r.printSession("", s)
		},
	}

	resize := &cobra.Command{
		Use:   "resize <terminal-id> <rows> <cols>",
		Short: "Resize the terminal",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows, cols int
			if _, err := fmt.Sscan(args[1], &rows); err != nil || rows <= 0 {
				return usageError("rows must be a positive integer")
			}
			if _, err := fmt.Sscan(args[2], &cols); err != nil || cols <= 0 {
				return usageError("cols must be a positive integer")
			}
			s, err := r.client().Resize(cmd.Context(), args[0], rows, cols)
			if err != nil {
				return err
			}
			return r.printSession("", s)
		},
	}

	cmd.AddCommand(list, create, show, closeCmd, lock, resize)
	return cmd
}

func (r *Runner) sendCommand() *cobra.Command {
	var (
		raw       bool
		fromStdin bool
	)
	cmd := &cobra.Command{
		Use:   "send <terminal-id> [text...]",
		Short: "Dispatch text to a session as one line of input",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			if fromStdin {
				if text != "" {
					return usageError("text arguments and --stdin are mutually exclusive")
				}
				b, err := io.ReadAll(io.LimitReader(r.stdin, maxSendStdinBytes+1))
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				if int64(len(b)) > maxSendStdinBytes {
					return usageError("stdin exceeds %d bytes", maxSendStdinBytes)
				}
				text = strings.TrimRight(string(b), "\n")
			}
			if strings.TrimSpace(text) == "" {
				return usageError("text is required")
			}
			var (
				s   api.SessionItem
				err error
			)
			if raw {
				s, err = r.client().Write(cmd.Context(), args[0], text)
			} else {
				s, err = r.client().Dispatch(cmd.Context(), args[0], text)
			}
			if err != nil {
				return err
			}
			return r.printSession("sent", s)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "write bytes as-is without submitting a line")
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read text from stdin")
	return cmd
}

func (r *Runner) attachCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <terminal-id>",
		Short: "Print the screen and follow raw output until the session closes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.client().Attach(cmd.Context(), args[0], func(line api.AttachLine) error {
				if r.jsonOut {
					return r.writeJSONLine(line)
				}
				switch line.Type {
				case "screen":
					for _, l := range line.Lines {
						_, _ = fmt.Fprintln(r.out, l)
					}
				case "output":
					_, _ = io.WriteString(r.out, line.Data)
				case "closed":
					_, _ = fmt.Fprintf(r.errOut, "\nsession %s closed\n", line.TerminalID)
				}
				return nil
			})
		},
	}
}

func (r *Runner) messagesCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <terminal-id>",
		Short: "List chat messages extracted from a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := r.client().Messages(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.writeJSON(msgs)
			}
			for _, m := range msgs {
				_, _ = fmt.Fprintf(r.out, "[%s] %s\n%s\n\n", m.CreatedAt, m.MessageID, m.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of messages")
	return cmd
}

func (r *Runner) outboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Queue and inspect chat deliveries",
	}

	var req api.EnqueueRequest
	enqueue := &cobra.Command{
		Use:   "enqueue <terminal-id> <text...>",
		Short: "Queue a chat message for delivery into a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TerminalID = args[0]
			req.Text = strings.Join(args[1:], " ")
			task, err := r.client().Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			return r.printTask(task)
		},
	}
	ef := enqueue.Flags()
	ef.StringVar(&req.WorkspaceID, "workspace", "", "workspace id")
	ef.StringVar(&req.MessageID, "message-id", "", "message id (generated when empty)")
	ef.StringVar(&req.ConversationID, "conversation", "", "conversation id")
	ef.StringVar(&req.SenderID, "sender", "", "sender member id")
	ef.StringSliceVar(&req.Mentions, "mention", nil, "mentioned member ids")

	show := &cobra.Command{
		Use:   "show <workspace> <message-id>",
		Short: "Show the delivery state of a queued message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := r.client().OutboxTask(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return r.printTask(task)
		},
	}

	cmd.AddCommand(enqueue, show)
	return cmd
}

func (r *Runner) eventsCommand() *cobra.Command {
	var (
		cursor string
		follow bool
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print daemon events after a cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			onEvent := func(ev events.Event) error {
				if r.jsonOut {
					return r.writeJSONLine(ev)
				}
				_, _ = fmt.Fprintln(r.out, formatEvent(ev))
				return nil
			}
			if !follow {
				env, err := r.client().EventsOnce(cmd.Context(), appclient.EventsOptions{Cursor: cursor})
				if err != nil {
					return err
				}
				for _, ev := range env.Events {
					if err := onEvent(ev); err != nil {
						return err
					}
				}
				if !r.jsonOut {
					_, _ = fmt.Fprintf(r.errOut, "cursor: %s\n", env.Cursor)
				}
				return nil
			}
			err := r.client().EventsLoop(cmd.Context(), appclient.EventsLoopOptions{Cursor: cursor, Wait: wait}, onEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after this cursor")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	cmd.Flags().DurationVar(&wait, "wait", 25*time.Second, "long-poll wait per request when following")
	return cmd
}

func (r *Runner) printSession(verb string, s api.SessionItem) error {
	if r.jsonOut {
		return r.writeJSON(s)
	}
	if verb != "" {
		_, _ = fmt.Fprintf(r.out, "%s %s\n", verb, s.TerminalID)
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\tready=%t\tpending=%d\n", s.TerminalID, s.TerminalType, s.Status, s.ShellReady, s.PendingInputCount)
	return nil
}

func (r *Runner) printTask(t api.OutboxTaskItem) error {
	if r.jsonOut {
		return r.writeJSON(t)
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\tattempts=%d\n", t.WorkspaceID, t.MessageID, t.TerminalID, t.Status, t.Attempts)
	if t.LastError != "" {
		_, _ = fmt.Fprintf(r.out, "last error: %s\n", t.LastError)
	}
	return nil
}

func (r *Runner) writeJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *Runner) writeJSONLine(v any) error {
	return json.NewEncoder(r.out).Encode(v)
}

func formatSummary(summary map[string]int) string {
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, summary[k]))
	}
	return strings.Join(parts, " ")
}

func formatEvent(ev events.Event) string {
	switch ev.Kind {
	case events.KindStatus:
		return fmt.Sprintf("%s\tstatus\t%s\t%s -> %s", ev.Cursor, ev.TerminalID, ev.From, ev.To)
	case events.KindChat:
		return fmt.Sprintf("%s\tchat\t%s\t%s", ev.Cursor, ev.TerminalID, ev.MessageID)
	case events.KindError:
		return fmt.Sprintf("%s\terror\t%s\t%s", ev.Cursor, ev.TerminalID, ev.Error)
	case events.KindOutput:
		return fmt.Sprintf("%s\toutput\t%s\t%d bytes", ev.Cursor, ev.TerminalID, ev.Bytes)
	case events.KindClosed:
		code := 0
		if ev.ExitCode != nil {
			code = *ev.ExitCode
		}
		return fmt.Sprintf("%s\tclosed\t%s\texit=%d", ev.Cursor, ev.TerminalID, code)
	default:
		return fmt.Sprintf("%s\t%s\t%s", ev.Cursor, ev.Kind, ev.TerminalID)
	}
}

func parseOnOff(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, usageError("expected on or off, got %q", v)
}
