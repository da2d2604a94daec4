package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal"
	"github.com/tinyland-inc/tinyinbox/pkg/api"
	"github.com/tinyland-inc/tinyinbox/pkg/auth"
	"github.com/tinyland-inc/tinyinbox/pkg/engine"
	"github.com/tinyland-inc/tinyinbox/pkg/inbox"
	"github.com/tinyland-inc/tinyinbox/pkg/logger"
	"github.com/tinyland-inc/tinyinbox/pkg/socket"
	"github.com/tinyland-inc/tinyinbox/pkg/suggest"
	"github.com/tinyland-inc/tinyinbox/pkg/thread"
)

const previewWidth = 60

type watcher struct {
	eng       *engine.Engine
	suggester *suggest.Suggester
	filter    inbox.FilterState
	rl        *readline.Instance
}

func watchCmd(debug bool, platform string) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	cred, err := internal.LoadCredential(cfg)
	if err != nil {
		return err
	}

	client := api.NewClient(cfg.API.BaseURL, auth.TokenSource(cred))

	refreshInterval := time.Duration(cfg.Refresh.IntervalMinutes) * time.Minute
	eng := engine.NewEngine(client,
		engine.WithBackoff(time.Duration(cfg.Backoff.BaseMS)*time.Millisecond, cfg.Backoff.MaxAttempts),
		engine.WithRefresh(refreshInterval, cfg.Refresh.Cron),
		engine.WithSelfIDs(func(p inbox.Platform) []string {
			return cfg.SelfIDs(string(p))
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	header := http.Header{}
	if cred != nil {
		header.Set("Authorization", "Bearer "+cred.AccessToken)
	}
	adapter := socket.NewAdapter(socket.Config{
		URL:           cfg.Socket.URL,
		Header:        header,
		ReconnectBase: time.Duration(cfg.Socket.ReconnectBaseMS) * time.Millisecond,
	}, eng.Bus())
	if err := adapter.Start(ctx); err != nil {
		return err
	}
	defer adapter.Stop()

	if err := eng.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Initial load failed: %v (use /retry)\n", err)
	}

	w := &watcher{
		eng:    eng,
		filter: inbox.FilterState{Platform: inbox.Platform(platform)},
	}
	if cfg.Suggest.Enabled && cfg.Suggest.APIKey != "" {
		w.suggester = suggest.NewSuggester(cfg.Suggest.APIKey, cfg.Suggest.Model)
	}

	return w.run(ctx)
}

func (w *watcher) run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	w.rl = rl

	// Live events print above the prompt instead of clobbering the line
	// being composed.
	unsubscribe := w.eng.Store().Subscribe(func() {
		if id := w.eng.SelectedID(); id != "" {
			return
		}
		fmt.Fprintf(rl.Stdout(), "inbox updated (%d conversations)\n", w.eng.Store().Len())
	})
	defer unsubscribe()

	w.eng.Threads().SetOnChange(func(conversationID string) {
		if conversationID != w.eng.SelectedID() {
			return
		}
		msgs := w.eng.Threads().Messages(conversationID)
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		if last.Sender == inbox.SenderCustomer {
			fmt.Fprintf(rl.Stdout(), "%s: %s\n", senderLabel(last), last.Content)
		}
	})

	w.printList()
	fmt.Fprintln(rl.Stdout(), `Commands: /list /open <id> /back /status <label> /suggest /retry /quit. Anything else is sent as a reply.`)

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := w.handleCommand(ctx, line); quit {
				return nil
			}
			continue
		}

		w.sendReply(ctx, line)
	}
}

func (w *watcher) handleCommand(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	out := w.rl.Stdout()

	switch cmd {
	case "/quit", "/q":
		return true

	case "/list", "/l":
		if len(args) > 0 {
			w.filter.SearchText = strings.Join(args, " ")
		} else {
			w.filter.SearchText = ""
		}
		w.printList()

	case "/open", "/o":
		if len(args) != 1 {
			fmt.Fprintln(out, "usage: /open <conversation-id>")
			return false
		}
		if err := w.eng.Select(ctx, args[0]); err != nil {
			fmt.Fprintf(out, "open failed: %v\n", err)
			return false
		}
		w.printThread(args[0])
		w.rl.SetPrompt(fmt.Sprintf("[%s] > ", args[0]))

	case "/back", "/b":
		w.eng.Deselect(ctx)
		w.rl.SetPrompt("> ")
		w.printList()

	case "/status":
		id := w.eng.SelectedID()
		if id == "" || len(args) != 1 {
			fmt.Fprintln(out, "usage: open a conversation, then /status NEW|ACTIVE|PENDING|CLOSED")
			return false
		}
		status := inbox.Status(strings.ToUpper(args[0]))
		if err := w.eng.SetStatus(ctx, id, status); err != nil {
			fmt.Fprintf(out, "status update failed: %v\n", err)
		}

	case "/suggest":
		w.suggestReply(ctx)

	case "/retry":
		if err := w.eng.Retry(ctx); err != nil {
			fmt.Fprintf(out, "retry failed: %v\n", err)
		} else {
			w.printList()
		}

	default:
		fmt.Fprintf(out, "unknown command %s\n", cmd)
	}
	return false
}

func (w *watcher) sendReply(ctx context.Context, content string) {
	out := w.rl.Stdout()
	id := w.eng.SelectedID()
	if id == "" {
		fmt.Fprintln(out, "no conversation open; use /open <id>")
		return
	}

	w.eng.SetTyping(ctx, true)
	err := w.eng.Send(ctx, id, content)
	w.eng.SetTyping(ctx, false)
	if err != nil {
		var sendErr *thread.SendError
		if errors.As(err, &sendErr) {
			// Put the failed text back in the composer instead of losing it.
			w.rl.WriteStdin([]byte(sendErr.Content))
		}
		fmt.Fprintf(out, "send failed: %v\n", err)
	}
}

func (w *watcher) suggestReply(ctx context.Context) {
	out := w.rl.Stdout()
	id := w.eng.SelectedID()
	if id == "" {
		fmt.Fprintln(out, "no conversation open; use /open <id>")
		return
	}
	if w.suggester == nil {
		fmt.Fprintln(out, "suggestions are disabled; set suggest.enabled and suggest.api_key in the config")
		return
	}

	summary, ok := w.eng.Store().Get(id)
	if !ok {
		fmt.Fprintln(out, "conversation not found")
		return
	}
	draft, err := w.suggester.Draft(ctx, summary, w.eng.Threads().Messages(id))
	if err != nil {
		fmt.Fprintf(out, "suggestion failed: %v\n", err)
		return
	}
	// Pre-fill the composer; the agent edits and hits enter to send.
	w.rl.WriteStdin([]byte(draft))
}

func (w *watcher) printList() {
	out := w.rl.Stdout()
	list := w.eng.Store().Select(w.filter)
	if len(list) == 0 {
		fmt.Fprintln(out, "inbox is empty")
		return
	}
	for _, rec := range list {
		marker := " "
		if rec.Unread {
			marker = "*"
		}
		typing := ""
		if rec.Typing {
			typing = " (typing...)"
		}
		fmt.Fprintf(out, "%s %-20s %-10s [%s] %s%s\n",
			marker, rec.ID, rec.DisplayName, rec.StatusLabel,
			inbox.TruncatePreview(rec.LastMessagePreview, previewWidth), typing)
	}
}

func (w *watcher) printThread(conversationID string) {
	out := w.rl.Stdout()
	for _, msg := range w.eng.Threads().Messages(conversationID) {
		fmt.Fprintf(out, "%s %s: %s\n",
			msg.SentAt.Local().Format("15:04"), senderLabel(msg), msg.Content)
	}
}

func senderLabel(msg inbox.Message) string {
	if msg.IsSystemNotice {
		return "system"
	}
	switch msg.Sender {
	case inbox.SenderAgent:
		return "you"
	case inbox.SenderSystem:
		return "system"
	default:
		return "customer"
	}
}
