// ABOUTME: Terminal chat REPL running the conversation services in-process
// ABOUTME: Uses readline for input and prints streamed agent replies as they arrive

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/2389/coven-threads/internal/conversation"
	"github.com/2389/coven-threads/internal/store"
	"github.com/2389/coven-threads/internal/transcript"
)

var chatCommands = []string{
	"/new [title]          start a new thread",
	"/threads              list threads",
	"/switch <id>          open a thread by id or id prefix",
	"/agents               list agents and their status",
	"/agent <id>           switch this thread's agent",
	"/rename <title>       rename this thread",
	"/clear                delete this thread's messages",
	"/delete               delete this thread and start a new one",
	"/export [format] PATH export this thread (markdown or html)",
	"/help                 show commands",
	"/quit                 leave",
}

type lineInput interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

type basicLineInput struct {
	reader *bufio.Reader
	out    io.Writer
}

func (b *basicLineInput) ReadLine(prompt string) (string, error) {
	fmt.Fprint(b.out, prompt)
	line, err := b.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (b *basicLineInput) Close() error { return nil }

type readlineInput struct {
	instance *readline.Instance
}

func (r *readlineInput) ReadLine(prompt string) (string, error) {
	r.instance.SetPrompt(prompt)
	return r.instance.Readline()
}

func (r *readlineInput) Close() error { return r.instance.Close() }

// newLineInput prefers readline and falls back to plain stdin.
func newLineInput(historyPath string) lineInput {
	if historyPath != "" {
		_ = os.MkdirAll(filepath.Dir(historyPath), 0o755)
	}
	instance, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyPath,
		HistorySearchFold: true,
	})
	if err != nil {
		return &basicLineInput{reader: bufio.NewReader(os.Stdin), out: os.Stdout}
	}
	return &readlineInput{instance: instance}
}

func historyPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "coven", "threads_history")
}

// chatSession is the REPL state: one open thread and its agent.
type chatSession struct {
	app    *app
	out    io.Writer
	thread store.Thread
	agent  store.Agent
}

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	threadID := fs.String("thread", "", "Open an existing thread")
	agentID := fs.String("agent", "", "Agent for a new thread")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	// Keep the terminal for the conversation unless logs go to a file.
	logCfg := cfg.Logging
	if logCfg.File == "" && logCfg.Level != "debug" {
		logCfg.Level = "error"
	}
	logger, closeLog := setupLogger(logCfg)
	defer closeLog()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.prober != nil {
		a.prober.Tick(ctx)
	}

	s := &chatSession{app: a, out: color.Output}
	if *threadID != "" {
		th, err := a.threads.Get(ctx, *threadID)
		if err != nil {
			return fmt.Errorf("opening thread %s: %w", *threadID, err)
		}
		s.open(ctx, th)
	} else {
		if *agentID != "" {
			if _, ok := a.registry.Get(*agentID); !ok {
				return fmt.Errorf("unknown agent %q", *agentID)
			}
		}
		if err := s.newThread(ctx, "", *agentID); err != nil {
			return err
		}
	}

	input := newLineInput(historyPath())
	defer input.Close()

	color.New(color.FgHiBlack).Fprintln(s.out, "type /help for commands")
	for ctx.Err() == nil {
		line, err := input.ReadLine(color.GreenString("you") + " > ")
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
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
			quit, err := s.command(ctx, line)
			if err != nil {
				color.New(color.FgRed).Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}
		s.send(ctx, line)
	}
	return nil
}

func (s *chatSession) agentFor(th store.Thread) store.Agent {
	if a, ok := s.app.registry.Get(th.AgentID); ok {
		return a
	}
	return store.Agent{ID: th.AgentID, Name: th.AgentID}
}

// open makes th the current thread and prints its transcript.
func (s *chatSession) open(ctx context.Context, th store.Thread) {
	s.thread = th
	s.agent = s.agentFor(th)

	bold := color.New(color.Bold)
	fmt.Fprintln(s.out)
	bold.Fprintf(s.out, "%s", th.Title)
	fmt.Fprintf(s.out, "  with %s %s\n", s.agent.Name, statusLabel(s.agent.Status))
	color.New(color.FgHiBlack).Fprintf(s.out, "thread %s\n\n", th.ID)

	for _, m := range s.app.conversation.Load(ctx, th.ID) {
		s.printMessage(m)
	}
}

func (s *chatSession) newThread(ctx context.Context, title, agentID string) error {
	th, err := s.app.threads.Create(ctx, title, agentID)
	if err != nil {
		return err
	}
	s.open(ctx, th)
	return nil
}

func (s *chatSession) speaker(m store.Message) string {
	if m.Role == store.RoleUser {
		return color.GreenString("you")
	}
	return color.CyanString(s.agent.Name)
}

func (s *chatSession) printMessage(m store.Message) {
	fmt.Fprintf(s.out, "%s > %s\n", s.speaker(m), m.Content)
}

// send runs one exchange, printing reply text as the transcript changes.
func (s *chatSession) send(ctx context.Context, text string) {
	broadcaster := s.app.conversation.Broadcaster()
	events, subID := broadcaster.Subscribe(ctx, s.thread.ID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.printReply(events)
	}()

	_, err := s.app.conversation.Send(ctx, conversation.SendRequest{
		Thread: s.thread,
		Agent:  s.agent,
		Text:   text,
	})
	broadcaster.Unsubscribe(s.thread.ID, subID)
	<-done

	if err != nil {
		color.New(color.FgRed).Fprintf(s.out, "error: %v\n", err)
	}
}

// printReply follows the placeholder through its replacements and prints
// only the text not yet shown.
func (s *chatSession) printReply(events <-chan *conversation.Event) {
	var placeholderID, shown string
	for e := range events {
		switch e.Type {
		case conversation.EventMessageAdded:
			if e.Message != nil && e.Message.Role == store.RoleAgent && placeholderID == "" {
				placeholderID = e.Message.ID
				fmt.Fprintf(s.out, "%s > ", s.speaker(*e.Message))
			}
		case conversation.EventMessageReplaced:
			if e.ReplacedID != placeholderID || e.Message == nil {
				continue
			}
			content := e.Message.Content
			switch {
			case content == conversation.PlaceholderContent:
			case strings.HasPrefix(content, "Error: ") && shown == "":
				color.New(color.FgRed).Fprint(s.out, content)
				shown = content
			case strings.HasPrefix(content, "Error: ") && !strings.HasPrefix(content, shown):
				color.New(color.FgRed).Fprintf(s.out, "\n%s", content)
				shown = content
			case strings.HasPrefix(content, shown):
				fmt.Fprint(s.out, content[len(shown):])
				shown = content
			default:
				fmt.Fprintf(s.out, "\n%s", content)
				shown = content
			}
		case conversation.EventTyping:
			if !e.Typing && placeholderID != "" {
				fmt.Fprintln(s.out)
			}
		}
	}
}

// command runs a slash command and reports whether the REPL should exit.
func (s *chatSession) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		for _, c := range chatCommands {
			fmt.Fprintf(s.out, "  %s\n", c)
		}

	case "/new":
		return false, s.newThread(ctx, arg, s.thread.AgentID)

	case "/threads":
		threads, err := s.app.threads.List(ctx)
		if err != nil {
			return false, err
		}
		for _, th := range threads {
			marker := " "
			if th.ID == s.thread.ID {
				marker = "*"
			}
			fmt.Fprintf(s.out, "%s %s  %s  %s\n", marker, color.HiBlackString(th.ID), th.Title, s.agentFor(th).Name)
		}

	case "/switch":
		th, err := s.findThread(ctx, arg)
		if err != nil {
			return false, err
		}
		s.open(ctx, th)

	case "/agents":
		for _, a := range s.app.registry.List() {
			fmt.Fprintf(s.out, "  %-24s %-20s %s\n", a.Name, color.HiBlackString(a.ID), statusLabel(a.Status))
		}

	case "/agent":
		if _, ok := s.app.registry.Get(arg); !ok {
			return false, fmt.Errorf("unknown agent %q", arg)
		}
		th, err := s.app.threads.SetAgent(ctx, s.thread.ID, arg)
		if err != nil {
			return false, err
		}
		s.thread = th
		s.agent = s.agentFor(th)
		fmt.Fprintf(s.out, "now talking to %s %s\n", s.agent.Name, statusLabel(s.agent.Status))

	case "/rename":
		th, err := s.app.threads.Rename(ctx, s.thread.ID, arg)
		if err != nil {
			return false, err
		}
		s.thread = th
		fmt.Fprintf(s.out, "renamed to %q\n", th.Title)

	case "/clear":
		if err := s.app.conversation.Clear(ctx, s.thread.ID); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "messages cleared")

	case "/delete":
		if err := s.app.threads.Delete(ctx, s.thread.ID); err != nil {
			return false, err
		}
		return false, s.newThread(ctx, "", s.thread.AgentID)

	case "/export":
		return false, s.export(ctx, arg)

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

// findThread resolves an id or a unique id prefix.
func (s *chatSession) findThread(ctx context.Context, ref string) (store.Thread, error) {
	if ref == "" {
		return store.Thread{}, errors.New("thread id is required")
	}
	threads, err := s.app.threads.List(ctx)
	if err != nil {
		return store.Thread{}, err
	}
	var match []store.Thread
	for _, th := range threads {
		if th.ID == ref {
			return th, nil
		}
		if strings.HasPrefix(th.ID, ref) {
			match = append(match, th)
		}
	}
	switch len(match) {
	case 0:
		return store.Thread{}, fmt.Errorf("no thread matches %q", ref)
	case 1:
		return match[0], nil
	default:
		return store.Thread{}, fmt.Errorf("%q matches %d threads", ref, len(match))
	}
}

func (s *chatSession) export(ctx context.Context, arg string) error {
	fields := strings.Fields(arg)
	format := transcript.FormatMarkdown
	if len(fields) == 2 {
		f, err := transcript.ParseFormat(fields[0])
		if err != nil {
			return err
		}
		format, fields = f, fields[1:]
	}
	if len(fields) != 1 {
		return errors.New("usage: /export [markdown|html] PATH")
	}

	msgs, err := s.app.conversation.History(ctx, s.thread.ID)
	if err != nil {
		return err
	}
	f, err := os.Create(fields[0])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := (transcript.Export{Thread: s.thread, Agent: s.agent, Messages: msgs}).Write(f, format); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "exported to %s\n", fields[0])
	return nil
}
