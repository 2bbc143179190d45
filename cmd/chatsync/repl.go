package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/chat"
)

// chatClient is the coordinator surface the terminal drives.
type chatClient interface {
	LoadConversations(ctx context.Context) error
	SendMessage(ctx context.Context, content string) error
	CreateConversation(ctx context.Context, title string) (chat.Conversation, error)
	SwitchConversation(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error
	RenameConversation(ctx context.Context, id, title string) error
	TogglePin(ctx context.Context, id string) (bool, error)
	SetSearch(query string)
	Conversations() chat.Partition
	CurrentMessages() []chat.Message
	Selected() string
	Banner() string
	LastError() string
	ClearError()
	Snapshot() ([]byte, error)
}

const helpText = `commands:
  /list                 list conversations (pinned first)
  /reload               fetch the conversation list again
  /new [title]          create and select a conversation
  /switch <n|id>        select a conversation
  /rename <n|id> title  rename a conversation
  /pin <n|id>           toggle pin
  /delete <n|id>        delete a conversation
  /search [query]       filter /list; no query clears
  /history              show messages in the selected conversation
  /dump                 print every cached conversation as YAML
  /status               connection and selection
  /quit                 exit
anything else is sent as a message`

// syncWriter serialises writes from the prompt loop and push printers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.w.Write(p)
}

type repl struct {
	chat    chatClient
	out     io.Writer
	timeout time.Duration

	// listing is the last /list output, so commands can take an index.
	listing []string
}

func newREPL(c chatClient, out io.Writer, timeout time.Duration) *repl {
	return &repl{chat: c, out: out, timeout: timeout}
}

// run reads commands from in until EOF, /quit, or ctx is cancelled.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}

		readErr <- scanner.Err()
	}()

	r.printf("type /help for commands\n")

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			return err

		case line := <-lines:
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !strings.HasPrefix(line, "/") {
		r.report(r.chat.SendMessage(ctx, line))
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/help":
		r.printf("%s\n", helpText)

	case "/quit", "/exit":
		return true

	case "/list":
		r.list()

	case "/reload":
		if r.report(r.chat.LoadConversations(ctx)) {
			r.list()
		}

	case "/new":
		conv, err := r.chat.CreateConversation(ctx, rest)
		if r.report(err) {
			r.printf("created %q (%s)\n", conv.Title, conv.ID)
		}

	case "/switch":
		id, ok := r.resolve(rest)
		if ok && r.report(r.chat.SwitchConversation(ctx, id)) {
			r.history()
		}

	case "/rename":
		ref, title, _ := strings.Cut(rest, " ")

		id, ok := r.resolve(ref)
		if ok && r.report(r.chat.RenameConversation(ctx, id, title)) {
			r.printf("renamed\n")
		}

	case "/pin":
		id, ok := r.resolve(rest)
		if !ok {
			break
		}

		pinned, err := r.chat.TogglePin(ctx, id)
		if r.report(err) {
			r.printf("pinned: %t\n", pinned)
		}

	case "/delete":
		id, ok := r.resolve(rest)
		if ok && r.report(r.chat.DeleteConversation(ctx, id)) {
			r.printf("deleted\n")
		}

	case "/search":
		r.chat.SetSearch(rest)
		r.list()

	case "/history":
		r.history()

	case "/dump":
		out, err := r.chat.Snapshot()
		if r.report(err) {
			r.printf("%s", out)
		}

	case "/status":
		r.status()

	default:
		r.printf("unknown command %s, try /help\n", cmd)
	}

	return false
}

// report prints the coordinator's inline error for a failed action and
// reports whether err was nil.
func (r *repl) report(err error) bool {
	if err == nil {
		return true
	}

	msg := r.chat.LastError()
	if msg == "" {
		msg = err.Error()
	}

	r.chat.ClearError()
	r.printf("error: %s\n", msg)

	return false
}

// resolve maps "3" to the third entry of the last listing; anything else
// is taken as a conversation ID.
func (r *repl) resolve(ref string) (string, bool) {
	if ref == "" {
		r.printf("which conversation? give a /list number or an id\n")
		return "", false
	}

	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(r.listing) {
			r.printf("no conversation %d in the last /list\n", n)
			return "", false
		}

		return r.listing[n-1], true
	}

	return ref, true
}

func (r *repl) list() {
	p := r.chat.Conversations()
	selected := r.chat.Selected()

	r.listing = r.listing[:0]

	section := func(heading string, convs []chat.Conversation) {
		if len(convs) == 0 {
			return
		}

		r.printf("%s\n", heading)

		for _, conv := range convs {
			r.listing = append(r.listing, conv.ID)

			marker := " "
			if conv.ID == selected {
				marker = "*"
			}

			r.printf("%s %2d. %s (%d messages)\n", marker, len(r.listing), conv.Title, conv.MessageCount)
		}
	}

	section("pinned", p.Pinned)
	section("recent", p.Recent)

	if len(r.listing) == 0 {
		r.printf("no conversations\n")
	}
}

func (r *repl) history() {
	for _, m := range r.chat.CurrentMessages() {
		r.printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), m.Role, m.Content)
	}
}

func (r *repl) status() {
	if banner := r.chat.Banner(); banner != "" {
		r.printf("%s\n", banner)
	} else {
		r.printf("connected\n")
	}

	if id := r.chat.Selected(); id != "" {
		r.printf("selected: %s\n", id)
	} else {
		r.printf("no conversation selected\n")
	}
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}
