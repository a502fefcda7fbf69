package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"companiond/internal/bus"
	"companiond/internal/domain"
	"companiond/internal/router"
)

// ChatRouter is what the terminal chat needs from the routing facade.
type ChatRouter interface {
	Submitter
	Current() (domain.Companion, bool)
}

// CLI is the local chat surface (channel id ""). It also prints proactive
// messages as they arrive on the hub.
type CLI struct {
	router  ChatRouter
	events  *bus.Hub
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer
	spinner bool

	outMu     sync.Mutex
	thinking  bool
	thinkStop chan struct{}
	thinkDone chan struct{}
}

type CLIConfig struct {
	Router  ChatRouter
	Events  *bus.Hub // optional
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
	Spinner bool
}

var (
	nameColor   = color.New(color.FgCyan, color.Bold)
	systemColor = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
)

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		router:  cfg.Router,
		events:  cfg.Events,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
		spinner: cfg.Spinner,
	}
}

// Run reads lines until EOF, /quit or ctx is done.
func (c *CLI) Run(ctx context.Context) error {
	if c.events != nil {
		id := c.events.On(domain.EventProactiveMessage, c.onProactive)
		defer c.events.Off(domain.EventProactiveMessage, id)
	}

	if cur, ok := c.router.Current(); ok {
		c.printf("Chatting with %s. Commands: /list, /switch <name>, /reset, /help. /quit to exit.\n", nameColor.Sprint(cur.DisplayName()))
	}
	c.prompt()

	lines := make(chan string)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line = <-lines:
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			c.prompt()
			continue
		case "/quit", "/exit", "/q":
			return nil
		}

		c.startThinking()
		reply, err := c.router.Submit(ctx, router.Inbound{Source: domain.SourceLocal, Text: line})
		c.stopThinking()
		if err != nil {
			c.printf("%s %v\n", errorColor.Sprint("error:"), err)
			c.prompt()
			continue
		}
		c.printReply(reply)
		c.prompt()
	}
}

func (c *CLI) printReply(reply router.Reply) {
	if reply.Command != "" {
		c.printf("%s\n", systemColor.Sprint(reply.Text))
		return
	}
	name := reply.CompanionID
	if cur, ok := c.router.Current(); ok && cur.ID == reply.CompanionID {
		name = cur.DisplayName()
	}
	c.printf("%s> %s\n", nameColor.Sprint(name), reply.Text)
}

func (c *CLI) onProactive(ev domain.Event) {
	name, _ := ev.Data["companion_name"].(string)
	msg, _ := ev.Data["message"].(string)
	c.printf("\r%s> %s\n", nameColor.Sprint(name), msg)
	c.prompt()
}

func (c *CLI) prompt() { c.printf("You> ") }

func (c *CLI) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	go func() {
		defer close(c.thinkDone)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-c.thinkStop:
				c.printf("\r\033[K")
				return
			case <-ticker.C:
				c.printf("\r%s typing...", frames[i%len(frames)])
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	<-c.thinkDone
}
