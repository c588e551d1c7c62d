// Package consolecmd runs the terminal front-end: a line-oriented loop that
// answers each submitted question through the agent gateway and replays the
// answer word by word.
package consolecmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/askbird/askbird/internal/config"
	"github.com/askbird/askbird/internal/stream"
	askterm "github.com/askbird/askbird/internal/term"
)

const (
	promptText      = "you> "
	spinnerMessage  = "thinking..."
	farewellMessage = "Bye! 👋"
	apologyMessage  = "I apologize, but I encountered an error while processing your request. Please try again later."
	greetingMessage = "Ask me about your analytics. Type \"exit\" to leave."
)

// exitKeywords end the loop, case-insensitively.
var exitKeywords = map[string]bool{
	"exit": true,
	"quit": true,
	"bye":  true,
}

// AnswerFunc turns one utterance into one final answer.
type AnswerFunc func(ctx context.Context, utterance string) (string, error)

type Options struct {
	Config config.Config
	Logger *slog.Logger
	Answer AnswerFunc

	// In and Out default to the process's standard streams.
	In  io.Reader
	Out io.Writer
}

type console struct {
	logger *slog.Logger
	answer AnswerFunc
	out    io.Writer
	isTTY  bool
}

// Run reads questions from the input stream until an exit keyword, EOF or
// context cancellation. A failed turn keeps the loop alive; only exit paths
// return.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Answer == nil {
		return fmt.Errorf("answer func is required")
	}
	in := opts.In
	if in == nil {
		in = os.Stdin
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	c := &console{
		logger: logger,
		answer: opts.Answer,
		out:    out,
		isTTY:  writerIsTerminal(out),
	}

	fmt.Fprintln(out, greetingMessage)

	// Lines arrive over a channel so an interrupt can end the loop while a
	// read is still pending on stdin.
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
		close(lines)
	}()

	for {
		c.printPrompt()
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			fmt.Fprintln(out, farewellMessage)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				fmt.Fprintln(out, farewellMessage)
				return <-readErr
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if exitKeywords[strings.ToLower(line)] {
				fmt.Fprintln(out, farewellMessage)
				return nil
			}
			c.runTurn(ctx, line)
		}
	}
}

// runTurn handles one submitted question: spinner while the gateway call is
// in flight, then either the paced answer or an apology. The spinner is
// stopped and awaited before anything else is written.
func (c *console) runTurn(ctx context.Context, line string) {
	stop := func() {}
	if c.isTTY {
		spinner := askterm.NewSpinner(c.out)
		spinner.SetMessage(spinnerMessage)
		stop = spinner.Start(ctx)
	}

	answerText, err := c.answer(ctx, line)
	stop()

	if err != nil {
		c.logger.Warn("console_answer_error", "error", err.Error())
		fmt.Fprintln(c.out, c.styleError("error: "+err.Error()))
		fmt.Fprintln(c.out, apologyMessage)
		return
	}
	if err := stream.Print(c.out, answerText); err != nil {
		c.logger.Warn("console_stream_error", "error", err.Error())
	}
	fmt.Fprintln(c.out)
}

func (c *console) printPrompt() {
	if c.isTTY {
		fmt.Fprint(c.out, askterm.PromptStyle.Render(promptText))
		return
	}
	fmt.Fprint(c.out, promptText)
}

func (c *console) styleError(text string) string {
	if c.isTTY {
		return askterm.ErrorStyle.Render(text)
	}
	return text
}

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
