// netchat-cli queries NetBox infrastructure data in natural language through
// the netchat gateway. Supports a one-shot query mode and an interactive REPL
// with /reset and /model commands.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/netchat/netchat/pkg/models"
	"github.com/netchat/netchat/pkg/wsclient"
)

const (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorRed    = "\033[91m"
	colorGreen  = "\033[92m"
	colorBlue   = "\033[94m"
	colorCyan   = "\033[96m"
	colorYellow = "\033[93m"
)

type options struct {
	url     string
	timeout time.Duration
	verbose bool
	jsonOut bool
	color   bool
}

func (o *options) colored(text, color string) string {
	if !o.color {
		return text
	}
	return color + text + colorReset
}

func (o *options) status(msg, color string) {
	fmt.Println(o.colored(msg, color))
}

func (o *options) errorf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, o.colored("ERROR: "+fmt.Sprintf(format, args...), colorRed))
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		url         = flag.String("url", "ws://localhost:8000/ws/chat", "WebSocket URL of the gateway")
		interactive = flag.Bool("i", false, "Run in interactive mode (REPL)")
		verbose     = flag.Bool("v", false, "Show tool usage, thinking, and connection messages")
		jsonOut     = flag.Bool("json", false, "Output raw JSON chunks (for piping)")
		noColor     = flag.Bool("no-color", false, "Disable colored output")
		timeout     = flag.Duration("timeout", time.Minute, "Per-query timeout")
	)
	flag.Parse()

	opts := &options{
		url:     *url,
		timeout: *timeout,
		verbose: *verbose,
		jsonOut: *jsonOut,
		color:   !*noColor,
	}

	query := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if *interactive && query != "" {
		opts.errorf("cannot specify a query in interactive mode")
		return 1
	}
	if !*interactive && query == "" {
		*interactive = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := connect(ctx, opts)
	if err != nil {
		opts.errorf("%v", err)
		return 1
	}
	defer client.Close()

	if *interactive {
		return repl(ctx, client, opts)
	}
	if _, ok := runQuery(ctx, client, opts, query); !ok {
		return 1
	}
	return 0
}

// connect dials the gateway and consumes the mandatory connected frame.
func connect(ctx context.Context, opts *options) (*wsclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := wsclient.Dial(dialCtx, opts.url)
	if err != nil {
		return nil, fmt.Errorf("connection to %s failed: %w", opts.url, err)
	}

	chunk, err := client.WaitForType(models.ChunkConnected, 5*time.Second)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("no connected frame from server: %w", err)
	}
	if opts.verbose {
		opts.status(chunk.Content, colorCyan)
	}
	return client, nil
}

// runQuery submits one prompt and streams the response until the terminal
// chunk. Returns the full text and whether the turn succeeded.
func runQuery(ctx context.Context, client *wsclient.Client, opts *options, query string) (string, bool) {
	if err := client.SendPrompt(query); err != nil {
		opts.errorf("send failed: %v", err)
		return "", false
	}
	return stream(ctx, client, opts)
}

// stream consumes chunks until a terminal one arrives.
func stream(ctx context.Context, client *wsclient.Client, opts *options) (string, bool) {
	turnCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var full strings.Builder
	success := true
	for {
		chunk, err := client.Next(turnCtx)
		if err != nil {
			opts.errorf("connection lost: %v", err)
			return full.String(), false
		}

		if opts.jsonOut {
			if data, err := json.Marshal(chunk); err == nil {
				fmt.Println(string(data))
			}
			if chunk.Terminal() {
				return full.String(), chunk.Type != models.ChunkError
			}
			continue
		}

		switch chunk.Type {
		case models.ChunkText:
			if chunk.Content != "" {
				fmt.Print(chunk.Content)
				full.WriteString(chunk.Content)
			}
		case models.ChunkToolUse:
			if opts.verbose {
				fmt.Println(opts.colored("\n[Using tool: "+chunk.Content+"]", colorBlue))
			}
		case models.ChunkThinking:
			if opts.verbose {
				fmt.Println(opts.colored("\n[Thinking...]", colorDim))
			}
		case models.ChunkToolResult:
			if opts.verbose {
				preview := chunk.Content
				if len(preview) > 100 {
					preview = preview[:100] + "..."
				}
				fmt.Println(opts.colored("\n[Tool result: "+preview+"]", colorDim))
			}
		case models.ChunkError:
			detail := ""
			if d, ok := chunk.Metadata["detail"].(string); ok {
				detail = ": " + d
			}
			opts.errorf("%s%s", chunk.Content, detail)
			success = false
		case models.ChunkResetComplete:
			opts.status("Conversation reset.", colorGreen)
		case models.ChunkModelChanged:
			opts.status("Model changed to "+chunk.Content+".", colorGreen)
		}

		if chunk.Terminal() {
			if full.Len() > 0 {
				fmt.Println()
			}
			return full.String(), success
		}
	}
}

func repl(ctx context.Context, client *wsclient.Client, opts *options) int {
	opts.status("Connected! Type a query, /help for commands, or 'exit' to quit.", colorGreen)
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(opts.colored("netbox> ", colorGreen))
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "exit" || line == "quit" || line == "q":
			opts.status("Goodbye!", colorCyan)
			return 0
		case line == "/help":
			printHelp(opts)
		case line == "/reset":
			if err := client.SendReset(); err != nil {
				opts.errorf("reset failed: %v", err)
				return 1
			}
			stream(ctx, client, opts)
		case strings.HasPrefix(line, "/model"):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/model"))
			if id == "" {
				opts.errorf("usage: /model <id>")
				continue
			}
			if err := client.SendModelChange(id); err != nil {
				opts.errorf("model change failed: %v", err)
				return 1
			}
			stream(ctx, client, opts)
		case strings.HasPrefix(line, "/"):
			opts.errorf("unknown command %q; try /help", line)
		default:
			runQuery(ctx, client, opts, line)
			fmt.Println()
		}
	}

	opts.status("Goodbye!", colorCyan)
	return 0
}

func printHelp(opts *options) {
	opts.status("Commands:", colorYellow)
	fmt.Println("  /reset        clear the conversation")
	fmt.Println("  /model <id>   switch model (see GET /models for ids)")
	fmt.Println("  /help         show this help")
	fmt.Println("  exit          quit")
}
