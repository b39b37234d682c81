package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	mcp "github.com/MegaGrindStone/mcp-duplex"
	"github.com/rs/zerolog/log"
)

// consoleProvider answers elicitations by asking on the terminal. An empty line declines and
// "!cancel" dismisses the question.
type consoleProvider struct {
	out   io.Writer
	lines chan string
}

// branches is what the demo client suggests for any argument.
var branches = []string{"main", "develop", "feature/elicitation", "feature/completion", "release/1.0"}

func newConsoleProvider(in io.Reader, out io.Writer) *consoleProvider {
	p := &consoleProvider{
		out:   out,
		lines: make(chan string),
	}
	go func() {
		defer close(p.lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
	}()
	return p
}

func (p *consoleProvider) Elicit(ctx context.Context, params mcp.ElicitParams) (mcp.ElicitResult, error) {
	fmt.Fprintf(p.out, "\n[server asks] %s\n> ", params.Message)

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out, "(question withdrawn)")
		return mcp.ElicitResult{}, ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return mcp.ElicitResult{Action: mcp.ElicitActionCancel}, nil
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			return mcp.ElicitResult{Action: mcp.ElicitActionDecline}, nil
		case "!cancel":
			return mcp.ElicitResult{Action: mcp.ElicitActionCancel}, nil
		default:
			return mcp.ElicitResult{
				Action:  mcp.ElicitActionAccept,
				Content: map[string]any{"value": line},
			}, nil
		}
	}
}

func completeBranch(_ context.Context, req mcp.CompletionRequest) (mcp.Completions, error) {
	values := slices.DeleteFunc(slices.Clone(branches), func(b string) bool {
		return !strings.HasPrefix(b, req.CurrentValue)
	})
	total := len(values)
	hasMore := false
	return mcp.Completions{Values: values, Total: &total, HasMore: &hasMore}, nil
}

type progressPrinter struct{}

func (progressPrinter) OnProgress(params mcp.ProgressParams) {
	log.Debug().
		Str("token", params.ProgressToken.String()).
		Float64("progress", params.Progress).
		Float64("total", params.Total).
		Msg("Tool progress")
}

// runClient connects, lists the tools, and calls each of them once.
func runClient(ctx context.Context, cli *mcp.Client, out io.Writer) error {
	if err := cli.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer cli.Close()

	ts, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	for _, t := range ts.Tools {
		fmt.Fprintf(out, "tool %s: %s\n", t.Name, t.Description)
	}

	calls := []mcp.CallToolParams{
		{
			Name:      "ask_user",
			Arguments: []byte(`{"question":"What should the new branch be called?"}`),
			Meta:      mcp.ParamsMeta{ProgressToken: mcp.NewStringID("ask-1")},
		},
		{
			Name:      "suggest",
			Arguments: []byte(`{"argument":"branch","prefix":"feature/"}`),
		},
	}
	for _, call := range calls {
		res, err := cli.CallTool(ctx, call)
		if err != nil {
			return fmt.Errorf("failed to call %s: %w", call.Name, err)
		}
		for _, c := range res.Content {
			fmt.Fprintf(out, "[%s] %s\n", call.Name, c.Text)
		}
	}
	return nil
}
