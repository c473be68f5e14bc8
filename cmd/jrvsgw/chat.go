package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jrvs-ai/gateway/internal/agent"
	"github.com/jrvs-ai/gateway/internal/infra"
)

func buildChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session backed by the planning agent.

Slash commands:
  /mcp-servers                 list configured servers
  /mcp-tools [server]          list tools
  /mcp-call <server> <tool> [json]  call a tool directly
  /model [name]                show or switch the Ollama model
  /report                      print the session activity report
  /save-report                 persist the activity log and report
  /quit                        save activity and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return runChat(a)
		},
	}
}

func runChat(a *app) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.connect(ctx)

	// A signal runs the coordinator; shutdown beginning cancels any
	// in-flight turn, and the signal path exits once cleanup is done
	// since the read loop may still be blocked on stdin.
	sigDone := a.gw.Shutdown().OnSignal(syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-a.gw.Shutdown().Done()
		cancel()
	}()
	go func() {
		<-sigDone
		os.Exit(0)
	}()

	ag := agent.New(agent.Config{
		ToolTimeout:  a.settings.ToolTimeout(),
		SystemPrompt: a.settings.Agent.SystemPrompt,
	}, a.registry, a.llm, nil, a.logger)

	// Activity is flushed first so a stuck connection teardown cannot
	// lose the session record.
	a.gw.Shutdown().RegisterFunc("save-activity", infra.PhasePreShutdown, func(ctx context.Context) error {
		return saveActivity(a, ag)
	})

	fmt.Printf("jrvsgw chat - session %s, model %s (/quit to exit)\n",
		ag.Activity().SessionID(), a.llm.CurrentModel())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := a.handleSlash(ctx, ag, line); quit {
				break
			}
			continue
		}

		result, err := ag.ProcessTurn(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(result.Answer)
	}

	a.shutdown()
	return nil
}

// handleSlash dispatches one slash command; returns true on /quit.
func (a *app) handleSlash(ctx context.Context, ag *agent.Agent, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/mcp-servers":
		for _, s := range a.registry.ListServers() {
			state := "down"
			if s.Ready {
				state = fmt.Sprintf("ready (%d tools)", s.ToolCount)
			}
			fmt.Printf("%-24s %-18s %s\n", s.Name, state, s.Description)
		}

	case "/mcp-tools":
		server := ""
		if len(fields) > 1 {
			server = fields[1]
		}
		catalog, err := a.registry.ListTools(server)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		for _, td := range catalog {
			fmt.Printf("%s.%s\n    %s\n", td.Server, td.Name, td.Description)
		}

	case "/mcp-call":
		if len(fields) < 3 {
			fmt.Println("usage: /mcp-call <server> <tool> [json-args]")
			break
		}
		var toolArgs map[string]any
		if len(fields) > 3 {
			raw := strings.Join(fields[3:], " ")
			if err := json.Unmarshal([]byte(raw), &toolArgs); err != nil {
				fmt.Printf("bad arguments: %v\n", err)
				break
			}
		}
		result, err := a.registry.CallTool(ctx, fields[1], fields[2], toolArgs, 60*time.Second)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Println(result.Text())

	case "/model":
		if len(fields) == 1 {
			fmt.Println(a.llm.CurrentModel())
			break
		}
		name, err := a.llm.SwitchModel(ctx, fields[1])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			break
		}
		fmt.Printf("switched to %s\n", name)

	case "/report":
		fmt.Print(ag.Activity().Report())

	case "/save-report":
		if err := saveActivity(a, ag); err != nil {
			fmt.Printf("error: %v\n", err)
		}

	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}

func saveActivity(a *app, ag *agent.Agent) error {
	if len(ag.Activity().Actions()) == 0 {
		return nil
	}
	dir := a.settings.Agent.ActivityDir

	jsonPath, err := ag.Activity().SaveJSON(dir)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	reportPath, err := ag.Activity().SaveReport(dir)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	fmt.Printf("saved %s and %s\n", jsonPath, reportPath)
	return nil
}
