package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agentmesh/cmd/host-agent/internal/biz"
	"agentmesh/cmd/host-agent/internal/conf"
	apperrors "agentmesh/pkg/errors"
	"agentmesh/pkg/protocol"
)

var chatAgents []string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with remote agents from the terminal",
	Long: `Start an interactive conversation. Each line is sent to the agents named with --agent,
or routed by the agents' skills when none is given. Type /reset to start new tasks, /quit to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringSliceVarP(&chatAgents, "agent", "a", nil, "远程智能体名称，可重复")
}

func runChat(cmd *cobra.Command, args []string) error {
	config, err := conf.Load(configFile)
	if err != nil {
		return err
	}

	// 交互模式只输出警告以上的日志，避免干扰对话
	config.Observability.LogLevel = "warn"
	config.Observability.LogFormat = "console"
	logger, err := initLogger(config.Observability)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	hostUc, cleanup, err := newHostUsecase(config, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	for _, name := range chatAgents {
		if _, ok := config.Remote(name); !ok {
			return fmt.Errorf("unknown agent %q, configured agents: %s", name, strings.Join(hostUc.Agents(), ", "))
		}
	}

	conversationID := uuid.New().String()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "conversation %s, agents: %s\n", conversationID, strings.Join(hostUc.Agents(), ", "))

	return chatLoop(cmd, hostUc, conversationID, cmd.InOrStdin(), out)
}

func chatLoop(cmd *cobra.Command, hostUc *biz.HostUsecase, conversationID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := hostUc.Reset(cmd.Context(), conversationID); err != nil {
				fmt.Fprintln(out, "reset failed:", err)
			} else {
				fmt.Fprintln(out, "open tasks cleared")
			}
			continue
		}

		results, err := hostUc.FanOut(cmd.Context(), conversationID, chatAgents, protocol.Message{Role: "user", Text: line})
		if err != nil {
			fmt.Fprintln(out, describeError(err))
			continue
		}
		for _, r := range results {
			printResult(out, r)
		}
	}
}

func printResult(out io.Writer, r biz.TurnResult) {
	if r.Err != nil {
		fmt.Fprintf(out, "[%s] %s\n", r.Agent, describeError(r.Err))
		return
	}
	fmt.Fprintf(out, "[%s %s] %s\n", r.Agent, r.State, r.Result.Text)
}

// describeError 面向终端用户的错误描述
func describeError(err error) string {
	switch {
	case apperrors.IsAuthExpired(err):
		return "credential expired: run `gcloud auth login` and send the message again"
	case apperrors.IsAuthFailed(err):
		return "authentication failed: " + errorDetail(err)
	case apperrors.IsTaskNotFound(err), apperrors.IsTaskClosed(err):
		return "the remote no longer accepts this task, your next message starts a new one"
	case apperrors.Metadata(err)["task_state"] == "failed":
		return "the remote agent failed this task, your next message starts a new one"
	default:
		return "error: " + errorDetail(err)
	}
}

func errorDetail(err error) string {
	if e := kerrors.FromError(err); e != nil && e.Reason != "" {
		return e.Message
	}
	return err.Error()
}
