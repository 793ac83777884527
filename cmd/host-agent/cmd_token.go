package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agentmesh/cmd/host-agent/internal/conf"
	"agentmesh/pkg/identity"
)

var (
	tokenAudience string
	tokenAgent    string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an identity token for a remote agent",
	Long:  `Fetch a fresh identity token with the configured credential source and print it. Use --agent to take the audience from a configured remote.`,
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenAudience, "audience", "", "令牌受众 URL")
	tokenCmd.Flags().StringVar(&tokenAgent, "agent", "", "远程智能体名称，受众取其配置")
}

func runToken(cmd *cobra.Command, args []string) error {
	config, err := conf.Load(configFile)
	if err != nil {
		return err
	}

	audience := tokenAudience
	if tokenAgent != "" {
		remote, ok := config.Remote(tokenAgent)
		if !ok {
			return fmt.Errorf("unknown agent %q", tokenAgent)
		}
		audience = remote.Audience
		if audience == "" {
			audience = remote.URL
		}
	}
	if audience == "" {
		return errors.New("one of --audience or --agent is required")
	}

	tokens, err := identity.New(config.Identity, zap.NewNop())
	if err != nil {
		return err
	}

	tok, err := tokens.Token(cmd.Context(), audience)
	switch {
	case errors.Is(err, identity.ErrAuthExpired):
		return fmt.Errorf("credential expired: run `gcloud auth login` and retry: %w", err)
	case err != nil:
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
	return nil
}
