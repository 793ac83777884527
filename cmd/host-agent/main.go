package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "host-agent",
	Short:         "Host agent that coordinates tasks on remote agent services",
	Long:          `host-agent forwards user turns to remote agent services, keeps one task handle per conversation and remote, and attaches a fresh identity token to every call.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.AddCommand(serveCmd, chatCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
