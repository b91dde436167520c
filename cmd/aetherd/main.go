package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aetherhq/aether/internal/config"
	"github.com/aetherhq/aether/internal/kernel"
)

var version = "dev"

func main() {
	var (
		configPath string
		listen     string
		root       string
		role       string
		hubURL     string
	)

	cmd := &cobra.Command{
		Use:     "aetherd",
		Short:   "aether agent kernel",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Flags beat both file and environment.
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("root") {
				cfg.Root = root
			}
			if cmd.Flags().Changed("role") {
				cfg.ClusterRole = role
			}
			if cmd.Flags().Changed("hub") {
				cfg.HubURL = hubURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return kernel.Run(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7200", "HTTP/WS bind address")
	cmd.Flags().StringVar(&root, "root", "/tmp/aether", "virtual filesystem root")
	cmd.Flags().StringVar(&role, "role", "standalone", "cluster role: standalone, hub or node")
	cmd.Flags().StringVar(&hubURL, "hub", "", "hub URL (node role)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
