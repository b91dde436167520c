package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var kernelURL string

func main() {
	root := &cobra.Command{
		Use:   "aether",
		Short: "aether kernel client",
		Long:  "Talks to a running aetherd over its WebSocket command channel.",
	}
	root.PersistentFlags().StringVar(&kernelURL, "kernel", "http://127.0.0.1:7200", "kernel URL")

	root.AddCommand(
		loginCmd(),
		spawnCmd(),
		psCmd(),
		infoCmd(),
		logsCmd(),
		killCmd(),
		signalCmd(),
		fsCmd(),
		cronCmd(),
		memoryCmd(),
		snapshotCmd(),
		watchCmd(),
		statusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run dials, optionally authenticates, and hands the connection to fn.
func run(auth bool, fn func(ctx context.Context, c *client) error) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	c, err := dial(ctx, kernelURL)
	if err != nil {
		return err
	}
	defer c.close()

	if auth {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, c)
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <username>",
		Short: "Authenticate and save a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "password: ")
			pw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return err
			}
			return run(false, func(ctx context.Context, c *client) error {
				data, err := c.call(ctx, "auth.login", map[string]any{
					"username": args[0],
					"password": string(pw),
				})
				if err != nil {
					return err
				}
				token, _ := data["token"].(string)
				if err := saveToken(token); err != nil {
					return fmt.Errorf("save token: %w", err)
				}
				fmt.Printf("logged in as %s\n", args[0])
				return nil
			})
		},
	}
}

func spawnCmd() *cobra.Command {
	var role, goal, name string
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn an agent process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true, func(ctx context.Context, c *client) error {
				data, err := c.call(ctx, "process.spawn", map[string]any{
					"name":   name,
					"config": map[string]any{"role": role, "goal": goal},
				})
				if err != nil {
					return err
				}
				fmt.Printf("spawned pid %v (%v)\n", data["pid"], data["uid"])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "agent", "process name")
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	cmd.Flags().StringVar(&goal, "goal", "", "agent goal")
	return cmd
}

func psCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true, func(ctx context.Context, c *client) error {
				data, err := c.call(ctx, "process.list", nil)
				if err != nil {
					return err
				}
				procs, _ := data["processes"].([]any)
				fmt.Printf("%-6s %-12s %-10s %-8s %s\n", "PID", "UID", "STATE", "PHASE", "NAME")
				for _, p := range procs {
					m := p.(map[string]any)
					fmt.Printf("%-6v %-12v %-10v %-8v %v\n",
						m["pid"], m["uid"], m["state"], m["phase"], m["name"])
				}
				return nil
			})
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <pid>",
		Short: "Show one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad pid %q", args[0])
			}
			return run(true, func(ctx context.Context, c *client) error {
				data, err := c.call(ctx, "process.info", map[string]any{"pid": pid})
				if err != nil {
					return err
				}
				printJSON(data)
				return nil
			})
		},
	}
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <pid>",
		Short: "Show a process's log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad pid %q", args[0])
			}
			return run(true, func(ctx context.Context, c *client) error {
				data, err := c.call(ctx, "process.logs", map[string]any{"pid": pid})
				if err != nil {
					return err
				}
				lines, _ := data["logs"].([]any)
				for _, l := range lines {
					m := l.(map[string]any)
					fmt.Printf("%v [%v] %v\n", m["at"], m["level"], m["message"])
				}
				return nil
			})
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <pid>",
		Short: "Kill a process (SIGKILL)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad pid %q", args[0])
			}
			return run(true, func(ctx context.Context, c *client) error {
				if _, err := c.call(ctx, "process.kill", map[string]any{"pid": pid}); err != nil {
					return err
				}
				fmt.Printf("killed %d\n", pid)
				return nil
			})
		},
	}
}

func signalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <pid> <SIGTERM|SIGSTOP|SIGCONT|SIGKILL|SIGUSR1|SIGUSR2>",
		Short: "Send a signal to a process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad pid %q", args[0])
			}
			return run(true, func(ctx context.Context, c *client) error {
				_, err := c.call(ctx, "process.signal", map[string]any{
					"pid": pid, "signal": args[1],
				})
				return err
			})
		},
	}
}

func fsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fs",
		Short: "Virtual filesystem operations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "read <path>",
			Short: "Print a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(true, func(ctx context.Context, c *client) error {
					data, err := c.call(ctx, "fs.read", map[string]any{"path": args[0]})
					if err != nil {
						return err
					}
					fmt.Print(data["content"])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "write <path> <content>",
			Short: "Write a file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(true, func(ctx context.Context, c *client) error {
					_, err := c.call(ctx, "fs.write", map[string]any{
						"path": args[0], "content": args[1],
					})
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "ls <path>",
			Short: "List a directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(true, func(ctx context.Context, c *client) error {
					data, err := c.call(ctx, "fs.ls", map[string]any{"path": args[0]})
					if err != nil {
						return err
					}
					entries, _ := data["entries"].([]any)
					for _, e := range entries {
						m := e.(map[string]any)
						name, _ := m["name"].(string)
						if m["type"] == "directory" {
							name += "/"
						}
						fmt.Println(name)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Scheduled jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true, func(ctx context.Context, c *client) error {
				data, err := c.call(ctx, "cron.list", nil)
				if err != nil {
					return err
				}
				printJSON(data["jobs"])
				return nil
			})
		},
	})
	return cmd
}

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Agent memory",
	}
	var agentID, layer string
	recall := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search an agent's memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true, func(ctx context.Context, c *client) error {
				params := map[string]any{"agentId": agentID, "query": args[0]}
				if layer != "" {
					params["layer"] = layer
				}
				data, err := c.call(ctx, "memory.recall", params)
				if err != nil {
					return err
				}
				printJSON(data["memories"])
				return nil
			})
		},
	}
	recall.Flags().StringVar(&agentID, "agent", "", "agent uid")
	recall.Flags().StringVar(&layer, "layer", "", "memory layer")
	recall.MarkFlagRequired("agent")
	cmd.AddCommand(recall)
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Process snapshots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true, func(ctx context.Context, c *client) error {
				data, err := c.call(ctx, "snapshot.list", nil)
				if err != nil {
					return err
				}
				printJSON(data["snapshots"])
				return nil
			})
		},
	})
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [pattern...]",
		Short: "Stream kernel events (default pattern: *)",
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns := args
			if len(patterns) == 0 {
				patterns = []string{"*"}
			}
			return run(true, func(ctx context.Context, c *client) error {
				if _, err := c.call(ctx, "subscribe", map[string]any{"events": patterns}); err != nil {
					return err
				}
				for {
					_, raw, err := c.conn.Read(ctx)
					if err != nil {
						return err
					}
					if len(raw) == 0 || raw[0] != '[' {
						continue
					}
					var batch []map[string]any
					if err := json.Unmarshal(raw, &batch); err != nil {
						continue
					}
					for _, evt := range batch {
						line, _ := json.Marshal(evt)
						fmt.Println(string(line))
					}
				}
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Kernel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(true, func(ctx context.Context, c *client) error {
				data, err := c.call(ctx, "kernel.info", nil)
				if err != nil {
					return err
				}
				printJSON(data)
				return nil
			})
		},
	}
}
