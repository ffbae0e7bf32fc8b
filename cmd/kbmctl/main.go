package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kbmctl",
	Short: "Key backup management CLI",
	Long:  "A CLI for managing PIV tokens, recovery configurations and transitions.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(pivtokenCmd())
	rootCmd.AddCommand(recoveryConfigCmd())
	rootCmd.AddCommand(transitionCmd())
}

// --- pivtoken ---

func pivtokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pivtoken", Short: "Manage PIV tokens"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List PIV tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cn, _ := cmd.Flags().GetString("cn-uuid")
			path := "/pivtokens"
			if cn != "" {
				path += "?cn_uuid=" + cn
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	listCmd.Flags().String("cn-uuid", "", "Filter by compute node UUID")

	getCmd := &cobra.Command{
		Use:   "get <guid>",
		Short: "Get one PIV token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/pivtokens/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Create a PIV token from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			var body map[string]any
			if err := jsonUnmarshal(data, &body); err != nil {
				printError(err.Error())
				return nil
			}
			client := newClient()
			result, err := client.post("/pivtokens", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <guid> cn_uuid=<uuid>",
		Short: "Move a PIV token to another compute node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, v, ok := strings.Cut(args[1], "=")
			if !ok {
				return fmt.Errorf("invalid key=value pair: %s", args[1])
			}
			etag, _ := cmd.Flags().GetString("etag")
			client := newClient()
			result, err := client.put("/pivtokens/"+args[0], etag, map[string]any{k: v})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	updateCmd.Flags().String("etag", "", "Expected etag (If-Match)")

	deleteCmd := &cobra.Command{
		Use:   "delete <guid>",
		Short: "Delete a PIV token and its recovery tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			etag, _ := cmd.Flags().GetString("etag")
			client := newClient()
			if err := client.delete("/pivtokens/"+args[0], etag); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! PIV token deleted.")
			return nil
		},
	}
	deleteCmd.Flags().String("etag", "", "Expected etag (If-Match)")

	historyCmd := &cobra.Command{
		Use:   "history <guid>",
		Short: "Show archived states of a PIV token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/pivtokens/" + args[0] + "/history")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, createCmd, updateCmd, deleteCmd, historyCmd)
	return cmd
}

// --- recovery-config ---

func recoveryConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "recovery-config", Short: "Manage recovery configurations"}

	createCmd := &cobra.Command{
		Use:   "create <template-file>",
		Short: "Create a recovery configuration from an eBox template file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			client := newClient()
			result, err := client.post("/recovery-configurations",
				map[string]any{"template": string(data)})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recovery configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, _ := cmd.Flags().GetString("state")
			path := "/recovery-configurations"
			if state != "" {
				path += "?state=" + state
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	listCmd.Flags().String("state", "", "Filter by lifecycle state: created, staged, active, expired")

	getCmd := &cobra.Command{
		Use:   "get <uuid>",
		Short: "Get one recovery configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/recovery-configurations/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <uuid>",
		Short: "Delete a recovery configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			etag, _ := cmd.Flags().GetString("etag")
			client := newClient()
			if err := client.delete("/recovery-configurations/"+args[0], etag); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Recovery configuration deleted.")
			return nil
		},
	}
	deleteCmd.Flags().String("etag", "", "Expected etag (If-Match)")

	reactivateCmd := &cobra.Command{
		Use:   "reactivate <uuid>",
		Short: "Reset an expired configuration back to new",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/recovery-configurations/"+args[0]+"/reactivate", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, getCmd, deleteCmd, reactivateCmd)
	for _, action := range []string{"stage", "unstage", "activate", "deactivate"} {
		cmd.AddCommand(actionCmd(action))
	}
	return cmd
}

// actionCmd builds the per-transition subcommand (stage, unstage,
// activate, deactivate).
func actionCmd(action string) *cobra.Command {
	c := &cobra.Command{
		Use:   action + " <uuid>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a recovery configuration across target nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, _ := cmd.Flags().GetStringSlice("targets")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			client := newClient()
			result, err := client.post("/recovery-configurations/"+args[0]+"/"+action,
				map[string]any{"targets": targets, "concurrency": concurrency})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	c.Flags().StringSlice("targets", nil, "Target compute node UUIDs")
	c.Flags().Int("concurrency", 0, "Max in-flight per-target operations (default 10)")
	return c
}

// --- transition ---

func transitionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "transition", Short: "Watch and control transitions"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgUUID, _ := cmd.Flags().GetString("config")
			path := "/transitions"
			if cfgUUID != "" {
				path += "?recovery_config_uuid=" + cfgUUID
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	listCmd.Flags().String("config", "", "Filter by recovery configuration UUID")

	getCmd := &cobra.Command{
		Use:   "get <uuid>",
		Short: "Show transition progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/transitions/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	abortCmd := &cobra.Command{
		Use:   "abort <uuid>",
		Short: "Abort a running transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/transitions/"+args[0]+"/abort", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, abortCmd)
	return cmd
}
