package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moored/moor/pkg/config"
	"github.com/moored/moor/pkg/log"
	"github.com/moored/moor/pkg/metrics"
	"github.com/moored/moor/pkg/orchestrator"
	"github.com/moored/moor/pkg/store"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a repository to a remote host",
	Long: `Deploy fetches the repository, provisions the target host over SSH,
builds the container image on it, swaps the new release in, and routes
the reverse proxy to it.

Parameters merge in precedence order: config file, MOOR_* environment
variables, then flags. The repository credential should arrive via
MOOR_CREDENTIAL rather than a flag so it never lands in shell history.

The exit code identifies the failed stage so calling automation can
branch on cause (10 connectivity, 11 fetch, 12 provision, 13 transfer,
14 build, 15 release, 16 proxy, 17 verify, 18 deployment in progress).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		st, err := store.Open(cfg.DataDir)
		if err != nil {
			// History is an aid, not a precondition
			log.Errorf("run history unavailable", err)
			st = nil
		} else {
			defer st.Close()
		}

		if cfg.MetricsAddr != "" {
			go func() {
				if err := metrics.Serve(cfg.MetricsAddr); err != nil {
					log.Errorf("metrics listener failed", err)
				}
			}()
		}

		// Cancellation lands between stages, never mid-command
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rep := orchestrator.New(cfg, st).Deploy(ctx)
		if rep.Err != nil {
			fmt.Fprintf(os.Stderr, "Deployment failed at stage %s: %v\n", rep.FailedStage, rep.Err)
			if rep.PreviousLive {
				fmt.Fprintln(os.Stderr, "The previous release is still serving.")
			}
			if st != nil {
				st.Close()
			}
			os.Exit(rep.ExitCode)
		}

		fmt.Printf("✓ Deployed %s\n", cfg.Request.RepositoryURL)
		fmt.Printf("  Run ID:   %s\n", rep.RunID)
		fmt.Printf("  Endpoint: %s\n", rep.Endpoint)
		return nil
	},
}

// resolveConfig merges the file, environment, and flag layers into a
// validated configuration.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	// Flags win over file and environment, but only when set
	overlay := map[string]*string{
		"repo":        &cfg.Request.RepositoryURL,
		"branch":      &cfg.Request.Branch,
		"host":        &cfg.Request.TargetHost,
		"user":        &cfg.Request.TargetUser,
		"key":         &cfg.Request.AuthKeyPath,
		"server-name": &cfg.Request.ServerName,
		"remote-dir":  &cfg.Request.RemoteDir,
		"credential":  &cfg.Request.Credential,
	}
	for name, dst := range overlay {
		if cmd.Flags().Changed(name) {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
	if cmd.Flags().Changed("port") {
		cfg.Request.ContainerPort, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if cmd.Flags().Changed("verify-external") {
		cfg.VerifyExternal, _ = cmd.Flags().GetBool("verify-external")
	}
	if cmd.Flags().Changed("keep-tree") {
		cfg.KeepTree, _ = cmd.Flags().GetBool("keep-tree")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	}

	if err := cfg.Finalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func init() {
	deployCmd.Flags().StringP("config", "f", "", "Path to deployment config file (YAML)")
	deployCmd.Flags().String("repo", "", "Repository URL to deploy")
	deployCmd.Flags().String("branch", "", "Branch to deploy (default: main)")
	deployCmd.Flags().String("credential", "", "Repository access token (prefer MOOR_CREDENTIAL)")
	deployCmd.Flags().String("host", "", "Target host address")
	deployCmd.Flags().String("user", "", "SSH user on the target")
	deployCmd.Flags().String("key", "", "Path to the SSH private key")
	deployCmd.Flags().Int("port", 0, "Host port the container publishes")
	deployCmd.Flags().String("server-name", "", "Proxy server name (default: target host)")
	deployCmd.Flags().String("remote-dir", "", "Application directory on the target (default: app)")
	deployCmd.Flags().Bool("keep-tree", true, "Keep the local working tree for faster re-deploys")
	deployCmd.Flags().Bool("verify-external", false, "Also probe the endpoint from this machine after deploying")
	deployCmd.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address during the run")
	deployCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	deployCmd.Flags().Bool("log-json", false, "Emit JSON logs instead of console output")
}
