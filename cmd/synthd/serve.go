package main

import (
	"encoding/json"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"synthd/internal/config"
	"synthd/internal/httpapi"
	"synthd/internal/jobs"
	"synthd/internal/progress"
	"synthd/pkg/types"
)

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job-control HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			cfg := config.Defaults()
			if *configPath != "" {
				var err error
				if cfg, err = config.Load(*configPath); err != nil {
					return err
				}
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			var prog progress.Store
			if cfg.Redis.Addr != "" {
				client := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				prog = progress.NewRedisStore(client)
			} else {
				log.Warn().Msg("redis not configured, round progress held in memory only")
				prog = progress.NewMemStore()
			}

			mgr := jobs.NewManager(runCommand(*configPath), log)
			httpapi.SetLogger(log)
			httpapi.SetMaxBodyBytes(cfg.Server.MaxBodyBytes)
			if len(cfg.Server.CORSOrigins) > 0 {
				httpapi.SetCORSOptions(true, cfg.Server.CORSOrigins,
					[]string{"GET", "POST", "DELETE", "OPTIONS"},
					[]string{"Accept", "Content-Type"})
			}
			mux := httpapi.NewMux(mgr, prog)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("addr", cfg.Server.Addr).Msg("synthd listening")
			return httpapi.Serve(ctx, cfg.Server.Addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envDefault("SYNTHD_ADDR", ""),
		"HTTP listen address, overrides config")
	return cmd
}

// runCommand builds the job subprocess: this same binary, run subcommand,
// parameters passed as JSON.
func runCommand(configPath string) jobs.CommandFunc {
	return func(jobID string, params types.JobParams) *exec.Cmd {
		bin, err := os.Executable()
		if err != nil {
			bin = "synthd"
		}
		b, _ := json.Marshal(params)
		args := []string{"run", "--job-id", jobID, "--params", string(b)}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		return exec.Command(bin, args...)
	}
}
