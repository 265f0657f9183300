// Command docsage indexes PDF and text documents and answers questions about
// them with retrieval-augmented generation.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries flags and the loaded config across subcommands.
type cli struct {
	cfgFile string
	envFile string

	v   *viper.Viper
	cfg Config
}

func newRootCmd() *cobra.Command {
	c := &cli{v: newViper()}
	root := &cobra.Command{
		Use:           "docsage",
		Short:         "docsage: chat with your PDFs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(c.envFile); err != nil {
				return err
			}
			if err := c.bindFlags(cmd); err != nil {
				return err
			}
			cfg, err := loadConfig(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.cfgFile, "config", "c", "", "config file (YAML)")
	pf.StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (json or text)")
	_ = c.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = c.v.BindPFlag("log.format", pf.Lookup("log-format"))

	root.AddCommand(
		c.serveCmd(),
		c.ingestCmd(),
		c.askCmd(),
		c.chatCmd(),
		c.modelsCmd(),
		c.configCmd(),
		c.watchCmd(),
	)
	return root
}

// open wires the core for one command, logging to w.
func (c *cli) open(ctx context.Context, w io.Writer, defFormat string) (*app, *slog.Logger, error) {
	log := newLogger(w, c.cfg.Log, defFormat)
	a, err := newApp(ctx, c.cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stderrLogger(LogConfig{Level: "error"}).Error("docsage failed", "err", err)
		stop()
		os.Exit(1)
	}
}
