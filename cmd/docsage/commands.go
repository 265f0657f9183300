package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docsage/docsage/cmd/docsage/tui"
	"github.com/docsage/docsage/engine/ingest"
	"github.com/docsage/docsage/engine/llm"
	"github.com/docsage/docsage/pkg/metrics"
	"github.com/docsage/docsage/pkg/natsutil"
	"github.com/fatih/color"
	"github.com/k0kubun/pp"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	okText   = color.New(color.FgGreen).SprintFunc()
	failText = color.New(color.FgRed).SprintFunc()
	keyText  = color.New(color.FgCyan).SprintFunc()
	warnText = color.New(color.FgYellow).SprintFunc()
)

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, log, err := c.open(ctx, os.Stdout, "json")
			if err != nil {
				return err
			}
			defer a.Close()

			if c.cfg.NATS.Consume {
				if a.nc == nil {
					return errors.New("nats.consume requires nats.url")
				}
				sub, err := ingest.StartConsumer(a.nc, a.pipeline)
				if err != nil {
					return err
				}
				defer sub.Unsubscribe()
				log.Info("consuming ingest requests", "subject", ingest.SubjectIngest, "queue", ingest.QueueGroup)
			}

			go metrics.CollectRuntime(ctx, a.reg, metricPrefix, 15*time.Second)

			s := newServer(a)
			return s.serve(ctx, ":"+strconv.Itoa(c.cfg.Server.Port), s.handler(a.tel.request))
		},
	}
	cmd.Flags().Int("port", 0, "listen port")
	return cmd
}

func (c *cli) ingestCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Build the index from PDF or text files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			a, _, err := c.open(ctx, cmd.ErrOrStderr(), "text")
			if err != nil {
				return err
			}
			defer a.Close()

			req := a.defaultRequest(args)
			var res *ingest.Result
			if remote {
				if a.nc == nil {
					return errors.New("--remote requires nats.url")
				}
				res, err = ingest.Remote(ctx, a.nc, req)
			} else {
				res, err = a.Ingest(ctx, req)
			}
			if err != nil {
				fmt.Fprintf(out, "%s %v\n", failText("FAILED"), err)
				return err
			}
			printResult(out, res)
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&remote, "remote", false, "hand the request to a serving process over NATS")
	f.Int("chunk-size", 0, "chunk size in characters")
	f.Int("chunk-overlap", 0, "chunk overlap in characters")
	f.String("embedding-model", "", "embedding model")
	f.String("strategy", "", "load strategy (all-or-nothing or best-effort)")
	f.String("backend", "", "index backend (exact, hnsw, qdrant)")
	return cmd
}

// flagKeys maps command flags onto config keys. Several commands share a flag
// name, so binding happens for the executing command only.
var flagKeys = map[string]string{
	"port":            "server.port",
	"chunk-size":      "ingest.chunk_size",
	"chunk-overlap":   "ingest.chunk_overlap",
	"embedding-model": "ingest.embedding_model",
	"strategy":        "ingest.strategy",
	"backend":         "ingest.backend",
}

func (c *cli) bindFlags(cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		if fl := cmd.Flags().Lookup(flag); fl != nil {
			if err := c.v.BindPFlag(key, fl); err != nil {
				return err
			}
		}
	}
	return nil
}

func printResult(w io.Writer, res *ingest.Result) {
	fmt.Fprintf(w, "%s index v%d: %d chunks from %d documents (%s, %s, dim %d) in %s\n",
		okText("OK"), res.Info.Version, res.Info.Chunks, res.Info.Documents,
		res.Info.EmbeddingModel, res.Info.Backend, res.Info.Dimension, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "%s %s\n", keyText("run"), res.RunID)
	for _, s := range res.Skipped {
		fmt.Fprintf(w, "%s %s: %s\n", warnText("skipped"), s.Path, s.Error)
	}
}

// loadFor ingests files before an interactive command. A process-local index
// starts empty, so ask and chat need their documents up front.
func (c *cli) loadFor(ctx context.Context, a *app, files []string, w io.Writer) (string, error) {
	if len(files) == 0 {
		return "", errors.New("--files is required")
	}
	res, err := a.Ingest(ctx, a.defaultRequest(files))
	if err != nil {
		return "", err
	}
	printResult(w, res)
	return fmt.Sprintf("%d chunks from %d documents, index v%d", res.Info.Chunks, res.Info.Documents, res.Info.Version), nil
}

func (c *cli) askCmd() *cobra.Command {
	var (
		files        []string
		model        string
		retrieveOnly bool
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Answer one question about the given files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			a, _, err := c.open(ctx, cmd.ErrOrStderr(), "text")
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := c.loadFor(ctx, a, files, cmd.ErrOrStderr()); err != nil {
				return err
			}
			question := strings.Join(args, " ")

			if retrieveOnly {
				hits, err := a.rag.Retrieve(ctx, question, a.rag.Options().TopK)
				if err != nil {
					return err
				}
				if asJSON {
					return writeIndented(out, hits)
				}
				for i, h := range hits {
					fmt.Fprintf(out, "%s %.3f %s p.%d\n%s\n\n", keyText(fmt.Sprintf("#%d", i+1)), h.Score,
						h.Chunk.SourceOrUnknown(), h.Chunk.Page, h.Chunk.Text)
				}
				return nil
			}

			if model == "" {
				model = c.cfg.Query.Model
			}
			ans, err := a.Answer(ctx, question, model)
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndented(out, ans)
			}
			fmt.Fprintln(out, ans.Text)
			if len(ans.Sources) > 0 {
				fmt.Fprintf(out, "\n%s %s\n", keyText("sources:"), strings.Join(ans.Sources, ", "))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&files, "files", "f", nil, "files to index before answering")
	f.StringVarP(&model, "model", "m", "", "generation model (default query.model)")
	f.BoolVar(&retrieveOnly, "retrieve-only", false, "print the retrieved chunks without generating")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	f.Int("chunk-size", 0, "chunk size in characters")
	f.Int("chunk-overlap", 0, "chunk overlap in characters")
	f.String("embedding-model", "", "embedding model")
	return cmd
}

func (c *cli) chatCmd() *cobra.Command {
	var (
		files []string
		model string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the given files in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, _, err := c.open(ctx, io.Discard, "text")
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := c.loadFor(ctx, a, files, io.Discard)
			if err != nil {
				return err
			}
			if model == "" {
				model = c.cfg.Query.Model
			}
			if _, err := llm.Resolve(model); err != nil {
				return err
			}
			return tui.Run(ctx, a, model, summary)
		},
	}
	cmd.Flags().StringSliceVarP(&files, "files", "f", nil, "files to index")
	cmd.Flags().StringVarP(&model, "model", "m", "", "generation model (default query.model)")
	return cmd
}

func (c *cli) modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the routable generation models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds := map[llm.Family]string{
				llm.FamilyGroq:        c.cfg.Providers.GroqAPIKey,
				llm.FamilyHuggingFace: c.cfg.Providers.HFToken,
				llm.FamilyOpenRouter:  c.cfg.Providers.OpenRouterAPIKey,
				llm.FamilyGemini:      c.cfg.Providers.GoogleAPIKey,
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tFAMILY\tCREDENTIAL")
			for _, m := range llm.Models() {
				state := okText("set")
				if creds[m.Family] == "" {
					state = failText("missing")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.Family, state)
			}
			return tw.Flush()
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			red := c.cfg.Redacted()
			if pretty {
				_, err := pp.Fprintln(cmd.OutOrStdout(), red)
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(red); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "pretty-print the Go value instead of YAML")
	return cmd
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print index publications from NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.NATS.URL == "" {
				return errors.New("watch requires nats.url")
			}
			nc, err := nats.Connect(c.cfg.NATS.URL, nats.Name("docsage-watch"))
			if err != nil {
				return fmt.Errorf("nats: connect %s: %w", c.cfg.NATS.URL, err)
			}
			defer nc.Close()

			out := cmd.OutOrStdout()
			sub, err := natsutil.Subscribe(nc, ingest.SubjectIndexPublished, func(_ context.Context, ev ingest.IndexPublished) {
				printEvent(out, ev)
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			fmt.Fprintf(out, "watching %s on %s\n", ingest.SubjectIndexPublished, c.cfg.NATS.URL)
			<-cmd.Context().Done()
			return nil
		},
	}
}

func printEvent(w io.Writer, ev ingest.IndexPublished) {
	line := fmt.Sprintf("%s v%d %s chunks=%d docs=%d model=%s backend=%s",
		ev.Info.BuiltAt.Format(time.RFC3339), ev.Info.Version, ev.RunID,
		ev.Info.Chunks, ev.Info.Documents, ev.Info.EmbeddingModel, ev.Info.Backend)
	if ev.Skipped > 0 {
		line += " " + warnText(fmt.Sprintf("skipped=%d", ev.Skipped))
	}
	fmt.Fprintln(w, line)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var _ tui.Asker = (*app)(nil)
