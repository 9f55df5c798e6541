// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/poiesic/neurosim"
	"github.com/poiesic/neurosim/config"
	"github.com/poiesic/neurosim/encryption"
	"github.com/poiesic/neurosim/reembed"
	"github.com/poiesic/neurosim/server"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// newApp builds the CLI. serviceOpts are passed to every service the commands open.
func newApp(serviceOpts ...neurosim.Option) *cli.App {
	userFlag := &cli.StringFlag{
		Name:     "user",
		Aliases:  []string{"u"},
		Usage:    "User id that owns the data",
		Required: true,
	}
	withService := func(fn func(c *cli.Context, svc *neurosim.Service, cfg *config.Config) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			svc, err := neurosim.NewService(cfg, serviceOpts...)
			if err != nil {
				return fmt.Errorf("failed to start service: %w", err)
			}
			defer svc.Close()
			return fn(c, svc, cfg)
		}
	}

	return &cli.App{
		Name:  "neurosim",
		Usage: "Private digital-double chat over your own notes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Load variables from these files (default .env)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error); overrides the config file",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: withService(serveCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Listen address (overrides server.addr)",
					},
				},
			},
			{
				Name:      "ingest",
				Usage:     "Upload text or markdown files for a user and wait for ingestion",
				ArgsUsage: "FILE...",
				Action:    withService(ingestCommand),
				Flags:     []cli.Flag{userFlag},
			},
			{
				Name:      "chat",
				Usage:     "Ask a question and get the answer the user would give",
				ArgsUsage: "QUESTION",
				Action:    withService(chatCommand),
				Flags:     []cli.Flag{userFlag},
			},
			{
				Name:   "delete-user",
				Usage:  "Permanently delete every chunk and queued upload of a user",
				Action: withService(deleteUserCommand),
				Flags:  []cli.Flag{userFlag},
			},
			{
				Name:   "sweep",
				Usage:  "Run one retention pass",
				Action: withService(sweepCommand),
			},
			{
				Name:   "reembed",
				Usage:  "Recompute every stored embedding with the configured embedding model",
				Action: withService(reembedCommand),
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of chunks to process in each batch",
						Value: reembed.DefaultBatchSize,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N chunks",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum attempts per embedding call",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: 1 * time.Second,
					},
				},
			},
			{
				Name:   "keygen",
				Usage:  "Generate a new encryption key",
				Action: keygenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "out",
						Aliases: []string{"o"},
						Usage:   "Write the key to this file (mode 0600) instead of stdout",
					},
				},
			},
		},
	}
}

// loadConfig reads the configuration and applies its log level unless --log-level was given.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"), c.StringSlice("env-file")...)
	if err != nil {
		return nil, err
	}
	if !c.IsSet("log-level") {
		level, err := config.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		installLogger(c, level)
	}
	return cfg, nil
}

func serveCommand(c *cli.Context, svc *neurosim.Service, cfg *config.Config) error {
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	srv, err := server.New(svc,
		server.WithLogger(slog.Default()),
		server.WithMaxUploadBytes(cfg.Ingestion.MaxUploadBytes))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.RunRetention(ctx); err != nil {
			slog.Error("retention stopped", "err", err)
		}
	}()

	err = srv.ListenAndServe(ctx, cfg.Server)
	stop()
	wg.Wait()
	return err
}

func ingestCommand(c *cli.Context, svc *neurosim.Service, _ *config.Config) error {
	if c.NArg() == 0 {
		return errors.New("at least one file is required")
	}
	userID := c.String("user")

	var receipts []*neurosim.UploadReceipt
	for _, path := range c.Args().Slice() {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		receipt, err := svc.Upload(c.Context, userID, filepath.Base(path), raw)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", path, err)
		}
		receipts = append(receipts, receipt)
	}
	svc.Wait()

	failed := 0
	for _, receipt := range receipts {
		job, err := svc.JobStatus(c.Context, userID, receipt.FileID)
		if err != nil {
			return fmt.Errorf("failed to read status of %s: %w", receipt.Filename, err)
		}
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\t%d chunks", receipt.FileID, receipt.Filename, job.Status, job.ChunkCount)
		if job.FailureReason != "" {
			failed++
			fmt.Fprintf(c.App.Writer, "\t%s", job.FailureReason)
		}
		fmt.Fprintln(c.App.Writer)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to ingest", failed, len(receipts))
	}
	return nil
}

func chatCommand(c *cli.Context, svc *neurosim.Service, _ *config.Config) error {
	question := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if question == "" {
		return errors.New("a question is required")
	}
	reply, err := svc.Chat(c.Context, c.String("user"), question)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, reply.Answer)
	slog.Debug("chat finished", "outcome", reply.Outcome, "sources_used", reply.SourcesUsed)
	return nil
}

func deleteUserCommand(c *cli.Context, svc *neurosim.Service, _ *config.Config) error {
	report, err := svc.DeleteUser(c.Context, c.String("user"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %d chunks and %d uploads of %s at %s\n",
		report.Chunks, report.Jobs, report.UserID, report.DeletedAt.Format(time.RFC3339))
	return nil
}

func sweepCommand(c *cli.Context, svc *neurosim.Service, _ *config.Config) error {
	report, err := svc.Sweep(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "cutoff %s: purged %d chunks across %d users and %d finished jobs, rewrote %d value log files\n",
		report.Cutoff.Format(time.RFC3339), report.ChunksPurged, report.Users, report.JobsPurged, report.FilesRewritten)
	return nil
}

func reembedCommand(c *cli.Context, svc *neurosim.Service, cfg *config.Config) error {
	reembedConfig := &reembed.Config{
		BatchSize:      c.Int("batch-size"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
	}
	if reembedConfig.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if reembedConfig.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if reembedConfig.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}

	fmt.Fprintf(c.App.ErrWriter, "Embedding backend: %s\n", cfg.AI.Backend)
	fmt.Fprintf(c.App.ErrWriter, "Embedding model: %s\n", cfg.AI.EmbeddingModel)
	fmt.Fprintln(c.App.ErrWriter)

	result, err := svc.Reembed(c.Context, reembedConfig, c.App.ErrWriter)
	if err != nil {
		return fmt.Errorf("reembedding failed: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "re-embedded %d chunks for %d users in %s (%d skipped)\n",
		result.Chunks, result.Users, result.Elapsed.Round(time.Millisecond), result.Skipped)
	return nil
}

func keygenCommand(c *cli.Context) error {
	key := encryption.EncodeKey(encryption.GenerateKey())
	out := c.String("out")
	if out == "" {
		fmt.Fprintln(c.App.Writer, key)
		return nil
	}
	if err := os.WriteFile(out, []byte(key+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	fmt.Fprintf(c.App.ErrWriter, "wrote key to %s; set security.key_file to use it\n", out)
	return nil
}

func setupLogger(c *cli.Context) error {
	level, err := config.ParseLevel(strings.ToLower(c.String("log-level")))
	if err != nil {
		return fmt.Errorf("%w: must be one of debug, info, warn, error", err)
	}
	installLogger(c, level)
	return nil
}

func installLogger(c *cli.Context, level slog.Level) {
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
