package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/pipeline"
	"github.com/loqalabs/loqa-tts/internal/runtime"
	"github.com/loqalabs/loqa-tts/internal/speech"
)

var version = "0.1.0-dev"

const defaultConfigPath = "loqa-tts.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	serve := newServeCmd(&configPath)
	root := &cobra.Command{
		Use:          "loqa-ttsd",
		Short:        "Sentence-parallel text-to-speech service",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			loadDotEnv()
		},
		RunE: serve.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")
	root.AddCommand(serve, newSayCmd(&configPath), newVersionCmd())
	return root
}

// loadDotEnv imports a .env file from the working directory when present so
// LOQA_* overrides can live next to the binary.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
}

// loadConfig reads path, falling back to defaults plus environment when the
// default config file is absent.
func loadConfig(cmd *cobra.Command, path string) (config.Config, error) {
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service (and bus relay when enabled)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(cfg.Telemetry, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt := runtime.New(cfg, version, logger)
			if err := rt.Start(ctx); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func newSayCmd(configPath *string) *cobra.Command {
	var (
		out    string
		stream bool
		order  string
		voice  string
		speed  float64
	)
	cmd := &cobra.Command{
		Use:   "say [text|-]",
		Short: "Render text once and write WAV output",
		Long: "Render text once. Without --stream the merged audio is written to --out.\n" +
			"With --stream every sentence is written to its own file in the --out directory\n" +
			"as soon as it is synthesized. Use - to read the text from stdin.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(cfg.Telemetry, cmd.ErrOrStderr())
			engine, err := runtime.BuildEngine(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			req := speech.Request{Text: text, Voice: voice, Speed: speed}
			if stream {
				parsed, err := pipeline.ParseOrder(order)
				if err != nil {
					return err
				}
				return sayStream(ctx, cmd.ErrOrStderr(), engine, req, parsed, out)
			}
			return sayMerged(ctx, cmd.ErrOrStderr(), engine, req, out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "speech.wav", "Output file, or output directory with --stream")
	cmd.Flags().BoolVar(&stream, "stream", false, "Write one file per sentence as sentences complete")
	cmd.Flags().StringVar(&order, "order", "", "Stream order: completion or sentence (default from config)")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice passed to the synthesizer (default from config)")
	cmd.Flags().Float64Var(&speed, "speed", 0, "Speech speed passed to the synthesizer (default from config)")
	return cmd
}

func sayMerged(ctx context.Context, w io.Writer, engine *speech.Engine, req speech.Request, out string) error {
	res, err := engine.Render(ctx, req)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, res.Audio, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Fprintf(w, "wrote %s to %s (%d of %d sentences)\n", humanize.Bytes(uint64(len(res.Audio))), out, res.Merged, res.Units)
	for _, s := range res.Skipped {
		fmt.Fprintf(w, "skipped sentence %d: %s\n", s.Index, s.Reason)
	}
	return nil
}

func sayStream(ctx context.Context, w io.Writer, engine *speech.Engine, req speech.Request, order pipeline.Order, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	stream, err := engine.Stream(ctx, req, order)
	if err != nil {
		return err
	}
	defer stream.Close()
	for c := range stream.All() {
		path := filepath.Join(dir, fmt.Sprintf("sentence-%03d.wav", c.Index))
		if err := os.WriteFile(path, c.Payload, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(w, "sentence %d -> %s (%s)\n", c.Index, path, humanize.Bytes(uint64(len(c.Payload))))
	}
	summary, err := stream.Wait()
	for _, s := range summary.Skipped {
		fmt.Fprintf(w, "skipped sentence %d: %s\n", s.Index, s.Reason)
	}
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
