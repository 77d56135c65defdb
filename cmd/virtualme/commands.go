package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/vincent-petithory/dataurl"
	"golang.org/x/sync/errgroup"

	"github.com/CodeForgeNet/virtualme/internal/audio"
	"github.com/CodeForgeNet/virtualme/internal/avatar"
	"github.com/CodeForgeNet/virtualme/internal/backend"
	"github.com/CodeForgeNet/virtualme/internal/config"
	"github.com/CodeForgeNet/virtualme/internal/server"
	"github.com/CodeForgeNet/virtualme/internal/session"
	"github.com/CodeForgeNet/virtualme/internal/store"
	"github.com/CodeForgeNet/virtualme/internal/stt"
	"github.com/CodeForgeNet/virtualme/internal/tts"
)

func newBackend() *backend.Client {
	return backend.NewClient(&backend.ClientConfig{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.Key,
		Timeout: cfg.API.Timeout,
		TopK:    cfg.API.TopK,
	}, logger.Zerolog())
}

func sessionOptions() session.Options {
	return session.Options{
		RequestTimeout: cfg.API.Timeout,
		Speech: stt.Options{
			Continuous:     true,
			InterimResults: true,
			Language:       cfg.Speech.Language,
		},
		LipSync: audio.LipSyncConfig{
			FFTSize:    cfg.LipSync.FFTSize,
			SpeechBins: cfg.LipSync.SpeechBins,
			Reference:  cfg.LipSync.Reference,
			Gain:       cfg.LipSync.Gain,
			Attack:     cfg.LipSync.Attack,
			Decay:      cfg.LipSync.Decay,
			Epsilon:    cfg.LipSync.Epsilon,
		},
		MorphTarget: cfg.Avatar.MorphTarget,
		FramePeriod: cfg.Avatar.FramePeriod(),
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve avatar sessions over websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}

			morphs := avatar.MorphDictionary{cfg.Avatar.MorphTarget: 0}
			if cfg.Avatar.ModelPath != "" {
				dict, err := avatar.LoadMorphTargets(cfg.Avatar.ModelPath, cfg.Avatar.HeadMesh)
				if err != nil {
					logger.Warn("main", "morph targets unavailable, using default", map[string]any{
						"model": cfg.Avatar.ModelPath,
						"error": err.Error(),
					})
				} else {
					morphs = dict
					logger.Info("main", "morph targets loaded", map[string]any{"count": len(dict), "mesh": cfg.Avatar.HeadMesh})
				}
			}

			srv := server.New(server.Config{
				Addr:           cfg.Server.Addr,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				Version:        version,
				Session:        sessionOptions(),
				Morphs:         morphs,
				Logs:           logger,
			}, newBackend(), logger.Zerolog())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cli := logger.Component("cli")
			g, ctx := errgroup.WithContext(ctx)
			g.Go(srv.ListenAndServe)
			g.Go(func() error {
				<-ctx.Done()
				cli.Info().Msg("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if err := g.Wait(); err != nil {
				logger.Error("main", "server stopped", err, map[string]any{"addr": cfg.Server.Addr})
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the exchange",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := store.New(newBackend(), &store.Config{RequestTimeout: cfg.API.Timeout}, nil, logger.Zerolog())
			err := s.SubmitQuery(cmd.Context(), strings.Join(args, " "))

			st := s.Snapshot()
			for _, m := range st.Messages[1:] {
				fmt.Println(m.String())
			}
			if len(st.LastSources) > 0 {
				fmt.Println("\nSources:")
				for _, src := range st.LastSources {
					score := ""
					if src.Score != nil {
						score = fmt.Sprintf(" (%.2f)", *src.Score)
					}
					fmt.Printf("  - %s%s\n", src.DisplayTitle(), score)
				}
			}
			if len(st.Suggestions) > 0 {
				fmt.Println("\nYou could also ask:")
				for _, q := range st.Suggestions {
					fmt.Printf("  - %s\n", q)
				}
			}
			return err
		},
	}
}

func suggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest",
		Short: "Print starter questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout)
			defer cancel()

			suggestions, err := newBackend().Suggest(ctx)
			if err != nil {
				return err
			}
			for _, q := range suggestions {
				fmt.Println(q)
			}
			return nil
		},
	}
}

func sayCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Synthesize speech and optionally save the audio",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout)
			defer cancel()

			gw := tts.NewGateway(newBackend(), nil, logger.Zerolog())
			uri, err := gw.GenerateSpeech(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}

			mediaType, data, err := decodeDataURI(uri)
			if err != nil {
				return err
			}
			fmt.Printf("%s, %d bytes\n", mediaType, len(data))

			if out != "" {
				if err := os.WriteFile(out, data, 0644); err != nil {
					return oops.In("main").With("path", out).Wrapf(err, "write audio")
				}
				fmt.Printf("Saved to %s\n", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write decoded audio to this file")
	return cmd
}

// decodeDataURI splits a data URI into media type and payload.
func decodeDataURI(uri string) (string, []byte, error) {
	du, err := dataurl.DecodeString(uri)
	if err != nil {
		return "", nil, oops.In("main").Wrapf(err, "decode audio")
	}
	return du.ContentType(), du.Data, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Save(cfg, cfgPath)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Run: func(cmd *cobra.Command, args []string) {
			key := "(unset)"
			if cfg.API.Key != "" {
				key = "(set)"
			}
			fmt.Println("virtualme configuration:")
			fmt.Printf("API base URL:  %s\n", cfg.API.BaseURL)
			fmt.Printf("API key:       %s\n", key)
			fmt.Printf("Timeout:       %s\n", cfg.API.Timeout)
			fmt.Printf("Listen addr:   %s\n", cfg.Server.Addr)
			fmt.Printf("Morph target:  %s on %s\n", cfg.Avatar.MorphTarget, cfg.Avatar.HeadMesh)
			fmt.Printf("Language:      %s\n", cfg.Speech.Language)
			fmt.Printf("Log level:     %s\n", cfg.Log.Level)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.GetConfigDir()
			if err != nil {
				return err
			}
			fmt.Println(dir)
			return nil
		},
	})

	return cmd
}
