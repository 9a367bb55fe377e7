package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/emberml/kiln/internal/engine"
)

func runCmd() *cli.Command {
	var (
		prompt      string
		maxTokens   int64
		temp        float64
		topK        int64
		topP        float64
		minP        float64
		repeatPen   float64
		repeatLastN int64
		seed        int64
		stop        []string
		streamMode  string
		echoPrompt  bool
		interactive bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (omit for interactive mode)",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n", "num-tokens"},
			Usage:       "max tokens to generate",
			Value:       256,
			Destination: &maxTokens,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k", "topk"},
			Usage:       "top-k sampling parameter",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p", "topp"},
			Usage:       "top-p sampling parameter",
			Value:       0.95,
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Aliases:     []string{"min_p", "minp"},
			Usage:       "min-p sampling parameter (0 = disabled)",
			Value:       0.05,
			Destination: &minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       1.0,
			Destination: &repeatPen,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "last n tokens to penalize",
			Value:       64,
			Destination: &repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (default -1 = random)",
			Value:       -1,
			Destination: &seed,
		},
		&cli.StringSliceFlag{
			Name:        "stop",
			Usage:       "stop string (repeatable); generation truncates before the first match",
			Destination: &stop,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, typewriter, quiet)",
			Value:       "instant",
			Destination: &streamMode,
		},
		&cli.BoolFlag{
			Name:        "echo-prompt",
			Usage:       "print prompt text before generation",
			Destination: &echoPrompt,
		},
		&cli.BoolFlag{
			Name:        "interactive",
			Aliases:     []string{"i"},
			Usage:       "interactive prompt loop",
			Destination: &interactive,
		},
	}
	flags = append(flags, commonModelFlags()...)
	flags = append(flags, commonLogFlags()...)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyRunConfig(c, cfg, &temp, &topP, &maxTokens, &seed, &stop, &streamMode)

			log := buildLogger()

			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if modelPath == "" {
				return cli.Exit("error: no model path; set --model or model_path in config", 1)
			}

			rt, err := resolveBackend(backend)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			eng := engine.New(rt,
				engine.WithLogger(log),
				engine.WithMaxContext(int(maxContext)),
			)

			loadStart := time.Now()
			if err := eng.Load(modelPath, resolveThreads(threads)); err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer eng.Unload()
			log.Info("model loaded", "path", modelPath, "duration", time.Since(loadStart))

			req := engine.Request{
				MaxTokens:     int(maxTokens),
				Temperature:   float32(temp),
				TopP:          float32(topP),
				TopK:          int(topK),
				MinP:          float32(minP),
				RepeatPenalty: float32(repeatPen),
				RepeatLastN:   int(repeatLastN),
				Seed:          seed,
				Stop:          stop,
			}

			if !interactive && prompt != "" {
				if echoPrompt {
					fmt.Print(prompt)
				}
				return runOnce(ctx, eng, req, prompt, mode)
			}

			fmt.Fprintln(os.Stderr, "Interactive mode. Type /exit to quit.")
			for {
				input, err := readInteractiveLine("> ")
				if err != nil {
					if errors.Is(err, io.EOF) {
						return nil
					}
					return cli.Exit(fmt.Sprintf("error: read input: %v", err), 1)
				}
				trimmed := strings.TrimSpace(input)
				if trimmed == "" {
					continue
				}
				if trimmed == "/exit" || trimmed == "/quit" {
					return nil
				}
				if err := runOnce(ctx, eng, req, input, mode); err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
			}
		},
	}
}

func runOnce(ctx context.Context, eng *engine.Engine, req engine.Request, prompt string, mode StreamMode) error {
	req.Prompt = prompt
	w := NewStreamWriter(mode)

	start := time.Now()
	text, err := eng.GenerateStream(ctx, req, w.Write)
	w.Flush()
	fmt.Println()
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	fmt.Fprintf(os.Stderr, "Generated %d chars in %s\n", len(text), elapsed.Round(time.Millisecond))
	return nil
}
