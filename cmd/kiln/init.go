package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/emberml/kiln/internal/runtime/toyrt"
)

func initCmd() *cli.Command {
	var (
		out    string
		hidden int64
		seed   int64
	)

	return &cli.Command{
		Name:  "init",
		Usage: "Write a toy weights file for local testing",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output path",
				Value:       "toy.ktoy",
				Destination: &out,
			},
			&cli.Int64Flag{
				Name:        "hidden",
				Usage:       "hidden state size",
				Value:       64,
				Destination: &hidden,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "weight initialization seed",
				Value:       1,
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := toyrt.WriteWeights(out, int(hidden), seed); err != nil {
				return cli.Exit(fmt.Sprintf("error: write weights: %v", err), 1)
			}
			fmt.Printf("Wrote toy weights: %s (hidden=%d seed=%d)\n", out, hidden, seed)
			return nil
		},
	}
}
