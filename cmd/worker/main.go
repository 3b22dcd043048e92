package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"placement/logger"
	"placement/node"
	"placement/resource"
	"placement/worker"
)

func main() {
	app := &cli.App{
		Name:  "placement node agent",
		Usage: "start the node agent process and API",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "id",
				Usage:    "unique identifier of the node",
				EnvVars:  []string{"WORKER_ID"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "name",
				Aliases:  []string{"n"},
				Usage:    "name of the node",
				EnvVars:  []string{"WORKER_NAME"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "host to serve the API on",
				EnvVars: []string{"WORKER_HOST"},
				Value:   "127.0.0.1",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "port to serve the API on",
				EnvVars: []string{"WORKER_PORT"},
				Value:   8080,
			},
			&cli.StringFlag{
				Name:    "resources",
				Aliases: []string{"r"},
				Usage:   `schedulable resources, e.g. "CPU=4,memory=8e9,GPU=1", taken from the machine when empty`,
				EnvVars: []string{"WORKER_RESOURCES"},
			},
			&cli.StringSliceFlag{
				Name:    "label",
				Aliases: []string{"l"},
				Usage:   "node label as key=value",
				EnvVars: []string{"WORKER_LABELS"},
			},
			&cli.Float64Flag{
				Name:    "spreadThreshold",
				Usage:   "utilization below which the node keeps the work it could run",
				EnvVars: []string{"WORKER_SPREAD_THRESHOLD"},
				Value:   0.5,
				Action: func(ctx *cli.Context, v float64) error {
					if v < 0 || v > 1 {
						return errors.New("invalid spreadThreshold, expected a value between 0 and 1")
					}
					return nil
				},
			},
			&cli.IntFlag{
				Name:    "maxPendingLeases",
				Usage:   "queued leases above which requests from other nodes are refused, 0 disables it",
				EnvVars: []string{"WORKER_MAX_PENDING_LEASES"},
			},
			&cli.StringFlag{
				Name:    "storeType",
				Aliases: []string{"st"},
				Usage:   `store type to use for bundles, allowed values: "memory", "persisted"`,
				EnvVars: []string{"WORKER_STORE_TYPE"},
				Value:   "memory",
				Action: func(ctx *cli.Context, v string) error {
					if v != "memory" && v != "persisted" {
						return errors.New(`invalid storeType, allowed values: "memory", "persisted"`)
					}
					return nil
				},
			},
			&cli.StringFlag{
				Name:    "logLevel",
				Usage:   `log level to use, allowed values: "debug", "info", "warn", "error"`,
				EnvVars: []string{"WORKER_LOG_LEVEL"},
				Value:   "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			name := ctx.String("name")
			logger.Setup(ctx.String("logLevel"), fmt.Sprintf("worker-%s", name))

			capacity, err := resource.ParseSet(ctx.String("resources"))
			if err != nil {
				return err
			}
			labels, err := resource.ParseLabels(ctx.StringSlice("label"))
			if err != nil {
				return err
			}
			host, port := ctx.String("host"), ctx.Int("port")
			return startWorker(host, port, worker.Config{
				Id:               node.NodeID(ctx.Int64("id")),
				Name:             name,
				Address:          fmt.Sprintf("%s:%d", host, port),
				Capacity:         capacity,
				Labels:           labels,
				SpreadThreshold:  ctx.Float64("spreadThreshold"),
				MaxPendingLeases: ctx.Int("maxPendingLeases"),
				StoreType:        ctx.String("storeType"),
			})
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startWorker(host string, port int, cfg worker.Config) error {
	a, err := worker.New(cfg)
	if err != nil {
		return fmt.Errorf("node agent creation failed: %w", err)
	}

	defer func() {
		if err := a.Close(); err != nil {
			log.Err(err).Msg("failed to stop node agent")
		}
	}()

	// Launch backgound routines
	go a.CollectStats()

	// Run API
	log.Info().
		Stringer("node", cfg.Id).
		Stringer("resources", a.Resources.Total).
		Msgf("node agent %s API listening on %s:%d", cfg.Name, host, port)
	api := worker.Api{Address: host, Port: port, Agent: a}
	api.StartRouter()
	return nil
}
