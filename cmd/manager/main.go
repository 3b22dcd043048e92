package main

import (
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"placement/logger"
	"placement/manager"
	"placement/node"
)

func main() {
	app := &cli.App{
		Name:  "placement manager",
		Usage: "start the manager process and API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "host to serve the API on",
				EnvVars: []string{"MANAGER_HOST"},
				Value:   "127.0.0.1",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "port to serve the API on",
				EnvVars: []string{"MANAGER_PORT"},
				Value:   8080,
			},
			&cli.StringFlag{
				Name:    "storeType",
				Aliases: []string{"st"},
				Usage:   `store type to use for tasks, allowed values: "memory", "persisted"`,
				EnvVars: []string{"MANAGER_STORE_TYPE"},
				Value:   "memory",
				Action: func(ctx *cli.Context, v string) error {
					if v != "memory" && v != "persisted" {
						return errors.New(`invalid storeType, allowed values: "memory", "persisted"`)
					}
					return nil
				},
			},
			&cli.StringSliceFlag{
				Name:     "worker",
				Aliases:  []string{"w"},
				Usage:    "address of node agent(s) API to manage",
				EnvVars:  []string{"MANAGER_WORKERS"},
				Required: true,
			},
			&cli.Int64Flag{
				Name:    "localNode",
				Usage:   "identifier of the node preferred for placement while lightly loaded",
				EnvVars: []string{"MANAGER_LOCAL_NODE"},
				Value:   1,
			},
			&cli.Float64Flag{
				Name:    "spreadThreshold",
				Usage:   "utilization below which a node is picked without spreading the load",
				EnvVars: []string{"MANAGER_SPREAD_THRESHOLD"},
				Value:   0.5,
				Action: func(ctx *cli.Context, v float64) error {
					if v < 0 || v > 1 {
						return errors.New("invalid spreadThreshold, expected a value between 0 and 1")
					}
					return nil
				},
			},
			&cli.IntFlag{
				Name:    "maxSpillbacks",
				Usage:   "spillbacks followed before a task is queued again",
				EnvVars: []string{"MANAGER_MAX_SPILLBACKS"},
				Value:   3,
			},
			&cli.DurationFlag{
				Name:    "retryDelay",
				Usage:   "delay before a task which couldn't be placed is queued again",
				EnvVars: []string{"MANAGER_RETRY_DELAY"},
				Value:   5 * time.Second,
			},
			&cli.StringFlag{
				Name:    "logLevel",
				Usage:   `log level to use, allowed values: "debug", "info", "warn", "error"`,
				EnvVars: []string{"MANAGER_LOG_LEVEL"},
				Value:   "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			logger.Setup(ctx.String("logLevel"), "manager")
			return startManager(ctx.String("host"), ctx.Int("port"), manager.Config{
				Workers:         ctx.StringSlice("worker"),
				LocalNode:       node.NodeID(ctx.Int64("localNode")),
				SpreadThreshold: ctx.Float64("spreadThreshold"),
				MaxSpillbacks:   ctx.Int("maxSpillbacks"),
				RetryDelay:      ctx.Duration("retryDelay"),
				StoreType:       ctx.String("storeType"),
			})
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startManager(host string, port int, cfg manager.Config) error {
	m, err := manager.New(cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := m.Close(); err != nil {
			log.Err(err).Msg("failed to stop manager")
		}
	}()

	// Launch backgound routines
	go m.ProcessTasks()
	go m.CheckNodesStats()
	go m.CheckTasksHealth()

	// Run API
	log.Info().Strs("workers", cfg.Workers).Msgf("manager API listening on %s:%d", host, port)
	api := manager.Api{Address: host, Port: port, Manager: m}
	api.StartRouter()
	return nil
}
