package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/rubiojr/syncbridge/cmd"
	"github.com/rubiojr/syncbridge/pkg/config"
	"github.com/rubiojr/syncbridge/pkg/synclog"
	"github.com/rubiojr/syncbridge/pkg/version"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "syncbridge",
		Usage: "A host-resident sync bridge for remote spatial-computing clients",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: config.GetDefaultConfigPath(),
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			synclog.SetGlobalDebug(c.Bool("debug"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmd.ConfigCommand(),
			cmd.ServeCommand(),
			cmd.StatusCommand(),
			{
				Name:  "version",
				Usage: "Show version information",
				Action: func(ctx context.Context, c *cli.Command) error {
					fmt.Println(version.BuildVersion())
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
