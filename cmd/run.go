package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hivetrap/hivetrap/config"
	zlog "github.com/hivetrap/hivetrap/logger"
	"github.com/hivetrap/hivetrap/supervisor"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var RunCommand = &cli.Command{
	Name:        "run",
	Usage:       "start the honeypot",
	UsageText:   "run [--config FILE]",
	Description: "binds the enabled protocol modules and reports attacks until interrupted",
	Args:        false,
	Flags: []cli.Flag{
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		// check if too many arguments were provided
		if cCtx.NArg() > 0 {
			return ErrTooManyArguments
		}

		// set up file system interface
		afs := afero.NewOsFs()

		return RunRunCmd(afs, cCtx.String("config"))
	},
}

func RunRunCmd(afs afero.Fs, configPath string) error {
	logger := zlog.GetLogger()

	// load config file
	cfg, err := config.LoadConfig(afs, configPath)
	if err != nil {
		return err
	}

	// the honeypot must come up without internet access past the backend, so
	// a failed update check only logs
	if err := CheckForUpdate(cfg); err != nil {
		logger.Debug().Err(err).Msg("update check failed")
	}

	// run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return supervisor.New(cfg, afs).Run(ctx)
}
