package cmd

import (
	"errors"
	"fmt"

	"github.com/hivetrap/hivetrap/config"
	"github.com/hivetrap/hivetrap/util"

	"github.com/google/go-github/github"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var ErrMissingConfigPath = errors.New("config path parameter is required")
var ErrTooManyArguments = errors.New("too many arguments provided")

func Commands() []*cli.Command {
	return []*cli.Command{
		RunCommand,
		ViewCommand,
		SpoolCommand,
		LookupCommand,
		ValidateConfigCommand,
	}
}

func ConfigFlag(required bool) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "Load configuration from `FILE`",
		Value:    config.DefaultConfigPath,
		Required: required,
		Action: func(_ *cli.Context, path string) error {
			return ValidateConfigPath(afero.NewOsFs(), path)
		},
	}
}

func CheckForUpdate(cfg *config.Config) error {
	// get the current version
	currentVersion := config.Version

	// check for update if version is set
	if cfg.UpdateCheckEnabled && currentVersion != "" {
		newer, latestVersion, err := util.CheckForNewerVersion(github.NewClient(nil), currentVersion)
		if err != nil {
			return fmt.Errorf("error checking for newer version of hivetrap: %w", err)
		}
		if newer {
			fmt.Printf("\n\t✨ A newer version (%s) of hivetrap is available! https://github.com/hivetrap/hivetrap/releases ✨\n\n", latestVersion)
		}
	}
	return nil
}
