package cmd

import (
	"errors"
	"fmt"

	"github.com/hivetrap/hivetrap/backend"
	"github.com/hivetrap/hivetrap/config"
	"github.com/hivetrap/hivetrap/viewer"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var ErrMissingSearchValue = errors.New("search value cannot be empty")
var ErrMissingSearchStdout = errors.New("cannot apply search without --stdout")
var ErrMissingLimitStdout = errors.New("cannot apply limit without --stdout")
var ErrInvalidViewLimit = errors.New("limit must be a positive interger greater than 0")

var ViewCommand = &cli.Command{
	Name:        "view",
	Usage:       "browse the spooled attack records",
	UsageText:   "view [--stdout] [--search \"field:value\"] [--limit N]",
	Description: "opens an interactive browser over the spool, or dumps it as CSV with --stdout",
	Args:        false,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:     "stdout",
			Aliases:  []string{"o"},
			Usage:    "pipe comma-delimited data to stdout",
			Required: false,
		},
		&cli.StringFlag{
			Name:     "search",
			Aliases:  []string{"s"},
			Usage:    `search criteria to apply to results piped to stdout, only works with --stdout/-o flag, format: -s="field:value, field:value, ..."`,
			Required: false,
		},
		&cli.IntFlag{
			Name:     "limit",
			Aliases:  []string{"l"},
			Usage:    "limit the number of results to display",
			Required: false,
		},
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		afs := afero.NewOsFs()

		// check if too many arguments were provided
		if cCtx.NArg() > 0 {
			return ErrTooManyArguments
		}

		if cCtx.IsSet("search") {
			if !cCtx.Bool("stdout") {
				return ErrMissingSearchStdout
			}

			if cCtx.String("search") == "" {
				return ErrMissingSearchValue
			}
		}

		// validate limit flag
		if cCtx.IsSet("limit") {
			if !cCtx.Bool("stdout") {
				return ErrMissingLimitStdout
			}

			if cCtx.Int("limit") <= 0 {
				return ErrInvalidViewLimit
			}
		}

		cfg, err := runViewCmd(afs, cCtx.String("config"), cCtx.Bool("stdout"), cCtx.String("search"), cCtx.Int("limit"))
		if err != nil {
			return err
		}

		// check for updates after leaving the viewer
		return CheckForUpdate(cfg)
	},
}

func runViewCmd(afs afero.Fs, configPath string, stdout bool, search string, limit int) (*config.Config, error) {
	// load config file
	cfg, err := config.LoadConfig(afs, configPath)
	if err != nil {
		return nil, err
	}

	client := backend.NewClient(cfg, afs)
	entries, err := client.Spool().All()
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		fmt.Println("Spool is empty, nothing to view.")
		return cfg, nil
	}

	// if stdout was requested, get CSV output
	if stdout {
		csvData, err := viewer.GetCSVOutput(entries, search, limit)
		if err != nil {
			return nil, err
		}

		// print CSV data to stdout
		fmt.Println(csvData)
	} else {
		// create UI
		if err := viewer.CreateUI(cfg, entries); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}
