package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hivetrap/hivetrap/backend"
	"github.com/hivetrap/hivetrap/config"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/manifoldco/promptui"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var ErrOfflineUpload = errors.New("offline mode is enabled, spooled attacks cannot be uploaded")

var SpoolCommand = &cli.Command{
	Name:        "spool",
	Usage:       "inspect and manage the offline attack spool",
	UsageText:   "spool command [command options]",
	Description: "the spool holds attacks that could not be delivered to the backend, plus throttled attacks when STORE_THROTTLED_ATTACKS is set",
	Subcommands: []*cli.Command{
		{
			Name:      "list",
			Usage:     "list spooled attacks",
			UsageText: "spool list",
			Args:      false,
			Flags: []cli.Flag{
				ConfigFlag(false),
			},
			Action: func(cCtx *cli.Context) error {
				// check if too many arguments were provided
				if cCtx.NArg() > 0 {
					return ErrTooManyArguments
				}
				return runSpoolListCmd(afero.NewOsFs(), cCtx.String("config"))
			},
		},
		{
			Name:      "upload",
			Usage:     "deliver pending spooled attacks to the backend",
			UsageText: "spool upload",
			Args:      false,
			Flags: []cli.Flag{
				ConfigFlag(false),
			},
			Action: func(cCtx *cli.Context) error {
				// check if too many arguments were provided
				if cCtx.NArg() > 0 {
					return ErrTooManyArguments
				}
				return RunSpoolUploadCmd(afero.NewOsFs(), cCtx.String("config"))
			},
		},
		{
			Name:      "clear",
			Usage:     "drop every spooled attack",
			UsageText: "spool clear [--non-interactive]",
			Args:      false,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:     "non-interactive",
					Aliases:  []string{"ni"},
					Usage:    "does not prompt for confirmation",
					Value:    false,
					Required: false,
				},
				ConfigFlag(false),
			},
			Action: func(cCtx *cli.Context) error {
				// check if too many arguments were provided
				if cCtx.NArg() > 0 {
					return ErrTooManyArguments
				}

				prompt := true
				if cCtx.Bool("non-interactive") {
					prompt = false
				}

				return RunSpoolClearCmd(afero.NewOsFs(), cCtx.String("config"), prompt)
			},
		},
	},
}

func runSpoolListCmd(afs afero.Fs, configPath string) error {
	cfg, err := config.LoadConfig(afs, configPath)
	if err != nil {
		return err
	}

	client := backend.NewClient(cfg, afs)
	entries, err := client.Spool().All()
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("Spool is empty.")
		return nil
	}

	t := FormatSpoolTable(entries)
	fmt.Println(t)
	return nil
}

func FormatSpoolTable(entries []backend.SpoolEntry) *table.Table {
	var data [][]string

	for _, entry := range entries {
		state := "pending"
		if entry.Throttled {
			state = "throttled"
		} else if !entry.PendingUpload {
			state = "delivered"
		}
		data = append(data, []string{
			entry.StoredAt.UTC().Format("2006-01-02 15:04"),
			entry.SourceIP,
			string(entry.Type),
			strconv.Itoa(entry.Severity),
			state,
		})
	}

	re := lipgloss.NewRenderer(os.Stdout)
	baseStyle := re.NewStyle().Padding(0, 1)
	headerStyle := baseStyle.Foreground(lipgloss.Color("252")).Bold(true)

	headers := []string{"Stored (UTC)", "Source IP", "Type", "Severity", "State"}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(re.NewStyle().Foreground(lipgloss.Color("238"))).
		Headers(headers...).
		Rows(data...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}

			even := row%2 == 0

			if even {
				return baseStyle.Foreground(lipgloss.Color("245"))
			}
			return baseStyle.Foreground(lipgloss.Color("252"))
		})
	return t
}

func RunSpoolUploadCmd(afs afero.Fs, configPath string) error {
	cfg, err := config.LoadConfig(afs, configPath)
	if err != nil {
		return err
	}

	client := backend.NewClient(cfg, afs)
	if client.Offline() {
		return ErrOfflineUpload
	}

	_, pending, err := client.Spool().Stats()
	if err != nil {
		return err
	}
	if pending == 0 {
		fmt.Println("No spooled attacks are awaiting upload.")
		return nil
	}

	// create progress bar
	progress := mpb.New(mpb.WithWidth(64))
	bar := progress.New(int64(pending),
		mpb.BarStyle().Lbound("╢").Filler("▌").Tip("▌").Padding("░").Rbound("╟"),
		mpb.PrependDecorators(
			// display our name with one space on the right
			decor.Name("Spool Upload", decor.WC{C: decor.DindentRight | decor.DextraSpace}),
			// replace ETA decorator with "done" message, OnComplete event
			decor.OnComplete(decor.Elapsed(decor.ET_STYLE_GO), "🎉"),
		),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
	)
	client.OnReplayProgress(bar.Increment)

	// allow the upload to be interrupted, records not yet delivered stay spooled
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uploaded, remaining, err := client.Replay(ctx)
	if !bar.Completed() {
		bar.Abort(false)
	}
	progress.Wait()
	if err != nil {
		return err
	}

	// create formatter for adding commas in the counts
	p := message.NewPrinter(language.English)
	if remaining > 0 {
		fmt.Println(p.Sprintf("Uploaded %d attacks, %d could not be delivered and remain spooled.", uploaded, remaining))
	} else {
		fmt.Println(p.Sprintf("Successfully uploaded %d spooled attacks.", uploaded))
	}
	return nil
}

func RunSpoolClearCmd(afs afero.Fs, configPath string, ask bool) error {
	cfg, err := config.LoadConfig(afs, configPath)
	if err != nil {
		return err
	}

	client := backend.NewClient(cfg, afs)
	total, _, err := client.Spool().Stats()
	if err != nil {
		return err
	}

	if total == 0 {
		fmt.Println("Spool is already empty.")
		return nil
	}

	p := message.NewPrinter(language.English)
	fmt.Println(p.Sprintf("Clearing %d spooled attacks from %s", total, client.Spool().Path()))

	if ask {
		prompt := promptui.Prompt{
			Label:     "Clear Spool",
			IsConfirm: true,
		}
		if _, err := prompt.Run(); err != nil {
			fmt.Println("Cancelling...")
			return err
		}
	}

	if err := client.Spool().Clear(); err != nil {
		return err
	}

	fmt.Println("Successfully cleared the spool.")
	return nil
}
