package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hivetrap/hivetrap/backend"
	"github.com/hivetrap/hivetrap/config"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrMissingLookupIP    = errors.New("no IP address was provided")
	ErrInvalidLookupIP    = errors.New("provided value is not a valid IP address")
	ErrOfflineLookup      = errors.New("offline mode is enabled, the backend cannot be queried")
	ErrBackendUnreachable = errors.New("backend did not answer the ping probe")
)

var LookupCommand = &cli.Command{
	Name:        "lookup",
	Usage:       "query the backend for its current view of an IP address",
	UsageText:   "lookup [--rdns] IP",
	Description: "prints the score record the backend holds for the given address",
	Args:        true,
	ArgsUsage:   "IP address to look up",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:     "rdns",
			Usage:    "also resolve the address back to a hostname",
			Value:    false,
			Required: false,
		},
		ConfigFlag(false),
	},
	Action: func(cCtx *cli.Context) error {
		if !cCtx.Args().Present() {
			return ErrMissingLookupIP
		}
		// check if too many arguments were provided
		if cCtx.NArg() > 1 {
			return ErrTooManyArguments
		}
		return RunLookupCmd(afero.NewOsFs(), cCtx.String("config"), cCtx.Args().First(), cCtx.Bool("rdns"))
	},
}

func RunLookupCmd(afs afero.Fs, configPath string, ip string, rdns bool) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %s", ErrInvalidLookupIP, ip)
	}

	cfg, err := config.LoadConfig(afs, configPath)
	if err != nil {
		return err
	}

	client := backend.NewClient(cfg, afs)
	if client.Offline() {
		return ErrOfflineLookup
	}

	ctx := context.Background()

	if ping := client.Ping(ctx); !ping.OK {
		if ping.Error != "" {
			return fmt.Errorf("%w: %s", ErrBackendUnreachable, ping.Error)
		}
		return fmt.Errorf("%w: status %d", ErrBackendUnreachable, ping.Status)
	}

	raw, err := client.Lookup(ctx, ip)
	if err != nil {
		return err
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		// backend answered with something that is not JSON, show it anyway
		fmt.Println(string(raw))
	} else {
		pretty, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(pretty))
	}

	if rdns {
		host := backend.NewResolver(cfg.Env.RDNSResolver).Reverse(ctx, ip)
		if host == "" {
			fmt.Println("rDNS: no PTR record")
		} else {
			fmt.Printf("rDNS: %s\n", host)
		}
	}
	return nil
}
