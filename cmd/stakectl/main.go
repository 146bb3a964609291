// stakectl inspects positions accounts offline: decode blobs, compute
// balance summaries, derive addresses and build empty accounts.
package main

import (
	"fmt"
	"os"

	cli "gopkg.in/urfave/cli.v1"

	"StakeLedger/internal/config"
)

var (
	networkFlag = cli.StringFlag{
		Name:   "network",
		Value:  config.Localnet,
		Usage:  fmt.Sprintf("network preset %v", config.NetworkNames()),
		EnvVar: "STAKE_NETWORK",
	}
	base64Flag = cli.BoolFlag{
		Name:  "base64",
		Usage: "read or write account data as base64 text",
	}
	custodyFlag = cli.Uint64Flag{
		Name:  "custody",
		Usage: "custody token balance",
	}
	timeFlag = cli.Int64Flag{
		Name:  "time",
		Usage: "Unix time to evaluate at (default: now)",
	}
	epochFlag = cli.Int64Flag{
		Name:  "epoch",
		Value: -1,
		Usage: "classify positions at this epoch",
	}
	vestingFlag = cli.StringFlag{
		Name:  "vesting",
		Usage: "vesting schedule JSON file",
	}
	ownerFlag = cli.StringFlag{
		Name:  "owner",
		Usage: "owner public key (base58)",
	}
	outFlag = cli.StringFlag{
		Name:  "out",
		Usage: "output file (default: stdout)",
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "stakectl"
	app.Usage = "inspect staking positions accounts"
	app.Flags = []cli.Flag{networkFlag}
	app.Commands = []cli.Command{
		{
			Name:      "decode",
			Usage:     "print the positions held in an account blob",
			ArgsUsage: "<file>",
			Flags:     []cli.Flag{base64Flag, epochFlag},
			Action:    decodeAction,
		},
		{
			Name:      "summary",
			Usage:     "compute the balance summary of an account blob",
			ArgsUsage: "<file>",
			Flags:     []cli.Flag{base64Flag, custodyFlag, timeFlag, vestingFlag},
			Action:    summaryAction,
		},
		{
			Name:      "derive",
			Usage:     "derive the metadata, custody, authority and voter record addresses",
			ArgsUsage: "<stake account>",
			Action:    deriveAction,
		},
		{
			Name:   "encode-empty",
			Usage:  "write an empty positions account for an owner",
			Flags:  []cli.Flag{ownerFlag, outFlag, base64Flag},
			Action: encodeEmptyAction,
		},
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "stakectl:", err)
		os.Exit(1)
	}
}
