package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "estatectl",
		Usage: "browse listings and run escrow actions through the estatechain API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "api", Value: "http://localhost:3000", EnvVars: []string{"ESTATECHAIN_API"}, Usage: "API base URL"},
			&cli.StringFlag{Name: "secret", EnvVars: []string{"API_HMAC_SECRET"}, Usage: "shared secret for signing action requests"},
			&cli.IntFlag{Name: "retries", Value: 3, Usage: "retries for failed requests"},
		},
		Commands: []*cli.Command{
			{
				Name:   "session",
				Usage:  "show the loaded network, contracts and account",
				Action: showSession,
			},
			{
				Name:   "accounts",
				Usage:  "list wallet accounts",
				Action: listAccounts,
			},
			{
				Name:      "use",
				Usage:     "select the active wallet account",
				ArgsUsage: "<account>",
				Action:    useAccount,
			},
			{
				Name:   "assets",
				Usage:  "list minted properties",
				Action: listAssets,
			},
			{
				Name:      "status",
				Usage:     "show a listing's escrow state and the actions open to an account",
				ArgsUsage: "<asset id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Usage: "view as this account instead of the active one"},
				},
				Action: showStatus,
			},
			{
				Name:      "act",
				Usage:     "perform buy, approve-inspection, approve-and-lend, approve-and-sell or cancel",
				ArgsUsage: "<asset id> <action>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Usage: "idempotency key (generated when empty)"},
				},
				Action: act,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
