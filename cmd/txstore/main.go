package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elliotcourant/txstore"
	"github.com/elliotcourant/txstore/layout"
	"github.com/elliotcourant/txstore/z"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[txstore] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "txstore"
	app.Usage = "inspect and migrate wallet transaction stores"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "datadir, d",
			EnvVar:    "TXSTORE_DATADIR",
			Usage:     "The base directory that holds a directory per network.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network of the store, e.g. mainnet, testnet, " +
				"regtest, simnet or signet.",
			Value: "mainnet",
		},
	}
	app.Commands = []cli.Command{
		statsCommand,
		listCommand,
		getCommand,
		migrateCommand,
		networksCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

func getDataDir(ctx *cli.Context) (string, error) {
	dataDir := ctx.GlobalString("datadir")
	if dataDir == "" {
		return "", errors.New("--datadir must be set")
	}

	return dataDir, nil
}

func getNetwork(ctx *cli.Context) (*chaincfg.Params, error) {
	name := ctx.GlobalString("network")
	network, ok := layout.NetworkByName(name)
	if !ok {
		return nil, errors.Errorf("unknown network %q", name)
	}

	return network, nil
}

// openStore opens an existing store. Stores are never created by the inspection commands and the legacy file is only
// migrated when asked to.
func openStore(ctx *cli.Context) (*txstore.Store, func(), error) {
	dataDir, err := getDataDir(ctx)
	if err != nil {
		return nil, nil, err
	}

	network, err := getNetwork(ctx)
	if err != nil {
		return nil, nil, err
	}

	networkDir := layout.NetworkDirectory(dataDir, network)
	exists, err := z.Exists(networkDir)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, nil, errors.Errorf("there is no %s store in %s", layout.NetworkName(network), dataDir)
	}

	store, err := txstore.Open(
		txstore.DefaultOptions(dataDir, network).
			WithEnsureBackwardsCompatibility(false),
	)
	if err != nil {
		return nil, nil, err
	}

	cleanUp := func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "[txstore] failed to close store: %v\n", err)
		}
	}

	return store, cleanUp, nil
}
