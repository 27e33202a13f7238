package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/elliotcourant/txstore"
	"github.com/elliotcourant/txstore/layout"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

const timeFormat = "2006-01-02 15:04:05"

var statsCommand = cli.Command{
	Name:   "stats",
	Usage:  "Show the number of transactions and file size of each partition.",
	Action: stats,
}

func stats(ctx *cli.Context) error {
	store, cleanUp, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	size, err := store.Size()
	if err != nil {
		return err
	}

	t := newTable()
	t.AppendHeader(table.Row{"Partition", "Transactions", "Bytes"})
	t.AppendRow(table.Row{store.Mempool().Kind(), store.Mempool().Len(), size.MempoolSize})
	t.AppendRow(table.Row{store.Confirmed().Kind(), store.Confirmed().Len(), size.ConfirmedSize})
	t.AppendFooter(table.Row{"Total", store.Mempool().Len() + store.Confirmed().Len(), size.Total()})
	t.Render()

	return nil
}

var listCommand = cli.Command{
	Name:  "list",
	Usage: "List the transactions of the store.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "partition",
			Usage: "Which partition to list: mempool, confirmed or all.",
			Value: "all",
		},
	},
	Action: list,
}

func list(ctx *cli.Context) error {
	store, cleanUp, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	var records []*txstore.TransactionRecord
	switch partition := strings.ToLower(ctx.String("partition")); partition {
	case "mempool":
		records = store.Mempool().GetAll()
	case "confirmed":
		records = store.Confirmed().GetAll()
	case "all":
		records = store.GetTransactions()
	default:
		return errors.Errorf("unknown partition %q", partition)
	}

	sortRecords(records)

	t := newTable()
	t.AppendHeader(table.Row{"Transaction", "Height", "Block", "Index", "Label", "First Seen", "Replacement"})
	for _, record := range records {
		t.AppendRow(recordRow(record))
	}
	t.Render()

	return nil
}

var getCommand = cli.Command{
	Name:      "get",
	Usage:     "Show a single transaction and its serialized form.",
	ArgsUsage: "txid",
	Action:    get,
}

func get(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "get")
	}

	id, err := chainhash.NewHashFromStr(ctx.Args().First())
	if err != nil {
		return errors.Wrap(err, "invalid transaction id")
	}

	store, cleanUp, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	record, ok := store.TryGetTransaction(*id)
	if !ok {
		return errors.Errorf("transaction %s not found", id)
	}

	raw, err := serializeRecord(record)
	if err != nil {
		return err
	}

	t := newTable()
	t.AppendHeader(table.Row{"Transaction", "Height", "Block", "Index", "Label", "First Seen", "Replacement"})
	t.AppendRow(recordRow(record))
	t.Render()

	fmt.Println(hex.EncodeToString(raw))

	return nil
}

var migrateCommand = cli.Command{
	Name:   "migrate",
	Usage:  "Move the transactions of the legacy single file layout into the partitions.",
	Action: migrate,
}

func migrate(ctx *cli.Context) error {
	store, cleanUp, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	result, err := store.MigrateLegacy()
	if err != nil {
		return err
	}

	if !result.Found {
		fmt.Printf("nothing to migrate in %s\n", store.Directory())
		return nil
	}

	t := newTable()
	t.AppendHeader(table.Row{"Mempool", "Confirmed", "Updated", "Skipped"})
	t.AppendRow(table.Row{result.Mempool, result.Confirmed, result.Updated, result.Skipped})
	t.Render()

	return nil
}

var networksCommand = cli.Command{
	Name:   "networks",
	Usage:  "List the networks that have a store in the data directory.",
	Action: networks,
}

func networks(ctx *cli.Context) error {
	dataDir, err := getDataDir(ctx)
	if err != nil {
		return err
	}

	found, err := txstore.ListNetworks(dataDir)
	if err != nil {
		return err
	}

	t := newTable()
	t.AppendHeader(table.Row{"Network", "Directory"})
	for _, network := range found {
		t.AppendRow(table.Row{network.Name, layout.NetworkDirectory(dataDir, network)})
	}
	t.Render()

	return nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

// sortRecords orders confirmed transactions by their position in the chain, followed by the mempool by first seen.
func sortRecords(records []*txstore.TransactionRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Confirmed() != b.Confirmed() {
			return a.Confirmed()
		}

		if a.Height != b.Height {
			return a.Height < b.Height
		}

		if a.BlockIndex != b.BlockIndex {
			return a.BlockIndex < b.BlockIndex
		}

		return a.FirstSeen.Before(b.FirstSeen)
	})
}

func recordRow(record *txstore.TransactionRecord) table.Row {
	height, blockHash, blockIndex := "mempool", "", ""
	if record.Confirmed() {
		height = fmt.Sprintf("%d", record.Height)
		blockHash = record.BlockHash.String()
		blockIndex = fmt.Sprintf("%d", record.BlockIndex)
	}

	firstSeen := ""
	if !record.FirstSeen.IsZero() {
		firstSeen = record.FirstSeen.Format(timeFormat)
	}

	return table.Row{
		record.Hash().String(),
		height,
		blockHash,
		blockIndex,
		record.Label,
		firstSeen,
		record.IsReplacement,
	}
}

func serializeRecord(record *txstore.TransactionRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := record.Tx.Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, "failed to serialize transaction")
	}

	return buf.Bytes(), nil
}
