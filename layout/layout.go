package layout

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/elliotcourant/timber"
	"github.com/elliotcourant/txstore/options"
)

const (
	// TransactionsFilename is the name of the file that backs every partition. The legacy layout used the same name
	// directly inside the network directory.
	TransactionsFilename = "Transactions.dat"

	// RewriteSuffix is appended to TransactionsFilename while a partition file is being compacted.
	RewriteSuffix = ".rewrite"

	// MigratedSuffix is appended to the legacy file once its records have been moved into the partitions.
	MigratedSuffix = ".migrated"
)

var (
	// networkNames maps bitcoin networks to the directory names the wallet has always used for them.
	networkNames = map[wire.BitcoinNet]string{
		wire.MainNet:  "Main",
		wire.TestNet3: "TestNet",
		wire.TestNet:  "RegTest",
		wire.SimNet:   "SimNet",
		wire.SigNet:   "SigNet",
	}

	// networkParams is the reverse of networkNames.
	networkParams = map[string]*chaincfg.Params{
		"Main":    &chaincfg.MainNetParams,
		"TestNet": &chaincfg.TestNet3Params,
		"RegTest": &chaincfg.RegressionNetParams,
		"SimNet":  &chaincfg.SimNetParams,
		"SigNet":  &chaincfg.SigNetParams,
	}

	// networkAliases are the names operators type on the command line.
	networkAliases = map[string]string{
		"main":     "Main",
		"mainnet":  "Main",
		"testnet":  "TestNet",
		"testnet3": "TestNet",
		"regtest":  "RegTest",
		"simnet":   "SimNet",
		"signet":   "SigNet",
	}
)

// NetworkName returns the directory name for the network. Networks without a well known name fall back to the name
// in their parameters.
func NetworkName(params *chaincfg.Params) string {
	if name, ok := networkNames[params.Net]; ok {
		return name
	}

	return params.Name
}

// NetworkDirectory returns the directory that holds everything stored for the network under base.
func NetworkDirectory(base string, params *chaincfg.Params) string {
	return filepath.Join(base, NetworkName(params))
}

// PartitionDirectory returns the directory of one partition within a network directory.
func PartitionDirectory(networkDirectory string, kind options.PartitionKind) string {
	return filepath.Join(networkDirectory, kind.String())
}

// PartitionFile returns the path of the file backing a partition stored in directory.
func PartitionFile(directory string) string {
	return filepath.Join(directory, TransactionsFilename)
}

// RewriteFile returns the path a partition file is compacted into before it is renamed over the original.
func RewriteFile(directory string) string {
	return filepath.Join(directory, TransactionsFilename+RewriteSuffix)
}

// LegacyFile returns the path of the single, non-partitioned file older versions wrote for a network.
func LegacyFile(networkDirectory string) string {
	return filepath.Join(networkDirectory, TransactionsFilename)
}

// MigratedLegacyFile returns where the legacy file is moved once it has been migrated.
func MigratedLegacyFile(networkDirectory string) string {
	return LegacyFile(networkDirectory) + MigratedSuffix
}

// ParseNetworkDirectory reads the network out of a network directory name, if the name is not one of the known
// networks this method will return false.
func ParseNetworkDirectory(name string) (*chaincfg.Params, bool) {
	name = path.Base(filepath.ToSlash(name))

	params, ok := networkParams[name]
	if !ok {
		timber.Debugf("%s is not a network directory", name)
		return nil, false
	}

	return params, true
}

// NetworkByName resolves a network from the name an operator would type, such as "mainnet" or "regtest". Directory
// names are accepted as well.
func NetworkByName(name string) (*chaincfg.Params, bool) {
	if params, ok := networkParams[name]; ok {
		return params, true
	}

	canonical, ok := networkAliases[strings.ToLower(name)]
	if !ok {
		return nil, false
	}

	return networkParams[canonical], true
}
