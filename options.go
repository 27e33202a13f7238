package txstore

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elliotcourant/txstore/options"
	"github.com/pkg/errors"
)

const (
	defaultRewriteThreshold = 1000
	defaultRewriteRatio     = 1
	defaultCacheNumCounters = 1e5
	defaultCacheMaxCost     = 32 << 20
)

type (
	// Options are params for creating a Store.
	//
	// This package provides DefaultOptions which contains options that should work for most applications. Consider
	// using that as a starting point before customizing it for your own needs.
	Options struct {
		// Directory is the base directory, every network gets its own directory below it.
		Directory string

		// Network scopes the store, stores for different networks never share files.
		Network *chaincfg.Params

		// EnsureBackwardsCompatibility makes Open look for the legacy single file layout and migrate it into the
		// partitions.
		EnsureBackwardsCompatibility bool

		// SyncWrites syncs the partition file after every mutation.
		SyncWrites bool

		// ChecksumVerification controls whether frame checksums are checked while a partition file is replayed.
		ChecksumVerification options.ChecksumVerificationMode

		// A partition file is compacted once it holds more than RewriteThreshold superseded frames and more than
		// RewriteRatio superseded frames per live record.
		RewriteThreshold int
		RewriteRatio     int

		// CacheNumCounters and CacheMaxCost size the cache of decoded records of each partition. A CacheMaxCost of 0
		// disables the cache.
		CacheNumCounters int64
		CacheMaxCost     int64

		// EventLogging enables golang.org/x/net/trace event logs for each partition.
		EventLogging bool
	}
)

// DefaultOptions sets a list of recommended options for good performance. Feel free to modify these to suit your
// needs with the WithX methods.
func DefaultOptions(directory string, network *chaincfg.Params) Options {
	return Options{
		Directory:                    directory,
		Network:                      network,
		EnsureBackwardsCompatibility: true,
		SyncWrites:                   true,
		ChecksumVerification:         options.OnLoad,
		RewriteThreshold:             defaultRewriteThreshold,
		RewriteRatio:                 defaultRewriteRatio,
		CacheNumCounters:             defaultCacheNumCounters,
		CacheMaxCost:                 defaultCacheMaxCost,
		EventLogging:                 false,
	}
}

// WithDirectory returns a new Options value with Directory set to the given value.
func (opt Options) WithDirectory(directory string) Options {
	opt.Directory = directory
	return opt
}

// WithNetwork returns a new Options value with Network set to the given value.
func (opt Options) WithNetwork(network *chaincfg.Params) Options {
	opt.Network = network
	return opt
}

// WithEnsureBackwardsCompatibility returns a new Options value with EnsureBackwardsCompatibility set to the given
// value.
func (opt Options) WithEnsureBackwardsCompatibility(val bool) Options {
	opt.EnsureBackwardsCompatibility = val
	return opt
}

// WithSyncWrites returns a new Options value with SyncWrites set to the given value.
//
// When SyncWrites is false a machine crash may lose the most recent mutations. A process crash does not.
func (opt Options) WithSyncWrites(val bool) Options {
	opt.SyncWrites = val
	return opt
}

// WithChecksumVerification returns a new Options value with ChecksumVerification set to the given value.
func (opt Options) WithChecksumVerification(mode options.ChecksumVerificationMode) Options {
	opt.ChecksumVerification = mode
	return opt
}

// WithRewriteThreshold returns a new Options value with RewriteThreshold set to the given value.
func (opt Options) WithRewriteThreshold(val int) Options {
	opt.RewriteThreshold = val
	return opt
}

// WithRewriteRatio returns a new Options value with RewriteRatio set to the given value.
func (opt Options) WithRewriteRatio(val int) Options {
	opt.RewriteRatio = val
	return opt
}

// WithCache returns a new Options value with the record cache sized by the given values.
func (opt Options) WithCache(numCounters, maxCost int64) Options {
	opt.CacheNumCounters = numCounters
	opt.CacheMaxCost = maxCost
	return opt
}

// WithEventLogging returns a new Options value with EventLogging set to the given value.
func (opt Options) WithEventLogging(enabled bool) Options {
	opt.EventLogging = enabled
	return opt
}

func (opt Options) validate() error {
	if opt.Directory == "" {
		return ErrEmptyDirectory
	}

	if opt.Network == nil {
		return ErrNilNetwork
	}

	if opt.RewriteThreshold < 0 || opt.RewriteRatio < 1 {
		return errors.Wrapf(
			ErrInvalidOptions,
			"rewrite threshold %d must not be negative and ratio %d must be at least 1",
			opt.RewriteThreshold,
			opt.RewriteRatio,
		)
	}

	if opt.CacheMaxCost < 0 || (opt.CacheMaxCost > 0 && opt.CacheNumCounters <= 0) {
		return errors.Wrapf(
			ErrInvalidOptions,
			"cache needs counters when it has a max cost, counters: %d max cost: %d",
			opt.CacheNumCounters,
			opt.CacheMaxCost,
		)
	}

	return nil
}

// partitionOptions picks the settings that apply to a single partition.
func (opt Options) partitionOptions() partitionOptions {
	return partitionOptions{
		syncWrites:           opt.SyncWrites,
		checksumVerification: opt.ChecksumVerification,
		rewriteThreshold:     opt.RewriteThreshold,
		rewriteRatio:         opt.RewriteRatio,
		cacheNumCounters:     opt.CacheNumCounters,
		cacheMaxCost:         opt.CacheMaxCost,
		eventLogging:         opt.EventLogging,
	}
}
