package txstore

import (
	"io/ioutil"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elliotcourant/txstore/layout"
	"github.com/elliotcourant/txstore/z"
)

// ListNetworks returns the networks that have a directory below the base directory. A base directory that does not
// exist has no networks.
func ListNetworks(directory string) ([]*chaincfg.Params, error) {
	dirExists, err := z.Exists(directory)
	if err != nil {
		return nil, z.Wrapf(err, "Invalid Dir: %q", directory)
	}

	if !dirExists {
		return nil, nil
	}

	fileInfoList, err := ioutil.ReadDir(directory)
	if err != nil {
		return nil, z.Wrapf(err, "failed to read directory %q", directory)
	}

	var networks []*chaincfg.Params
	for _, info := range fileInfoList {
		if !info.IsDir() {
			continue
		}

		params, ok := layout.ParseNetworkDirectory(info.Name())
		if !ok {
			continue
		}

		networks = append(networks, params)
	}

	return networks, nil
}
