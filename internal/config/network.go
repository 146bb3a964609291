package config

import (
	"fmt"
	"sort"

	"StakeLedger/internal/address"
	"StakeLedger/internal/epoch"
)

const (
	Localnet = "localnet"
	Devnet   = "devnet"
	Mainnet  = "mainnet"
)

// Network is one deployment of the staking program and its global config.
type Network struct {
	Name              string
	ProgramID         address.PublicKey
	Mint              address.PublicKey
	EpochDuration     int64  // seconds
	Genesis           int64  // Unix seconds of epoch 0
	UnlockingDuration uint64 // epochs
}

// Clock returns the epoch clock for this network.
func (n Network) Clock() (epoch.Clock, error) {
	return epoch.NewClock(n.Genesis, n.EpochDuration)
}

var (
	stakingProgram = address.MustParsePublicKey("Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS")
	governanceMint = address.MustParsePublicKey("9XTwAxgjwLntqoVBHqj7y1ZgDd53LMbVZjzawBSKiuCu")
)

var networks = map[string]Network{
	Localnet: {
		Name:              Localnet,
		ProgramID:         stakingProgram,
		Mint:              governanceMint,
		EpochDuration:     3600,
		UnlockingDuration: 1,
	},
	Devnet: {
		Name:              Devnet,
		ProgramID:         stakingProgram,
		Mint:              governanceMint,
		EpochDuration:     3600,
		UnlockingDuration: 1,
	},
	Mainnet: {
		Name:              Mainnet,
		ProgramID:         stakingProgram,
		Mint:              governanceMint,
		EpochDuration:     7 * 24 * 3600,
		UnlockingDuration: 1,
	},
}

// LookupNetwork returns the preset for name.
func LookupNetwork(name string) (Network, error) {
	n, ok := networks[name]
	if !ok {
		return Network{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownNetwork, name, NetworkNames())
	}
	return n, nil
}

// NetworkNames lists the known presets, sorted.
func NetworkNames() []string {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
