package common

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

type Network struct {
	Name string
	Addr string
}

var Bitcoin = Network{
	Name: "bitcoin",
	Addr: "ark",
}

var BitcoinTestNet = Network{
	Name: "testnet",
	Addr: "tark",
}

var BitcoinRegTest = Network{
	Name: "regtest",
	Addr: "tark",
}

var BitcoinSigNet = Network{
	Name: "signet",
	Addr: "tark",
}

// NetworkFromString returns the network with the given name.
func NetworkFromString(net string) (Network, error) {
	switch net {
	case Bitcoin.Name:
		return Bitcoin, nil
	case BitcoinTestNet.Name:
		return BitcoinTestNet, nil
	case BitcoinRegTest.Name:
		return BitcoinRegTest, nil
	case BitcoinSigNet.Name:
		return BitcoinSigNet, nil
	default:
		return Network{}, fmt.Errorf("unknown network %s", net)
	}
}

// ChainParams returns the btcd params of the network, used to decode
// onchain addresses.
func (n Network) ChainParams() *chaincfg.Params {
	switch n.Name {
	case BitcoinTestNet.Name:
		return &chaincfg.TestNet3Params
	case BitcoinRegTest.Name:
		return &chaincfg.RegressionNetParams
	case BitcoinSigNet.Name:
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
