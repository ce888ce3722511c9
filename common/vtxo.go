package common

import (
	"errors"
)

var (
	ErrLeafNotFound = errors.New("leaf not found in taproot tree")
)

// TaprootMerkleProof is what a tapscript spend needs besides the witness
// arguments: the leaf script and its control block.
type TaprootMerkleProof struct {
	ControlBlock []byte
	Script       []byte
}
