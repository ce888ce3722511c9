package tree

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

var (
	ErrConnectorReused     = errors.New("connector already backs another forfeit")
	ErrNotEnoughConnectors = errors.New("not enough connectors")
	ErrUnknownConnector    = errors.New("unknown connector")
)

type Connector struct {
	Outpoint wire.OutPoint
	Prevout  *wire.TxOut
}

// ConnectorTracker hands out the connector outputs of a connector tree, each
// one backing a single forfeit tx.
type ConnectorTracker struct {
	connectors []Connector
	byOutpoint map[wire.OutPoint]int
	usedBy     map[wire.OutPoint]string
	assigned   map[string]wire.OutPoint
}

func NewConnectorTracker(connectorTree *TxTree) (*ConnectorTracker, error) {
	if err := connectorTree.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connector tree: %w", err)
	}

	tracker := &ConnectorTracker{
		byOutpoint: make(map[wire.OutPoint]int),
		usedBy:     make(map[wire.OutPoint]string),
		assigned:   make(map[string]wire.OutPoint),
	}

	for _, leaf := range connectorTree.Leaves() {
		tx := leaf.Tx.UnsignedTx
		index := nonAnchorOutputs(tx)[0]
		outpoint := wire.OutPoint{Hash: tx.TxHash(), Index: index}
		tracker.byOutpoint[outpoint] = len(tracker.connectors)
		tracker.connectors = append(tracker.connectors, Connector{
			Outpoint: outpoint,
			Prevout:  tx.TxOut[index],
		})
	}

	return tracker, nil
}

func (t *ConnectorTracker) Len() int {
	return len(t.connectors)
}

// Next assigns the first unused connector, in leaf order, to the vtxo.
func (t *ConnectorTracker) Next(vtxo string) (*Connector, error) {
	if outpoint, ok := t.assigned[vtxo]; ok {
		connector := t.connectors[t.byOutpoint[outpoint]]
		return &connector, nil
	}

	for _, connector := range t.connectors {
		if _, used := t.usedBy[connector.Outpoint]; used {
			continue
		}
		return t.Claim(vtxo, connector.Outpoint)
	}
	return nil, ErrNotEnoughConnectors
}

// Claim assigns the given connector to the vtxo, it fails if the connector
// already backs the forfeit of another vtxo.
func (t *ConnectorTracker) Claim(vtxo string, outpoint wire.OutPoint) (*Connector, error) {
	index, ok := t.byOutpoint[outpoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, outpoint)
	}

	if owner, used := t.usedBy[outpoint]; used && owner != vtxo {
		return nil, fmt.Errorf("%w: %s used by %s", ErrConnectorReused, outpoint, owner)
	}
	if previous, ok := t.assigned[vtxo]; ok && previous != outpoint {
		return nil, fmt.Errorf("vtxo %s already forfeited with connector %s", vtxo, previous)
	}

	t.usedBy[outpoint] = vtxo
	t.assigned[vtxo] = outpoint
	connector := t.connectors[index]
	return &connector, nil
}
