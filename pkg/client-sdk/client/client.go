package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	RestClient      = "rest"
	WebsocketClient = "websocket"
)

type TransportClient interface {
	GetInfo(ctx context.Context) (*Info, error)
	RegisterIntent(ctx context.Context, proof, message string) (string, error)
	DeleteIntent(ctx context.Context, proof, message string) error
	ConfirmRegistration(ctx context.Context, intentID string) error
	SubmitTreeNonces(
		ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
	) error
	SubmitTreeSignatures(
		ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
	) error
	SubmitSignedForfeitTxs(
		ctx context.Context, signedForfeitTxs []string, signedCommitmentTx string,
	) error
	GetEventStream(
		ctx context.Context, topics []string,
	) (<-chan BatchEventChannel, func(), error)
	Close()
}

type Info struct {
	Version             string
	SignerPubKey        string
	ForfeitPubKey       string
	ForfeitAddress      string
	CheckpointTapscript string
	Network             string
	SessionDuration     int64
	UnilateralExitDelay int64
	BoardingExitDelay   int64
	Dust                uint64
}

// RequestError is a request the server answered with an error status.
type RequestError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Rejected reports whether the server refused the request itself, sending
// it again unchanged would fail the same way.
func (e *RequestError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsRejected reports whether err wraps a request rejected by the server.
func IsRejected(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Rejected()
}

type BatchEvent interface {
	isBatchEvent()
}

type BatchEventChannel struct {
	Event BatchEvent
	Err   error
}

type StreamStartedEvent struct {
	Id string
}

type HeartbeatEvent struct{}

type BatchStartedEvent struct {
	Id              string
	HashedIntentIds []string
	BatchExpiry     int64
}

type BatchFinalizationEvent struct {
	Id string
	// Tx is the b64 commitment psbt.
	Tx string
	// ConnectorsIndex maps vtxo outpoint to the connector backing its
	// forfeit.
	ConnectorsIndex map[string]types.Outpoint
	MinRelayFeeRate chainfee.SatPerKVByte
}

type BatchFinalizedEvent struct {
	Id   string
	Txid string
}

type BatchFailedEvent struct {
	Id     string
	Reason string
}

type TreeSigningStartedEvent struct {
	Id                   string
	UnsignedCommitmentTx string
	CosignersPubkeys     []string
}

// TreeNoncesEvent carries the nonces of every cosigner of a node, keyed by
// hex cosigner public key.
type TreeNoncesEvent struct {
	Id     string
	Topic  []string
	Txid   string
	Nonces map[string][66]byte
}

type TreeNoncesAggregatedEvent struct {
	Id     string
	Nonces tree.TreeNonces
}

type TreePartialSignaturesEvent struct {
	Id         string
	Topic      []string
	Cosigner   string
	Signatures tree.TreePartialSigs
}

type TreeTxEvent struct {
	Id         string
	Topic      []string
	BatchIndex int32
	Node       tree.TxTreeNode
}

type TreeSignatureEvent struct {
	Id         string
	Topic      []string
	BatchIndex int32
	Txid       string
	// Signature is hex encoded.
	Signature string
}

func (StreamStartedEvent) isBatchEvent()         {}
func (HeartbeatEvent) isBatchEvent()             {}
func (BatchStartedEvent) isBatchEvent()          {}
func (BatchFinalizationEvent) isBatchEvent()     {}
func (BatchFinalizedEvent) isBatchEvent()        {}
func (BatchFailedEvent) isBatchEvent()           {}
func (TreeSigningStartedEvent) isBatchEvent()    {}
func (TreeNoncesEvent) isBatchEvent()            {}
func (TreeNoncesAggregatedEvent) isBatchEvent()  {}
func (TreePartialSignaturesEvent) isBatchEvent() {}
func (TreeTxEvent) isBatchEvent()                {}
func (TreeSignatureEvent) isBatchEvent()         {}
