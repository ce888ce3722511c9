package restclient

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/client"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

type infoResponse struct {
	Version             string `json:"version"`
	SignerPubkey        string `json:"signerPubkey"`
	ForfeitPubkey       string `json:"forfeitPubkey"`
	ForfeitAddress      string `json:"forfeitAddress"`
	CheckpointTapscript string `json:"checkpointTapscript"`
	Network             string `json:"network"`
	SessionDuration     string `json:"sessionDuration"`
	UnilateralExitDelay string `json:"unilateralExitDelay"`
	BoardingExitDelay   string `json:"boardingExitDelay"`
	Dust                string `json:"dust"`
}

func (r infoResponse) toInfo() (*client.Info, error) {
	sessionDuration, err := parseInt(r.SessionDuration)
	if err != nil {
		return nil, fmt.Errorf("invalid session duration: %w", err)
	}
	unilateralExitDelay, err := parseInt(r.UnilateralExitDelay)
	if err != nil {
		return nil, fmt.Errorf("invalid unilateral exit delay: %w", err)
	}
	boardingExitDelay, err := parseInt(r.BoardingExitDelay)
	if err != nil {
		return nil, fmt.Errorf("invalid boarding exit delay: %w", err)
	}
	dust, err := parseInt(r.Dust)
	if err != nil {
		return nil, fmt.Errorf("invalid dust: %w", err)
	}

	return &client.Info{
		Version:             r.Version,
		SignerPubKey:        r.SignerPubkey,
		ForfeitPubKey:       r.ForfeitPubkey,
		ForfeitAddress:      r.ForfeitAddress,
		CheckpointTapscript: r.CheckpointTapscript,
		Network:             r.Network,
		SessionDuration:     sessionDuration,
		UnilateralExitDelay: unilateralExitDelay,
		BoardingExitDelay:   boardingExitDelay,
		Dust:                uint64(dust),
	}, nil
}

type intent struct {
	Proof   string `json:"proof"`
	Message string `json:"message"`
}

type registerIntentRequest struct {
	Intent intent `json:"intent"`
}

type registerIntentResponse struct {
	IntentId string `json:"intentId"`
}

type deleteIntentRequest struct {
	Intent intent `json:"intent"`
}

type confirmRegistrationRequest struct {
	IntentId string `json:"intentId"`
}

type submitTreeNoncesRequest struct {
	BatchId    string `json:"batchId"`
	Pubkey     string `json:"pubkey"`
	TreeNonces string `json:"treeNonces"`
}

type submitTreeSignaturesRequest struct {
	BatchId        string `json:"batchId"`
	Pubkey         string `json:"pubkey"`
	TreeSignatures string `json:"treeSignatures"`
}

type submitSignedForfeitTxsRequest struct {
	SignedForfeitTxs   []string `json:"signedForfeitTxs"`
	SignedCommitmentTx string   `json:"signedCommitmentTx"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// streamResponse is a line of the event stream.
type streamResponse struct {
	Result *eventResponse `json:"result"`
	Error  *errorResponse `json:"error"`
}

type outpoint struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type eventResponse struct {
	StreamStarted *struct {
		Id string `json:"id"`
	} `json:"streamStarted"`
	Heartbeat    *struct{} `json:"heartbeat"`
	BatchStarted *struct {
		Id             string   `json:"id"`
		IntentIdHashes []string `json:"intentIdHashes"`
		BatchExpiry    string   `json:"batchExpiry"`
	} `json:"batchStarted"`
	BatchFinalization *struct {
		Id              string              `json:"id"`
		CommitmentTx    string              `json:"commitmentTx"`
		ConnectorsIndex map[string]outpoint `json:"connectorsIndex"`
		MinRelayFeeRate string              `json:"minRelayFeeRate"`
	} `json:"batchFinalization"`
	BatchFinalized *struct {
		Id             string `json:"id"`
		CommitmentTxid string `json:"commitmentTxid"`
	} `json:"batchFinalized"`
	BatchFailed *struct {
		Id     string `json:"id"`
		Reason string `json:"reason"`
	} `json:"batchFailed"`
	TreeSigningStarted *struct {
		Id                   string   `json:"id"`
		CosignersPubkeys     []string `json:"cosignersPubkeys"`
		UnsignedCommitmentTx string   `json:"unsignedCommitmentTx"`
	} `json:"treeSigningStarted"`
	TreeNonces *struct {
		Id     string            `json:"id"`
		Topic  []string          `json:"topic"`
		Txid   string            `json:"txid"`
		Nonces map[string]string `json:"nonces"`
	} `json:"treeNonces"`
	TreeNoncesAggregated *struct {
		Id         string `json:"id"`
		TreeNonces string `json:"treeNonces"`
	} `json:"treeNoncesAggregated"`
	TreePartialSignatures *struct {
		Id             string   `json:"id"`
		Topic          []string `json:"topic"`
		Pubkey         string   `json:"pubkey"`
		TreeSignatures string   `json:"treeSignatures"`
	} `json:"treePartialSignatures"`
	TreeTx *struct {
		Id         string            `json:"id"`
		Topic      []string          `json:"topic"`
		BatchIndex int32             `json:"batchIndex"`
		Txid       string            `json:"txid"`
		Tx         string            `json:"tx"`
		Children   map[uint32]string `json:"children"`
	} `json:"treeTx"`
	TreeSignature *struct {
		Id         string   `json:"id"`
		Topic      []string `json:"topic"`
		BatchIndex int32    `json:"batchIndex"`
		Txid       string   `json:"txid"`
		Signature  string   `json:"signature"`
	} `json:"treeSignature"`
}

func (e eventResponse) toBatchEvent() (client.BatchEvent, error) {
	if ee := e.StreamStarted; ee != nil {
		return client.StreamStartedEvent{Id: ee.Id}, nil
	}

	if e.Heartbeat != nil {
		return client.HeartbeatEvent{}, nil
	}

	if ee := e.BatchFailed; ee != nil {
		return client.BatchFailedEvent{
			Id:     ee.Id,
			Reason: ee.Reason,
		}, nil
	}

	if ee := e.BatchStarted; ee != nil {
		batchExpiry, err := parseInt(ee.BatchExpiry)
		if err != nil {
			return nil, fmt.Errorf("invalid batch expiry: %w", err)
		}
		return client.BatchStartedEvent{
			Id:              ee.Id,
			HashedIntentIds: ee.IntentIdHashes,
			BatchExpiry:     batchExpiry,
		}, nil
	}

	if ee := e.BatchFinalization; ee != nil {
		connectorsIndex := make(map[string]types.Outpoint, len(ee.ConnectorsIndex))
		for vtxo, connector := range ee.ConnectorsIndex {
			connectorsIndex[vtxo] = types.Outpoint{Txid: connector.Txid, VOut: connector.Vout}
		}
		feeRate, err := parseInt(ee.MinRelayFeeRate)
		if err != nil {
			return nil, fmt.Errorf("invalid min relay fee rate: %w", err)
		}

		return client.BatchFinalizationEvent{
			Id:              ee.Id,
			Tx:              ee.CommitmentTx,
			ConnectorsIndex: connectorsIndex,
			MinRelayFeeRate: chainfee.SatPerKVByte(feeRate),
		}, nil
	}

	if ee := e.BatchFinalized; ee != nil {
		return client.BatchFinalizedEvent{
			Id:   ee.Id,
			Txid: ee.CommitmentTxid,
		}, nil
	}

	if ee := e.TreeSigningStarted; ee != nil {
		return client.TreeSigningStartedEvent{
			Id:                   ee.Id,
			UnsignedCommitmentTx: ee.UnsignedCommitmentTx,
			CosignersPubkeys:     ee.CosignersPubkeys,
		}, nil
	}

	if ee := e.TreeNonces; ee != nil {
		nonces := make(map[string][66]byte, len(ee.Nonces))
		for pubkey, nonce := range ee.Nonces {
			pubNonce, err := tree.DecodeNonce(nonce)
			if err != nil {
				return nil, fmt.Errorf("invalid nonce of %s: %w", pubkey, err)
			}
			nonces[pubkey] = pubNonce
		}
		return client.TreeNoncesEvent{
			Id:     ee.Id,
			Topic:  ee.Topic,
			Txid:   ee.Txid,
			Nonces: nonces,
		}, nil
	}

	if ee := e.TreeNoncesAggregated; ee != nil {
		nonces := make(tree.TreeNonces)
		if err := json.Unmarshal([]byte(ee.TreeNonces), &nonces); err != nil {
			return nil, err
		}
		return client.TreeNoncesAggregatedEvent{
			Id:     ee.Id,
			Nonces: nonces,
		}, nil
	}

	if ee := e.TreePartialSignatures; ee != nil {
		sigs := make(tree.TreePartialSigs)
		if err := json.Unmarshal([]byte(ee.TreeSignatures), &sigs); err != nil {
			return nil, err
		}
		return client.TreePartialSignaturesEvent{
			Id:         ee.Id,
			Topic:      ee.Topic,
			Cosigner:   ee.Pubkey,
			Signatures: sigs,
		}, nil
	}

	if ee := e.TreeTx; ee != nil {
		return client.TreeTxEvent{
			Id:         ee.Id,
			Topic:      ee.Topic,
			BatchIndex: ee.BatchIndex,
			Node: tree.TxTreeNode{
				Txid:     ee.Txid,
				Tx:       ee.Tx,
				Children: ee.Children,
			},
		}, nil
	}

	if ee := e.TreeSignature; ee != nil {
		return client.TreeSignatureEvent{
			Id:         ee.Id,
			Topic:      ee.Topic,
			BatchIndex: ee.BatchIndex,
			Txid:       ee.Txid,
			Signature:  ee.Signature,
		}, nil
	}

	return nil, fmt.Errorf("unknown event")
}

// parseInt parses the string encoding of 64 bit integers, empty is zero.
func parseInt(s string) (int64, error) {
	if len(s) <= 0 {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
