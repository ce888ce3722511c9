package tree

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrNoCosigners = errors.New("no cosigners")
)

type Musig2Nonce struct {
	PubNonce [66]byte
}

// TreeNonces maps txid to public nonce.
// it implements json.Marshaler and json.Unmarshaler
type TreeNonces map[string]*Musig2Nonce

func (n TreeNonces) MarshalJSON() ([]byte, error) {
	mapObject := make(map[string]string)
	for txid, nonce := range n {
		mapObject[txid] = hex.EncodeToString(nonce.PubNonce[:])
	}

	return json.Marshal(mapObject)
}

func (n *TreeNonces) UnmarshalJSON(data []byte) error {
	mapObject := make(map[string]string)
	if err := json.Unmarshal(data, &mapObject); err != nil {
		return err
	}

	*n = make(TreeNonces)
	for txid, nonce := range mapObject {
		pubNonce, err := DecodeNonce(nonce)
		if err != nil {
			return fmt.Errorf("txid %s: %w", txid, err)
		}
		(*n)[txid] = &Musig2Nonce{PubNonce: pubNonce}
	}

	return nil
}

// DecodeNonce parses a hex encoded 66 bytes public nonce.
func DecodeNonce(nonce string) ([66]byte, error) {
	var pubNonce [66]byte
	nonceBytes, err := hex.DecodeString(nonce)
	if err != nil {
		return pubNonce, err
	}
	if len(nonceBytes) != musig2.PubNonceSize {
		return pubNonce, fmt.Errorf(
			"expected nonce to be %d bytes, got %d", musig2.PubNonceSize, len(nonceBytes),
		)
	}
	copy(pubNonce[:], nonceBytes)
	return pubNonce, nil
}

// TreePartialSigs maps txid to partial signature.
// it implements json.Marshaler and json.Unmarshaler
type TreePartialSigs map[string]*musig2.PartialSignature

func (s TreePartialSigs) MarshalJSON() ([]byte, error) {
	mapObject := make(map[string]string)
	for txid, sig := range s {
		var sigBytes bytes.Buffer
		if err := sig.Encode(&sigBytes); err != nil {
			return nil, err
		}
		mapObject[txid] = hex.EncodeToString(sigBytes.Bytes())
	}

	return json.Marshal(mapObject)
}

func (s *TreePartialSigs) UnmarshalJSON(data []byte) error {
	mapObject := make(map[string]string)
	if err := json.Unmarshal(data, &mapObject); err != nil {
		return err
	}

	*s = make(TreePartialSigs)
	for txid, sig := range mapObject {
		sigBytes, err := hex.DecodeString(sig)
		if err != nil {
			return err
		}

		partialSig := &musig2.PartialSignature{}
		if err := partialSig.Decode(bytes.NewReader(sigBytes)); err != nil {
			return fmt.Errorf("txid %s: %w", txid, err)
		}
		(*s)[txid] = partialSig
	}
	return nil
}

// AggregateKeys is a wrapper around musig2.AggregateKeys using the given
// scriptRoot as taproot tweak. Keys are sorted.
func AggregateKeys(
	pubkeys []*btcec.PublicKey,
	scriptRoot []byte,
) (*musig2.AggregateKey, error) {
	if len(pubkeys) == 0 {
		return nil, ErrNoCosigners
	}

	for _, pubkey := range pubkeys {
		if pubkey == nil {
			return nil, errors.New("nil pubkey")
		}
	}

	opts := make([]musig2.KeyAggOption, 0)
	if len(scriptRoot) > 0 {
		opts = append(opts, musig2.WithTaprootKeyTweak(scriptRoot))
	}

	key, _, _, err := musig2.AggregateKeys(pubkeys, true, opts...)
	if err != nil {
		return nil, err
	}

	return key, nil
}

// SignOptions are the musig2 options of a tree partial signature, keys are
// sorted and the aggregated key is tweaked with scriptRoot.
func SignOptions(scriptRoot []byte) []musig2.SignOption {
	opts := []musig2.SignOption{musig2.WithSortedKeys()}
	if len(scriptRoot) > 0 {
		opts = append(opts, musig2.WithTaprootSignTweak(scriptRoot))
	}
	return opts
}

// prevoutFetcher returns the output spent by the node, the batch output for
// the root.
func prevoutFetcher(
	tree *TxTree, node *Node, batchOutput *wire.TxOut,
) (txscript.PrevOutputFetcher, error) {
	parent := tree.Parent(node)
	if parent == nil {
		if batchOutput == nil {
			return nil, errors.New("missing batch output")
		}
		return txscript.NewCannedPrevOutputFetcher(batchOutput.PkScript, batchOutput.Value), nil
	}

	index := node.Input().Index
	if int(index) >= len(parent.Tx.UnsignedTx.TxOut) {
		return nil, fmt.Errorf("node %s spends unknown output %d", node.Txid, index)
	}
	prevout := parent.Tx.UnsignedTx.TxOut[index]
	return txscript.NewCannedPrevOutputFetcher(prevout.PkScript, prevout.Value), nil
}

// nodeSighash is the taproot key path sighash of the node input.
func nodeSighash(tree *TxTree, node *Node, batchOutput *wire.TxOut) ([32]byte, error) {
	var message [32]byte

	fetcher, err := prevoutFetcher(tree, node, batchOutput)
	if err != nil {
		return message, err
	}

	tx := node.Tx.UnsignedTx
	sighash, err := txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(tx, fetcher), txscript.SigHashDefault, tx, 0, fetcher,
	)
	if err != nil {
		return message, fmt.Errorf("failed to compute sighash of %s: %w", node.Txid, err)
	}
	copy(message[:], sighash)
	return message, nil
}

// workPool runs processItem over items with at most workers goroutines, it
// returns the first error.
func workPool[T any](items []T, workers int, processItem func(item T) error) error {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	sem := make(chan struct{}, workers)

	for _, item := range items {
		sem <- struct{}{}
		wg.Add(1)
		go func(item T) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := processItem(item); err != nil {
				once.Do(func() { firstErr = err })
			}
		}(item)
	}

	wg.Wait()
	return firstErr
}
