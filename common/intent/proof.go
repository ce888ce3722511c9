// Package intent builds and verifies the proof of ownership attached to a
// batch registration: a BIP322 full proof of funds whose message is the
// intent.
package intent

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ark-network/ark-batch/common/script"
	"github.com/ark-network/ark-batch/common/tree"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	tagIntentProof   = []byte("ark-intent-proof-message")
	opReturnPkScript = []byte{txscript.OP_RETURN}
)

// Input is a vtxo or boarding utxo whose ownership is proven by signing
// through the given closure.
type Input struct {
	tree.VtxoInput
}

// Proof is a special invalid psbt spending the inputs to prove ownership,
// signing it means signing the psbt as a regular transaction.
type Proof psbt.Packet

// New creates the proof psbt of the message. Outputs are the registered
// receivers, an OP_RETURN output is used if there are none.
func New(message string, inputs []Input, outputs []*wire.TxOut) (*Proof, error) {
	if len(inputs) == 0 {
		return nil, ErrMissingInputs
	}

	prevouts := make([]*wire.TxOut, 0, len(inputs))
	leaves := make([]*psbt.TaprootTapLeafScript, 0, len(inputs))
	locktime := uint32(0)
	for _, input := range inputs {
		if input.Outpoint == nil || input.Closure == nil {
			return nil, ErrMissingData
		}
		prevout, leaf, err := input.Prevout()
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", input.Outpoint, err)
		}
		prevouts = append(prevouts, prevout)
		leaves = append(leaves, leaf)

		if l := uint32(input.Locktime()); l > locktime {
			locktime = l
		}
	}

	toSpend := craftToSpendTx(message, prevouts[0].PkScript)

	outpoints := make([]*wire.OutPoint, 0, len(inputs)+1)
	sequences := make([]uint32, 0, len(inputs)+1)
	outpoints = append(outpoints, &wire.OutPoint{Hash: toSpend.TxHash(), Index: 0})
	sequences = append(sequences, inputSequence(inputs[0]))
	for _, input := range inputs {
		outpoints = append(outpoints, input.Outpoint)
		sequences = append(sequences, inputSequence(input))
	}

	if len(outputs) == 0 {
		outputs = []*wire.TxOut{{Value: 0, PkScript: opReturnPkScript}}
	}

	toSign, err := psbt.New(outpoints, outputs, 2, locktime, sequences)
	if err != nil {
		return nil, err
	}

	updater, err := psbt.NewUpdater(toSign)
	if err != nil {
		return nil, err
	}

	if err := updater.AddInWitnessUtxo(toSpend.TxOut[0], 0); err != nil {
		return nil, err
	}
	if err := updater.AddInSighashType(txscript.SigHashDefault, 0); err != nil {
		return nil, err
	}
	toSign.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{leaves[0]}

	for i, input := range inputs {
		if err := updater.AddInWitnessUtxo(prevouts[i], i+1); err != nil {
			return nil, err
		}
		if err := updater.AddInSighashType(txscript.SigHashDefault, i+1); err != nil {
			return nil, err
		}
		toSign.Inputs[i+1].TaprootLeafScript = []*psbt.TaprootTapLeafScript{leaves[i]}
		if err := tree.AddTaprootTree(i+1, toSign, input.Tapscripts); err != nil {
			return nil, err
		}
	}

	return (*Proof)(toSign), nil
}

func Decode(b64 string) (*Proof, error) {
	ptx, err := psbt.NewFromRawBytes(strings.NewReader(b64), true)
	if err != nil {
		return nil, err
	}
	return (*Proof)(ptx), nil
}

func (p *Proof) Encode() (string, error) {
	return (*psbt.Packet)(p).B64Encode()
}

// Packet returns the underlying psbt, to be signed in place.
func (p *Proof) Packet() *psbt.Packet {
	return (*psbt.Packet)(p)
}

// Outpoints are the proven inputs, the toSpend input excluded.
func (p *Proof) Outpoints() []wire.OutPoint {
	outpoints := make([]wire.OutPoint, 0, len(p.UnsignedTx.TxIn))
	for _, input := range p.UnsignedTx.TxIn[1:] {
		outpoints = append(outpoints, input.PreviousOutPoint)
	}
	return outpoints
}

// Finalize builds the witness of every input from the tapscript
// signatures, it fails if any is missing.
func (p *Proof) Finalize() (*wire.MsgTx, error) {
	tx := p.UnsignedTx.Copy()

	for i, input := range p.Inputs {
		if len(input.TaprootLeafScript) == 0 {
			return nil, fmt.Errorf("input %d: %w", i, ErrMissingLeafScript)
		}
		leaf := input.TaprootLeafScript[0]

		closure, err := script.DecodeClosure(leaf.Script)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		leafHash := txscript.NewTapLeaf(leaf.LeafVersion, leaf.Script).TapHash()
		signatures := make(map[string][]byte)
		for _, sig := range input.TaprootScriptSpendSig {
			if bytes.Equal(sig.LeafHash, leafHash[:]) {
				signatures[hex.EncodeToString(sig.XOnlyPubKey)] = sig.Signature
			}
		}

		witness, err := closure.Witness(leaf.ControlBlock, signatures)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w: %s", i, ErrIncompleteProof, err)
		}
		tx.TxIn[i].Witness = witness
	}

	return tx, nil
}

// Verify validates a finalized proof of the message. Input sequences and
// timelocks are not enforced so that offchain vtxos can be proven.
func Verify(tx *wire.MsgTx, message string, prevoutFetcher txscript.PrevOutputFetcher) error {
	if len(tx.TxIn) < 2 {
		return ErrInvalidTxNumberOfInputs
	}
	if len(tx.TxOut) == 0 {
		return ErrInvalidTxNumberOfOutputs
	}

	// the first input of the tx is always the toSpend tx, input 1 holds the
	// pkscript used to craft it
	secondInputPrevout := prevoutFetcher.FetchPrevOutput(tx.TxIn[1].PreviousOutPoint)
	if secondInputPrevout == nil {
		return ErrPrevoutNotFound
	}

	toSpend := craftToSpendTx(message, secondInputPrevout.PkScript)
	toSpendHash := toSpend.TxHash()

	if !tx.TxIn[0].PreviousOutPoint.Hash.IsEqual(&toSpendHash) {
		return ErrInvalidTxWrongTxHash
	}
	if tx.TxIn[0].PreviousOutPoint.Index != 0 {
		return ErrInvalidTxWrongOutputIndex
	}

	fetcher := &proofPrevoutFetcher{prevoutFetcher, toSpend}
	txSigHashes := txscript.NewTxSigHashes(tx, fetcher)
	sigCache := txscript.NewSigCache(1000)
	flags := txscript.StandardVerifyFlags &^
		(txscript.ScriptVerifyCheckLockTimeVerify | txscript.ScriptVerifyCheckSequenceVerify)

	for i, input := range tx.TxIn {
		prevout := fetcher.FetchPrevOutput(input.PreviousOutPoint)
		if prevout == nil {
			return fmt.Errorf("input %d: %w", i, ErrPrevoutNotFound)
		}

		engine, err := txscript.NewEngine(
			prevout.PkScript, tx, i, flags, sigCache, txSigHashes, prevout.Value, fetcher,
		)
		if err != nil {
			return err
		}
		if err := engine.Execute(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}

	return nil
}

func hashMessage(message string) []byte {
	tagged := chainhash.TaggedHash(tagIntentProof, []byte(message))
	return tagged[:]
}

// craftToSpendTx creates the virtual tx committing to the message, spent by
// the first input of the proof.
func craftToSpendTx(message string, pkScript []byte) *wire.MsgTx {
	messageHash := hashMessage(message)
	toSpend := wire.NewMsgTx(0)
	toSpend.TxIn = []*wire.TxIn{
		{
			PreviousOutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{},
				Index: 0xFFFFFFFF,
			},
			Sequence:        0,
			SignatureScript: append([]byte{txscript.OP_0, txscript.OP_DATA_32}, messageHash...),
			Witness:         wire.TxWitness{},
		},
	}
	toSpend.TxOut = []*wire.TxOut{
		{
			Value:    0,
			PkScript: pkScript,
		},
	}
	return toSpend
}

func inputSequence(input Input) uint32 {
	if input.Locktime() != 0 {
		return wire.MaxTxInSequenceNum - 1
	}
	return wire.MaxTxInSequenceNum
}

type proofPrevoutFetcher struct {
	prevoutFetcher txscript.PrevOutputFetcher
	toSpend        *wire.MsgTx
}

func (f *proofPrevoutFetcher) FetchPrevOutput(outpoint wire.OutPoint) *wire.TxOut {
	toSpendHash := f.toSpend.TxHash()
	if outpoint.Hash.IsEqual(&toSpendHash) && outpoint.Index == 0 {
		return f.toSpend.TxOut[0]
	}
	return f.prevoutFetcher.FetchPrevOutput(outpoint)
}
