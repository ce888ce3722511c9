package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ark-network/ark-batch/common/script"
	"github.com/ark-network/ark-batch/common/tree"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	SingleKeyWallet = "singlekey"
)

var (
	ErrWalletLocked         = errors.New("wallet is locked")
	ErrWalletNotInitialized = errors.New("wallet not initialized")
)

// Signer is the signing capability used during a batch. Secret keys and
// secret nonces never leave it.
type Signer interface {
	tree.Musig2Signer
	SignSchnorr(ctx context.Context, msg [32]byte) (*schnorr.Signature, error)
}

type Wallet interface {
	Signer
	GetType() string
	Create(
		ctx context.Context, password, seed string,
	) (walletSeed string, err error)
	Lock(ctx context.Context, password string) (err error)
	Unlock(ctx context.Context, password string) (alreadyUnlocked bool, err error)
	IsLocked() bool
	Dump(ctx context.Context) (seed string, err error)
}

// SignTapscriptInput signs the input through its leaf script if the signer
// key is required by it. It returns false if the leaf does not involve the
// signer. Every input of the psbt must carry its witness utxo. The sighash
// type of the input is used if set.
func SignTapscriptInput(
	ctx context.Context, signer Signer, ptx *psbt.Packet, inputIndex int,
) (bool, error) {
	if inputIndex >= len(ptx.Inputs) {
		return false, fmt.Errorf("input index %d out of range", inputIndex)
	}
	input := ptx.Inputs[inputIndex]
	if len(input.TaprootLeafScript) == 0 {
		return false, fmt.Errorf("input %d: missing taproot leaf script", inputIndex)
	}

	leaf := input.TaprootLeafScript[0]
	closure, err := script.DecodeClosure(leaf.Script)
	if err != nil {
		return false, fmt.Errorf("input %d: %w", inputIndex, err)
	}

	myPubkey := schnorr.SerializePubKey(signer.PublicKey())
	sign := false
	for _, key := range script.ClosureKeys(closure) {
		if bytes.Equal(schnorr.SerializePubKey(key), myPubkey) {
			sign = true
			break
		}
	}
	if !sign {
		return false, nil
	}

	prevouts := make(map[wire.OutPoint]*wire.TxOut)
	for i, in := range ptx.Inputs {
		if in.WitnessUtxo == nil {
			return false, fmt.Errorf("input %d: missing witness utxo", i)
		}
		prevouts[ptx.UnsignedTx.TxIn[i].PreviousOutPoint] = in.WitnessUtxo
	}
	prevoutFetcher := txscript.NewMultiPrevOutFetcher(prevouts)
	txsighashes := txscript.NewTxSigHashes(ptx.UnsignedTx, prevoutFetcher)

	sighashType := txscript.SigHashDefault
	if input.SighashType != 0 {
		sighashType = input.SighashType
	}

	tapLeaf := txscript.NewTapLeaf(leaf.LeafVersion, leaf.Script)
	preimage, err := txscript.CalcTapscriptSignaturehash(
		txsighashes, sighashType, ptx.UnsignedTx, inputIndex,
		prevoutFetcher, tapLeaf,
	)
	if err != nil {
		return false, err
	}

	var msg [32]byte
	copy(msg[:], preimage)
	sig, err := signer.SignSchnorr(ctx, msg)
	if err != nil {
		return false, err
	}

	leafHash := tapLeaf.TapHash()
	for _, existing := range input.TaprootScriptSpendSig {
		if bytes.Equal(existing.XOnlyPubKey, myPubkey) &&
			bytes.Equal(existing.LeafHash, leafHash[:]) {
			return true, nil
		}
	}

	ptx.Inputs[inputIndex].TaprootScriptSpendSig = append(
		ptx.Inputs[inputIndex].TaprootScriptSpendSig, &psbt.TaprootScriptSpendSig{
			XOnlyPubKey: myPubkey,
			LeafHash:    leafHash.CloneBytes(),
			Signature:   sig.Serialize(),
			SigHash:     sighashType,
		},
	)
	return true, nil
}
