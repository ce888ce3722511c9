package wallet_test

import (
	"context"
	"testing"

	"github.com/ark-network/ark-batch/common"
	"github.com/ark-network/ark-batch/common/script"
	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/wallet"
	singlekeywallet "github.com/ark-network/ark-batch/pkg/client-sdk/wallet/singlekey"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var exitDelay = common.RelativeLocktime{Type: common.LocktimeTypeBlock, Value: 512}

func newCheckpointTx(t *testing.T, owner, server *btcec.PublicKey) *psbt.Packet {
	vtxoScript := script.NewDefaultVtxoScript(owner, server, exitDelay)
	tapscripts, err := vtxoScript.Encode()
	require.NoError(t, err)

	ptx, err := tree.BuildCheckpointTx(tree.VtxoInput{
		Outpoint:   &wire.OutPoint{Hash: chainhash.Hash{0x03}, Index: 1},
		Amount:     10000,
		Tapscripts: tapscripts,
		Closure:    vtxoScript.ForfeitClosures()[0],
	}, &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{PubKeys: []*btcec.PublicKey{server}},
		Locktime:        common.RelativeLocktime{Type: common.LocktimeTypeBlock, Value: 10},
	})
	require.NoError(t, err)
	return ptx
}

func TestSignTapscriptInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	owner, err := singlekeywallet.NewEphemeralSigner()
	require.NoError(t, err)
	server, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		ptx := newCheckpointTx(t, owner.PublicKey(), server.PubKey())

		signed, err := wallet.SignTapscriptInput(ctx, owner, ptx, 0)
		require.NoError(t, err)
		require.True(t, signed)
		require.Len(t, ptx.Inputs[0].TaprootScriptSpendSig, 1)

		sig := ptx.Inputs[0].TaprootScriptSpendSig[0]
		require.Equal(t, schnorr.SerializePubKey(owner.PublicKey()), sig.XOnlyPubKey)

		leaf := ptx.Inputs[0].TaprootLeafScript[0]
		prevoutFetcher := txscript.NewCannedPrevOutputFetcher(
			ptx.Inputs[0].WitnessUtxo.PkScript, ptx.Inputs[0].WitnessUtxo.Value,
		)
		preimage, err := txscript.CalcTapscriptSignaturehash(
			txscript.NewTxSigHashes(ptx.UnsignedTx, prevoutFetcher),
			txscript.SigHashDefault, ptx.UnsignedTx, 0, prevoutFetcher,
			txscript.NewTapLeaf(leaf.LeafVersion, leaf.Script),
		)
		require.NoError(t, err)

		schnorrSig, err := schnorr.ParseSignature(sig.Signature)
		require.NoError(t, err)
		require.True(t, schnorrSig.Verify(preimage, owner.PublicKey()))

		// signing again does not add a second signature
		signed, err = wallet.SignTapscriptInput(ctx, owner, ptx, 0)
		require.NoError(t, err)
		require.True(t, signed)
		require.Len(t, ptx.Inputs[0].TaprootScriptSpendSig, 1)
	})

	t.Run("anyone can pay", func(t *testing.T) {
		t.Parallel()

		vtxoScript := script.NewDefaultVtxoScript(owner.PublicKey(), server.PubKey(), exitDelay)
		tapscripts, err := vtxoScript.Encode()
		require.NoError(t, err)
		forfeitScript, err := common.P2TRScript(server.PubKey())
		require.NoError(t, err)

		template, err := tree.BuildForfeitTemplate(tree.VtxoInput{
			Outpoint:   &wire.OutPoint{Hash: chainhash.Hash{0x04}},
			Amount:     10000,
			Tapscripts: tapscripts,
			Closure:    vtxoScript.ForfeitClosures()[0],
		}, 330, forfeitScript)
		require.NoError(t, err)

		signed, err := wallet.SignTapscriptInput(ctx, owner, template, 0)
		require.NoError(t, err)
		require.True(t, signed)
		sighashType := txscript.SigHashAll | txscript.SigHashAnyOneCanPay
		require.Equal(t, sighashType, template.Inputs[0].TaprootScriptSpendSig[0].SigHash)

		connector := &wire.OutPoint{Hash: chainhash.Hash{0x05}}
		completed, err := tree.CompleteForfeitTx(
			template, connector, &wire.TxOut{Value: 330, PkScript: forfeitScript},
		)
		require.NoError(t, err)

		// the signature still commits to the tx once the connector is added
		prevoutFetcher := txscript.NewMultiPrevOutFetcher(map[wire.OutPoint]*wire.TxOut{
			completed.UnsignedTx.TxIn[0].PreviousOutPoint: completed.Inputs[0].WitnessUtxo,
			completed.UnsignedTx.TxIn[1].PreviousOutPoint: completed.Inputs[1].WitnessUtxo,
		})
		leaf := completed.Inputs[0].TaprootLeafScript[0]
		preimage, err := txscript.CalcTapscriptSignaturehash(
			txscript.NewTxSigHashes(completed.UnsignedTx, prevoutFetcher),
			sighashType, completed.UnsignedTx, 0, prevoutFetcher,
			txscript.NewTapLeaf(leaf.LeafVersion, leaf.Script),
		)
		require.NoError(t, err)

		sig, err := schnorr.ParseSignature(completed.Inputs[0].TaprootScriptSpendSig[0].Signature)
		require.NoError(t, err)
		require.True(t, sig.Verify(preimage, owner.PublicKey()))
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()

		stranger, err := singlekeywallet.NewEphemeralSigner()
		require.NoError(t, err)

		ptx := newCheckpointTx(t, owner.PublicKey(), server.PubKey())
		signed, err := wallet.SignTapscriptInput(ctx, stranger, ptx, 0)
		require.NoError(t, err)
		require.False(t, signed)
		require.Empty(t, ptx.Inputs[0].TaprootScriptSpendSig)

		_, err = wallet.SignTapscriptInput(ctx, owner, ptx, 1)
		require.ErrorContains(t, err, "out of range")

		ptx.Inputs[0].WitnessUtxo = nil
		_, err = wallet.SignTapscriptInput(ctx, owner, ptx, 0)
		require.ErrorContains(t, err, "missing witness utxo")

		ptx.Inputs[0].TaprootLeafScript = nil
		_, err = wallet.SignTapscriptInput(ctx, owner, ptx, 0)
		require.ErrorContains(t, err, "missing taproot leaf script")
	})
}
