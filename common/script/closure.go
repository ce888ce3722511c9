package script

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ark-network/ark-batch/common"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Closure is a single tapscript leaf of a vtxo or boarding script.
type Closure interface {
	Script() ([]byte, error)
	Decode(script []byte) (bool, error)
	// Witness builds the spending witness, signatures are indexed by the
	// hex x-only key of the signer.
	Witness(controlBlock []byte, signatures map[string][]byte) (wire.TxWitness, error)
}

func DecodeClosure(script []byte) (Closure, error) {
	if len(script) == 0 {
		return nil, fmt.Errorf("cannot decode empty script")
	}

	types := []struct {
		closure Closure
		name    string
	}{
		{&CSVMultisigClosure{}, "CSV Multisig"},
		{&CLTVMultisigClosure{}, "CLTV Multisig"},
		{&MultisigClosure{}, "Multisig"},
	}

	var decodeErr []string
	for _, t := range types {
		scriptCopy := make([]byte, len(script))
		copy(scriptCopy, script)
		valid, err := t.closure.Decode(scriptCopy)
		if err != nil {
			decodeErr = append(decodeErr, fmt.Sprintf("%s: %v", t.name, err))
			continue
		}
		if valid {
			return t.closure, nil
		}
	}

	if len(decodeErr) > 0 {
		return nil, fmt.Errorf(
			"failed to decode script %x: %s", script, strings.Join(decodeErr, ", "),
		)
	}

	return nil, fmt.Errorf("script does not match any known closure type: %s",
		hex.EncodeToString(script))
}

// MultisigClosure is a n-of-n CHECKSIGVERIFY chain. The witness is 64 bytes
// per key with SIGHASH_DEFAULT.
type MultisigClosure struct {
	PubKeys []*btcec.PublicKey
}

func (f *MultisigClosure) Script() ([]byte, error) {
	if len(f.PubKeys) == 0 {
		return nil, fmt.Errorf("missing public keys")
	}

	scriptBuilder := txscript.NewScriptBuilder()
	for i, pubkey := range f.PubKeys {
		scriptBuilder.AddData(schnorr.SerializePubKey(pubkey))
		if i == len(f.PubKeys)-1 {
			scriptBuilder.AddOp(txscript.OP_CHECKSIG)
			continue
		}
		scriptBuilder.AddOp(txscript.OP_CHECKSIGVERIFY)
	}

	return scriptBuilder.Script()
}

func (f *MultisigClosure) Decode(script []byte) (bool, error) {
	if len(script) == 0 {
		return false, fmt.Errorf("failed to decode: script is empty")
	}

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	pubkeys := make([]*btcec.PublicKey, 0)

	for tokenizer.Next() {
		if tokenizer.Opcode() != txscript.OP_DATA_32 {
			return false, nil
		}

		pubkey, err := schnorr.ParsePubKey(tokenizer.Data())
		if err != nil {
			return false, err
		}
		pubkeys = append(pubkeys, pubkey)

		if !tokenizer.Next() {
			return false, nil
		}
		if tokenizer.Opcode() != txscript.OP_CHECKSIGVERIFY {
			break
		}
	}

	if tokenizer.Err() != nil || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return false, nil
	}
	if len(pubkeys) == 0 {
		return false, nil
	}

	f.PubKeys = pubkeys

	rebuilt, err := f.Script()
	if err != nil {
		f.PubKeys = nil
		return false, err
	}
	if !bytes.Equal(rebuilt, script) {
		f.PubKeys = nil
		return false, nil
	}

	return true, nil
}

func (f *MultisigClosure) Witness(
	controlBlock []byte, signatures map[string][]byte,
) (wire.TxWitness, error) {
	script, err := f.Script()
	if err != nil {
		return nil, fmt.Errorf("failed to generate script: %w", err)
	}
	return f.witness(script, controlBlock, signatures)
}

// witness pushes signatures in reverse key order, then the leaf script and
// the control block.
func (f *MultisigClosure) witness(
	script, controlBlock []byte, signatures map[string][]byte,
) (wire.TxWitness, error) {
	witness := make(wire.TxWitness, 0, len(f.PubKeys)+2)

	for i := len(f.PubKeys) - 1; i >= 0; i-- {
		xOnlyPubkey := schnorr.SerializePubKey(f.PubKeys[i])
		sig, ok := signatures[hex.EncodeToString(xOnlyPubkey)]
		if !ok {
			return nil, fmt.Errorf("missing signature for pubkey %x", xOnlyPubkey)
		}
		witness = append(witness, sig)
	}

	witness = append(witness, script, controlBlock)
	return witness, nil
}

// CSVMultisigClosure is a MultisigClosure behind a relative timelock.
type CSVMultisigClosure struct {
	MultisigClosure
	Locktime common.RelativeLocktime
}

func (d *CSVMultisigClosure) Script() ([]byte, error) {
	sequence, err := common.BIP68Sequence(d.Locktime)
	if err != nil {
		return nil, err
	}

	csvScript, err := txscript.NewScriptBuilder().
		AddInt64(int64(sequence)).
		AddOps([]byte{
			txscript.OP_CHECKSEQUENCEVERIFY,
			txscript.OP_DROP,
		}).
		Script()
	if err != nil {
		return nil, err
	}

	multisigScript, err := d.MultisigClosure.Script()
	if err != nil {
		return nil, err
	}

	return append(csvScript, multisigScript...), nil
}

func (d *CSVMultisigClosure) Decode(script []byte) (bool, error) {
	if len(script) == 0 {
		return false, fmt.Errorf("empty script")
	}

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	if !tokenizer.Next() {
		return false, nil
	}

	sequenceOp, sequence := tokenizer.Opcode(), tokenizer.Data()

	for _, opCode := range []byte{txscript.OP_CHECKSEQUENCEVERIFY, txscript.OP_DROP} {
		if !tokenizer.Next() || tokenizer.Opcode() != opCode {
			return false, nil
		}
	}

	var locktime *common.RelativeLocktime
	var err error
	if txscript.IsSmallInt(sequenceOp) {
		locktime, err = common.BIP68DecodeTxSequence(uint32(txscript.AsSmallInt(sequenceOp)))
	} else {
		locktime, err = common.BIP68DecodeSequence(sequence)
	}
	if err != nil {
		return false, err
	}

	multisigClosure := &MultisigClosure{}
	valid, err := multisigClosure.Decode(script[tokenizer.ByteIndex():])
	if err != nil || !valid {
		return false, err
	}

	d.Locktime = *locktime
	d.MultisigClosure = *multisigClosure

	return true, nil
}

func (d *CSVMultisigClosure) Witness(
	controlBlock []byte, signatures map[string][]byte,
) (wire.TxWitness, error) {
	script, err := d.Script()
	if err != nil {
		return nil, fmt.Errorf("failed to generate script: %w", err)
	}
	return d.witness(script, controlBlock, signatures)
}

// CLTVMultisigClosure is a MultisigClosure behind an absolute timelock.
type CLTVMultisigClosure struct {
	MultisigClosure
	Locktime common.AbsoluteLocktime
}

func (d *CLTVMultisigClosure) Script() ([]byte, error) {
	cltvScript, err := txscript.NewScriptBuilder().
		AddInt64(int64(d.Locktime)).
		AddOps([]byte{
			txscript.OP_CHECKLOCKTIMEVERIFY,
			txscript.OP_DROP,
		}).
		Script()
	if err != nil {
		return nil, err
	}

	multisigScript, err := d.MultisigClosure.Script()
	if err != nil {
		return nil, err
	}

	return append(cltvScript, multisigScript...), nil
}

func (d *CLTVMultisigClosure) Decode(script []byte) (bool, error) {
	if len(script) == 0 {
		return false, fmt.Errorf("empty script")
	}

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	if !tokenizer.Next() {
		return false, nil
	}

	var locktime int64
	if txscript.IsSmallInt(tokenizer.Opcode()) {
		locktime = int64(txscript.AsSmallInt(tokenizer.Opcode()))
	} else {
		num, err := txscript.MakeScriptNum(tokenizer.Data(), true, 5)
		if err != nil {
			return false, nil
		}
		locktime = int64(num)
	}

	for _, opCode := range []byte{txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP} {
		if !tokenizer.Next() || tokenizer.Opcode() != opCode {
			return false, nil
		}
	}

	multisigClosure := &MultisigClosure{}
	valid, err := multisigClosure.Decode(script[tokenizer.ByteIndex():])
	if err != nil || !valid {
		return false, err
	}

	d.Locktime = common.AbsoluteLocktime(locktime)
	d.MultisigClosure = *multisigClosure

	return true, nil
}

func (d *CLTVMultisigClosure) Witness(
	controlBlock []byte, signatures map[string][]byte,
) (wire.TxWitness, error) {
	script, err := d.Script()
	if err != nil {
		return nil, fmt.Errorf("failed to generate script: %w", err)
	}
	return d.witness(script, controlBlock, signatures)
}

// ClosureKeys returns the keys whose signatures the closure requires.
func ClosureKeys(closure Closure) []*btcec.PublicKey {
	switch c := closure.(type) {
	case *MultisigClosure:
		return c.PubKeys
	case *CSVMultisigClosure:
		return c.PubKeys
	case *CLTVMultisigClosure:
		return c.PubKeys
	}
	return nil
}
