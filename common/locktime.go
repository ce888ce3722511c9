package common

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/txscript"
)

const (
	SEQUENCE_LOCKTIME_MASK         = 0x0000ffff
	SEQUENCE_LOCKTIME_TYPE_FLAG    = 1 << 22
	SEQUENCE_LOCKTIME_GRANULARITY  = 9
	SECONDS_MOD                    = 1 << SEQUENCE_LOCKTIME_GRANULARITY
	SECONDS_MAX                    = SEQUENCE_LOCKTIME_MASK << SEQUENCE_LOCKTIME_GRANULARITY
	SEQUENCE_LOCKTIME_DISABLE_FLAG = 1 << 31

	SECONDS_PER_BLOCK = 10 * 60

	// below this value nLocktime is a block height
	nLocktimeMinSeconds = 500_000_000
)

// RelativeLocktimeType is the unit of a BIP68 relative timelock.
type RelativeLocktimeType uint

const (
	LocktimeTypeSecond RelativeLocktimeType = iota
	LocktimeTypeBlock
)

func (t RelativeLocktimeType) String() string {
	if t == LocktimeTypeBlock {
		return "block"
	}
	return "second"
}

// AbsoluteLocktime is an nLocktime value, argument of OP_CHECKLOCKTIMEVERIFY.
type AbsoluteLocktime uint32

func (l AbsoluteLocktime) IsSeconds() bool {
	return l >= nLocktimeMinSeconds
}

// RelativeLocktime is a BIP68 relative timelock, argument of
// OP_CHECKSEQUENCEVERIFY.
type RelativeLocktime struct {
	Type  RelativeLocktimeType
	Value uint32
}

func (l RelativeLocktime) Seconds() int64 {
	if l.Type == LocktimeTypeBlock {
		return int64(l.Value) * SECONDS_PER_BLOCK
	}
	return int64(l.Value)
}

// Duration is the wall-clock approximation of the locktime.
func (l RelativeLocktime) Duration() time.Duration {
	return time.Duration(l.Seconds()) * time.Second
}

func (l RelativeLocktime) Compare(other RelativeLocktime) int {
	val := l.Seconds()
	otherVal := other.Seconds()

	if val == otherVal {
		return 0
	}
	if val < otherVal {
		return -1
	}
	return 1
}

// LessThan returns true if this locktime is less than the other locktime
func (l RelativeLocktime) LessThan(other RelativeLocktime) bool {
	return l.Compare(other) < 0
}

func (l RelativeLocktime) String() string {
	return fmt.Sprintf("%d %ss", l.Value, l.Type)
}

func BIP68Sequence(locktime RelativeLocktime) (uint32, error) {
	value := locktime.Value
	isSeconds := locktime.Type == LocktimeTypeSecond
	if isSeconds {
		if value > SECONDS_MAX {
			return 0, fmt.Errorf("seconds too large, max is %d", SECONDS_MAX)
		}
		if value%SECONDS_MOD != 0 {
			return 0, fmt.Errorf("seconds must be a multiple of %d", SECONDS_MOD)
		}
	}

	return blockchain.LockTimeToSequence(isSeconds, value), nil
}

// BIP68EncodeAsNumber returns the sequence as a minimally encoded script
// number, the format used in the psbt expiry field.
func BIP68EncodeAsNumber(locktime RelativeLocktime) ([]byte, error) {
	sequence, err := BIP68Sequence(locktime)
	if err != nil {
		return nil, err
	}

	script, err := txscript.NewScriptBuilder().AddInt64(int64(sequence)).Script()
	if err != nil {
		return nil, err
	}
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	if !tokenizer.Next() {
		return nil, fmt.Errorf("failed to encode sequence %d", sequence)
	}
	// small integers are pushed as opcodes, with no data
	if txscript.IsSmallInt(tokenizer.Opcode()) {
		if n := txscript.AsSmallInt(tokenizer.Opcode()); n > 0 {
			return []byte{byte(n)}, nil
		}
		return []byte{}, nil
	}
	return tokenizer.Data(), nil
}

// BIP68DecodeSequence decodes a minimally encoded script number.
func BIP68DecodeSequence(sequence []byte) (*RelativeLocktime, error) {
	scriptNumber, err := txscript.MakeScriptNum(sequence, true, len(sequence))
	if err != nil {
		return nil, err
	}
	if scriptNumber < 0 {
		return nil, fmt.Errorf("negative sequence")
	}
	return decodeSequenceNumber(int64(scriptNumber))
}

// BIP68DecodeTxSequence decodes the nSequence field of a tx input.
func BIP68DecodeTxSequence(sequence uint32) (*RelativeLocktime, error) {
	return decodeSequenceNumber(int64(sequence))
}

func decodeSequenceNumber(asNumber int64) (*RelativeLocktime, error) {
	if asNumber&SEQUENCE_LOCKTIME_DISABLE_FLAG != 0 {
		return nil, fmt.Errorf("sequence is disabled")
	}
	if asNumber&SEQUENCE_LOCKTIME_TYPE_FLAG != 0 {
		seconds := asNumber & SEQUENCE_LOCKTIME_MASK << SEQUENCE_LOCKTIME_GRANULARITY
		return &RelativeLocktime{Type: LocktimeTypeSecond, Value: uint32(seconds)}, nil
	}

	return &RelativeLocktime{
		Type: LocktimeTypeBlock, Value: uint32(asNumber & SEQUENCE_LOCKTIME_MASK),
	}, nil
}
