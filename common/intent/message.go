package intent

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	MessageTypeRegister MessageType = "register"
	MessageTypeDelete   MessageType = "delete"
)

type BaseMessage struct {
	Type MessageType `json:"type"`
}

// RegisterMessage is signed by the proof registering an intent.
type RegisterMessage struct {
	BaseMessage
	// OnchainOutputIndexes are the outputs of the proof tx the server must
	// create in the commitment tx instead of the vtxo tree.
	OnchainOutputIndexes []int `json:"onchain_output_indexes"`
	// ValidAt and ExpireAt are unix timestamps in seconds, 0 means unbounded.
	ValidAt  int64 `json:"valid_at"`
	ExpireAt int64 `json:"expire_at"`
	// CosignersPublicKeys are the hex compressed keys cosigning the vtxo tree.
	CosignersPublicKeys []string `json:"cosigners_public_keys"`
}

func NewRegisterMessage(
	onchainOutputIndexes []int, validAt, expireAt int64, cosigners []string,
) RegisterMessage {
	if onchainOutputIndexes == nil {
		onchainOutputIndexes = []int{}
	}
	return RegisterMessage{
		BaseMessage:          BaseMessage{Type: MessageTypeRegister},
		OnchainOutputIndexes: onchainOutputIndexes,
		ValidAt:              validAt,
		ExpireAt:             expireAt,
		CosignersPublicKeys:  cosigners,
	}
}

func (m RegisterMessage) Encode() (string, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (m *RegisterMessage) Decode(data string) error {
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return err
	}
	if m.Type != MessageTypeRegister {
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, m.Type)
	}
	return nil
}

// DeleteMessage is signed by the proof withdrawing a registered intent.
type DeleteMessage struct {
	BaseMessage
	ExpireAt int64 `json:"expire_at"`
}

func NewDeleteMessage(expireAt int64) DeleteMessage {
	return DeleteMessage{
		BaseMessage: BaseMessage{Type: MessageTypeDelete},
		ExpireAt:    expireAt,
	}
}

func (m DeleteMessage) Encode() (string, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (m *DeleteMessage) Decode(data string) error {
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return err
	}
	if m.Type != MessageTypeDelete {
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, m.Type)
	}
	return nil
}
