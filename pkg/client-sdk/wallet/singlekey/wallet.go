package singlekeywallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/wallet"
	walletstore "github.com/ark-network/ark-batch/pkg/client-sdk/wallet/singlekey/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

type singlekeyWallet struct {
	lock        sync.RWMutex
	walletStore walletstore.WalletStore
	privateKey  *secp256k1.PrivateKey
	walletData  *walletstore.WalletData

	nonceLock  sync.Mutex
	nonces     map[tree.NonceRef]*musig2.Nonces
	usedNonces map[nonceKey]struct{}
	sessions   map[string][]tree.NonceRef
}

// nonceKey is a nonce context bound to the key that produced it.
type nonceKey struct {
	tree.NonceContext
	pubkey string
}

// NewWallet loads the wallet from the store, if any. The wallet starts
// locked.
func NewWallet(walletStore walletstore.WalletStore) (wallet.Wallet, error) {
	walletData, err := walletStore.GetWallet()
	if err != nil {
		return nil, err
	}
	return &singlekeyWallet{
		walletStore: walletStore,
		walletData:  walletData,
		nonces:      make(map[tree.NonceRef]*musig2.Nonces),
		usedNonces:  make(map[nonceKey]struct{}),
		sessions:    make(map[string][]tree.NonceRef),
	}, nil
}

// NewEphemeralSigner returns an unlocked signer of a fresh random key that
// is never persisted, used as per-round cosigner key.
func NewEphemeralSigner() (wallet.Signer, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &singlekeyWallet{
		privateKey: privateKey,
		walletData: &walletstore.WalletData{PubKey: privateKey.PubKey()},
		nonces:     make(map[tree.NonceRef]*musig2.Nonces),
		usedNonces: make(map[nonceKey]struct{}),
		sessions:   make(map[string][]tree.NonceRef),
	}, nil
}

func (w *singlekeyWallet) GetType() string {
	return wallet.SingleKeyWallet
}

func (w *singlekeyWallet) Create(
	_ context.Context, password, seed string,
) (string, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.walletStore == nil {
		return "", fmt.Errorf("missing wallet store")
	}
	if w.walletData != nil {
		return "", fmt.Errorf("wallet already initialized")
	}

	privateKey, err := parseSeed(seed)
	if err != nil {
		return "", err
	}

	pwd := []byte(password)
	passwordHash := hashPassword(pwd)
	encryptedPrivateKey, err := encryptAES256(privateKey.Serialize(), pwd)
	if err != nil {
		return "", err
	}

	walletData := walletstore.WalletData{
		EncryptedPrvkey: encryptedPrivateKey,
		PasswordHash:    passwordHash,
		PubKey:          privateKey.PubKey(),
	}
	if err := w.walletStore.AddWallet(walletData); err != nil {
		return "", err
	}

	w.walletData = &walletData

	return hex.EncodeToString(privateKey.Serialize()), nil
}

func (w *singlekeyWallet) Lock(_ context.Context, password string) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.walletData == nil {
		return wallet.ErrWalletNotInitialized
	}

	if w.privateKey == nil {
		return nil
	}

	if !bytes.Equal(w.walletData.PasswordHash, hashPassword([]byte(password))) {
		return fmt.Errorf("invalid password")
	}

	w.privateKey = nil
	return nil
}

func (w *singlekeyWallet) Unlock(
	_ context.Context, password string,
) (bool, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.walletData == nil {
		return false, wallet.ErrWalletNotInitialized
	}

	if w.privateKey != nil {
		return true, nil
	}

	pwd := []byte(password)
	if !bytes.Equal(w.walletData.PasswordHash, hashPassword(pwd)) {
		return false, fmt.Errorf("invalid password")
	}

	privateKeyBytes, err := decryptAES256(w.walletData.EncryptedPrvkey, pwd)
	if err != nil {
		return false, err
	}

	w.privateKey = secp256k1.PrivKeyFromBytes(privateKeyBytes)
	return false, nil
}

func (w *singlekeyWallet) IsLocked() bool {
	w.lock.RLock()
	defer w.lock.RUnlock()

	return w.privateKey == nil
}

func (w *singlekeyWallet) Dump(_ context.Context) (string, error) {
	w.lock.RLock()
	defer w.lock.RUnlock()

	if w.walletData == nil {
		return "", wallet.ErrWalletNotInitialized
	}
	if w.privateKey == nil {
		return "", wallet.ErrWalletLocked
	}

	return hex.EncodeToString(w.privateKey.Serialize()), nil
}

// parseSeed accepts a hex or nsec encoded private key, an empty seed
// generates a new one.
func parseSeed(seed string) (*secp256k1.PrivateKey, error) {
	if len(seed) <= 0 {
		return btcec.NewPrivateKey()
	}

	// handle nsec format
	if strings.HasPrefix(seed, "nsec") {
		hrp, data, err := bech32.Decode(seed)
		if err != nil {
			return nil, fmt.Errorf("invalid nsec format: %w", err)
		}
		if hrp != "nsec" {
			return nil, fmt.Errorf("invalid nsec prefix")
		}
		converted, err := bech32.ConvertBits(data, 5, 8, false)
		if err != nil {
			return nil, fmt.Errorf("failed to convert bits: %w", err)
		}
		return secp256k1.PrivKeyFromBytes(converted), nil
	}

	privKeyBytes, err := hex.DecodeString(seed)
	if err != nil {
		return nil, err
	}
	if len(privKeyBytes) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key length %d", len(privKeyBytes))
	}
	return secp256k1.PrivKeyFromBytes(privKeyBytes), nil
}
