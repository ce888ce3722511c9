package singlekeywallet

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ark-network/ark-batch/common"
	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/google/uuid"
)

var (
	ErrNonceReused  = errors.New("a nonce was already generated for this context")
	ErrUnknownNonce = errors.New("unknown or already used nonce")
)

func (w *singlekeyWallet) PublicKey() *btcec.PublicKey {
	w.lock.RLock()
	defer w.lock.RUnlock()

	if w.walletData == nil {
		return nil
	}
	return w.walletData.PubKey
}

// NewNonce generates a musig2 nonce bound to the context. The secret part
// stays in the wallet until consumed by PartialSign.
func (w *singlekeyWallet) NewNonce(
	_ context.Context, nonceCtx tree.NonceContext,
) (tree.NonceRef, [66]byte, error) {
	var pubNonce [66]byte

	privateKey, err := w.unlockedKey()
	if err != nil {
		return "", pubNonce, err
	}
	pubkey := common.XOnlyHex(privateKey.PubKey())
	key := nonceKey{nonceCtx, pubkey}

	w.nonceLock.Lock()
	defer w.nonceLock.Unlock()

	if _, ok := w.usedNonces[key]; ok {
		return "", pubNonce, fmt.Errorf(
			"%w: session %s, tx %s", ErrNonceReused, nonceCtx.SessionID, nonceCtx.Txid,
		)
	}

	aux := sha256.Sum256([]byte(nonceCtx.SessionID + ":" + nonceCtx.Txid + ":" + pubkey))
	nonces, err := musig2.GenNonces(
		musig2.WithPublicKey(privateKey.PubKey()),
		musig2.WithNonceSecretKeyAux(privateKey),
		musig2.WithNonceAuxInput(aux[:]),
	)
	if err != nil {
		return "", pubNonce, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ref := tree.NonceRef(uuid.New().String())
	w.usedNonces[key] = struct{}{}
	w.nonces[ref] = nonces
	w.sessions[nonceCtx.SessionID] = append(w.sessions[nonceCtx.SessionID], ref)

	return ref, nonces.PubNonce, nil
}

// PartialSign signs with the referenced secret nonce, which is deleted
// whatever the outcome.
func (w *singlekeyWallet) PartialSign(
	_ context.Context, ref tree.NonceRef, req tree.PartialSignRequest,
) (*musig2.PartialSignature, error) {
	privateKey, err := w.unlockedKey()
	if err != nil {
		return nil, err
	}

	w.nonceLock.Lock()
	nonces, ok := w.nonces[ref]
	delete(w.nonces, ref)
	w.nonceLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNonce, ref)
	}

	myKey := common.XOnlyHex(privateKey.PubKey())
	found := false
	for _, cosigner := range req.Cosigners {
		if common.XOnlyHex(cosigner) == myKey {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", tree.ErrNotCosigner, myKey)
	}

	return musig2.Sign(
		nonces.SecNonce, privateKey, req.CombinedNonce, req.Cosigners, req.Message,
		tree.SignOptions(req.TapscriptRoot)...,
	)
}

// ReleaseNonces forgets the nonces generated for the session, consumed or
// not.
func (w *singlekeyWallet) ReleaseNonces(sessionID string) {
	w.nonceLock.Lock()
	defer w.nonceLock.Unlock()

	for _, ref := range w.sessions[sessionID] {
		delete(w.nonces, ref)
	}
	delete(w.sessions, sessionID)
	for key := range w.usedNonces {
		if key.SessionID == sessionID {
			delete(w.usedNonces, key)
		}
	}
}

func (w *singlekeyWallet) SignSchnorr(
	_ context.Context, msg [32]byte,
) (*schnorr.Signature, error) {
	privateKey, err := w.unlockedKey()
	if err != nil {
		return nil, err
	}
	return schnorr.Sign(privateKey, msg[:])
}

func (w *singlekeyWallet) unlockedKey() (*btcec.PrivateKey, error) {
	w.lock.RLock()
	defer w.lock.RUnlock()

	if w.walletData == nil {
		return nil, wallet.ErrWalletNotInitialized
	}
	if w.privateKey == nil {
		return nil, wallet.ErrWalletLocked
	}
	return w.privateKey, nil
}
