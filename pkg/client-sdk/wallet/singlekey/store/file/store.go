package filestore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	walletstore "github.com/ark-network/ark-batch/pkg/client-sdk/wallet/singlekey/store"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	filename = "wallet.json"
)

type walletData struct {
	EncryptedPrvkey string `json:"encrypted_private_key"`
	PasswordHash    string `json:"password_hash"`
	PubKey          string `json:"pubkey"`
}

func (d walletData) isEmpty() bool {
	return d == walletData{}
}

func (d walletData) decode() (*walletstore.WalletData, error) {
	encryptedPrvkey, err := hex.DecodeString(d.EncryptedPrvkey)
	if err != nil {
		return nil, fmt.Errorf("invalid encrypted private key: %w", err)
	}
	passwordHash, err := hex.DecodeString(d.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("invalid password hash: %w", err)
	}
	buf, err := hex.DecodeString(d.PubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey: %w", err)
	}
	pubkey, err := secp256k1.ParsePubKey(buf)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey: %w", err)
	}
	return &walletstore.WalletData{
		EncryptedPrvkey: encryptedPrvkey,
		PasswordHash:    passwordHash,
		PubKey:          pubkey,
	}, nil
}

type fileStore struct {
	lock     sync.Mutex
	filePath string
}

func NewWalletStore(baseDir string) (walletstore.WalletStore, error) {
	datadir := cleanAndExpandPath(baseDir)
	if err := makeDirectoryIfNotExists(datadir); err != nil {
		return nil, fmt.Errorf("failed to initialize datadir: %s", err)
	}

	return &fileStore{filePath: filepath.Join(datadir, filename)}, nil
}

func (s *fileStore) AddWallet(data walletstore.WalletData) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	wd := walletData{
		EncryptedPrvkey: hex.EncodeToString(data.EncryptedPrvkey),
		PasswordHash:    hex.EncodeToString(data.PasswordHash),
		PubKey:          hex.EncodeToString(data.PubKey.SerializeCompressed()),
	}

	buf, err := json.Marshal(wd)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.filePath, buf, 0600); err != nil {
		return fmt.Errorf("failed to write to file store: %s", err)
	}
	return nil
}

func (s *fileStore) GetWallet() (*walletstore.WalletData, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	file, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open file store: %s", err)
	}

	wd := walletData{}
	if err := json.Unmarshal(file, &wd); err != nil {
		return nil, fmt.Errorf("failed to read file store: %s", err)
	}
	if wd.isEmpty() {
		return nil, nil
	}
	return wd.decode()
}

func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
