package checkpoint

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	errs "ccbt/pkg/errors"
	"ccbt/pkg/logger"
	"ccbt/pkg/storage"
)

// KeySuffix is appended to a backup path to name its key file
const KeySuffix = ".key"

// BackupService writes portable single-file copies of checkpoints
type BackupService struct {
	manager  *Manager
	store    *storage.AtomicStore
	keyStore *storage.AtomicStore
	logger   logger.Logger
}

// NewBackupService creates a backup service restoring into manager
func NewBackupService(manager *Manager, log logger.Logger) *BackupService {
	return &BackupService{
		manager:  manager,
		store:    storage.NewAtomicStore(storage.Options{Logger: log}),
		keyStore: storage.NewAtomicStore(storage.Options{Logger: log, FileMode: 0600}),
		logger:   logger.OrDefault(log).WithComponent("backup"),
	}
}

// Backup writes the current record for hash to dest as JSON, optionally
// gzip-compressed and then encrypted. Encryption generates a fresh key and
// stores it hex-encoded next to the backup as dest + ".key".
func (b *BackupService) Backup(hash InfoHash, dest string, compress, encrypt bool) (string, error) {
	cp, err := b.manager.Load(hash, FormatBoth)
	if err != nil {
		return "", err
	}
	if cp == nil {
		return "", errs.NotFound(hash.String(), "no checkpoint to back up")
	}

	data, err := JSONCodec{}.Encode(cp)
	if err != nil {
		return "", err
	}

	if compress {
		data, err = storage.Compress(storage.CompressionGzip, data)
		if err != nil {
			return "", errs.Checkpoint("failed to compress backup", err)
		}
	}

	keyPath := dest + KeySuffix
	if !encrypt {
		// a stale key would make Restore try to decrypt plaintext
		if _, err := b.keyStore.Remove(keyPath); err != nil {
			return "", errs.WithInfoHash(errs.Wrap(err, "remove stale backup key"), hash.String())
		}
	}
	if encrypt {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return "", errs.Checkpoint("failed to generate backup key", err)
		}
		data, err = sealBackup(key, data)
		if err != nil {
			return "", errs.Checkpoint("failed to encrypt backup", err)
		}
		if err := b.keyStore.Write(keyPath, []byte(hex.EncodeToString(key))); err != nil {
			return "", err
		}
	}

	if err := b.store.Write(dest, data); err != nil {
		if encrypt {
			if _, rmErr := b.keyStore.Remove(keyPath); rmErr != nil {
				b.logger.WithError(rmErr).WarnWithFields("Failed to remove orphaned backup key", map[string]interface{}{
					"path": keyPath,
				})
			}
		}
		return "", err
	}

	b.logger.InfoWithFields("Checkpoint backed up", map[string]interface{}{
		"info_hash":  hash,
		"path":       dest,
		"compressed": compress,
		"encrypted":  encrypt,
		"size":       len(data),
	})
	return dest, nil
}

// Restore reads a backup written by Backup, checks it against expected when
// given, and saves it into the live store. Deduplication state for the hash
// is reset first so the write happens. The returned record keeps the
// backup's timestamps; the saved copy is stamped with the restore time.
func (b *BackupService) Restore(file string, expected *InfoHash) (*TorrentCheckpoint, error) {
	data, err := b.store.Read(file)
	if err != nil {
		return nil, err
	}

	keyData, err := os.ReadFile(file + KeySuffix)
	switch {
	case err == nil:
		key, err := hex.DecodeString(strings.TrimSpace(string(keyData)))
		if err != nil {
			return nil, errs.Corrupted("invalid backup key file", err)
		}
		data, err = openBackup(key, data)
		if err != nil {
			return nil, errs.Corrupted("failed to decrypt backup", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, errs.Checkpoint("failed to read backup key", err)
	}

	if storage.IsGzip(data) {
		data, err = storage.Decompress(storage.CompressionGzip, data)
		if err != nil {
			return nil, errs.Corrupted("failed to decompress backup", err)
		}
	}

	cp, err := JSONCodec{}.Decode(data)
	if err != nil {
		return nil, err
	}
	if expected != nil && cp.InfoHash != *expected {
		return nil, errs.WithInfoHash(
			errs.Corrupted(fmt.Sprintf("backup holds info hash %s", cp.InfoHash), nil),
			expected.String(),
		)
	}

	b.manager.ResetDeduplication(cp.InfoHash)
	live := *cp
	if _, err := b.manager.Save(&live, ""); err != nil {
		return nil, err
	}

	b.logger.InfoWithFields("Checkpoint restored", map[string]interface{}{
		"info_hash": cp.InfoHash,
		"source":    file,
	})
	return cp, nil
}

// sealBackup encrypts with XChaCha20-Poly1305, prefixing the random nonce
func sealBackup(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openBackup(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}
