package adminfacade

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/mindmeld/collabd/internal/apperr"
)

// deriveKey turns an operator-supplied password into a 32-byte
// AES-256 key. Grounded on cuemby-warren/pkg/security.SecretsManager,
// which hashes a password with SHA-256 for the same reason: this
// facade has no separate key-management service, only a
// caller-supplied password per spec §4.F.
func deriveKey(password string) [32]byte {
	return sha256.Sum256([]byte(password))
}

// encryptBackup seals plaintext with AES-256-GCM, an authenticated
// construction, per spec §9 "Encryption in admin backups" (the legacy
// source's non-authenticated scheme is explicitly disallowed). The
// nonce is prepended to the returned ciphertext, same layout as
// SecretsManager.EncryptSecret.
func encryptBackup(plaintext []byte, password string) ([]byte, error) {
	key := deriveKey(password)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create gcm", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptBackup(ciphertext []byte, password string) ([]byte, error) {
	key := deriveKey(password)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create gcm", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, apperr.New(apperr.KindCorruption, "backup ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorruption, "decrypt backup: wrong password or corrupted file", err)
	}
	return plaintext, nil
}
