package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"clinical-auth/internal/config"
	"clinical-auth/internal/metrics"
	"clinical-auth/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Key purposes passed to GenerateDataKey.
const (
	PurposeDeviceName = "device_name"
	PurposeIndexKey   = "pin_index_key"
)

// KMSAPI is the subset of the KMS client the manager uses.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

type EncryptionManager struct {
	kmsClient KMSAPI
	config    *config.Config
	keyCache  sync.Map // encrypted DEK -> plaintext DEK
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI) *EncryptionManager {
	return &EncryptionManager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

func (em *EncryptionManager) kmsEnabled() bool {
	return em.config.KMS.Enabled && em.kmsClient != nil
}

// GenerateDataKey generates a new data encryption key using KMS
func (em *EncryptionManager) GenerateDataKey(ctx context.Context, keyPurpose string) (*DataKey, error) {
	if !em.kmsEnabled() {
		return em.generateLocalKey(keyPurpose)
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:             aws.String(em.config.KMS.KeyID),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: map[string]string{"purpose": keyPurpose},
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.config.KMS.KeyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey(keyPurpose string) (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local %s key: %w", keyPurpose, err)
	}

	// without KMS the "encrypted" key is only base64 encoded
	ciphertext := []byte(base64.StdEncoding.EncodeToString(key))

	return &DataKey{
		Plaintext:  key,
		Ciphertext: ciphertext,
		KeyID:      uuid.New().String(),
	}, nil
}

// UnwrapIndexKey returns the plaintext lookup-index key. The configured value is base64;
// with KMS enabled it is a KMS ciphertext blob. Returns nil when nothing is configured.
func (em *EncryptionManager) UnwrapIndexKey(ctx context.Context) ([]byte, error) {
	wrapped := em.config.KMS.WrappedIndexKey
	if wrapped == "" {
		return nil, nil
	}

	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: index key is not base64", ErrDecryptionFailed)
	}

	if !em.kmsEnabled() {
		util.Warn("KMS disabled, using lookup index key as plaintext")
		return blob, nil
	}

	result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    blob,
		KeyId:             aws.String(em.config.KMS.KeyID),
		EncryptionContext: map[string]string{"purpose": PurposeIndexKey},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unwrap index key: %v", ErrDecryptionFailed, err)
	}

	util.Info("Lookup index key unwrapped", zap.String("key_id", em.config.KMS.KeyID))
	return result.Plaintext, nil
}

// EncryptField encrypts sensitive field using envelope encryption
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, keyPurpose string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx, keyPurpose)
	if err != nil {
		return nil, err
	}

	util.Debug("Data key generated",
		zap.String("key_purpose", keyPurpose),
		zap.String("key_id", dataKey.KeyID),
	)

	block, err := aes.NewCipher(dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(keyPurpose))

	cacheKey := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.cacheDEK(cacheKey, dataKey.Plaintext)

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   cacheKey,
		KeyID:          dataKey.KeyID,
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField decrypts encrypted field
func (em *EncryptionManager) DecryptField(ctx context.Context, encryptedData *EncryptedData, keyPurpose string) (string, error) {
	cacheKey := encryptedData.EncryptedDEK
	if cached, ok := em.keyCache.Load(cacheKey); ok {
		return em.decryptWithKey(encryptedData.EncryptedValue, cached.([]byte), keyPurpose)
	}

	blob, err := base64.StdEncoding.DecodeString(encryptedData.EncryptedDEK)
	if err != nil {
		return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var plaintextDEK []byte
	if em.kmsEnabled() {
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob:    blob,
			EncryptionContext: map[string]string{"purpose": keyPurpose},
		})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		plaintextDEK = result.Plaintext
	} else {
		plaintextDEK, err = base64.StdEncoding.DecodeString(string(blob))
		if err != nil {
			return "", fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	em.cacheDEK(cacheKey, plaintextDEK)

	return em.decryptWithKey(encryptedData.EncryptedValue, plaintextDEK, keyPurpose)
}

// SealString encrypts plaintext into a single JSON string suitable for a text column.
// Empty input stays empty.
func (em *EncryptionManager) SealString(ctx context.Context, plaintext, keyPurpose string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	data, err := em.EncryptField(ctx, plaintext, keyPurpose)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return string(encoded), nil
}

// OpenString reverses SealString.
func (em *EncryptionManager) OpenString(ctx context.Context, sealed, keyPurpose string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	var data EncryptedData
	if err := json.Unmarshal([]byte(sealed), &data); err != nil {
		return "", fmt.Errorf("%w: invalid envelope", ErrDecryptionFailed)
	}
	return em.DecryptField(ctx, &data, keyPurpose)
}

func (em *EncryptionManager) decryptWithKey(encryptedValue string, key []byte, keyPurpose string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(keyPurpose))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

func (em *EncryptionManager) cacheDEK(encryptedDEK string, plaintext []byte) {
	em.keyCache.Store(encryptedDEK, plaintext)
	metrics.SetDEKCacheEntries(em.GetCacheSize())
}

// ClearCache drops cached DEKs.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ any) bool {
		em.keyCache.Delete(key)
		return true
	})
	metrics.SetDEKCacheEntries(em.GetCacheSize())
}

func (em *EncryptionManager) GetCacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
