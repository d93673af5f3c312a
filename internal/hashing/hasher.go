package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"clinical-auth/internal/config"
	"clinical-auth/internal/models"
	"clinical-auth/internal/util"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible hash algorithm")
	ErrEmptySecret         = errors.New("secret cannot be empty")
	ErrPepperNotFound      = errors.New("pepper version not found")
)

const algorithmArgon2ID = "argon2id-v1"

// development-only fallbacks so hashes survive restarts against a persistent dev store
const (
	devPepper   = "clinical-auth-development-pepper"
	devIndexKey = "clinical-auth-development-index-key"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	oldPeppers    []*Pepper
	indexKey      []byte
	mu            sync.RWMutex
}

// HashResult is the JSON document stored as a credential's secret material. The argon2
// cost parameters travel with the hash so config changes never strand stored secrets.
type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
	Memory        uint32 `json:"m,omitempty"`
	Iterations    uint32 `json:"t,omitempty"`
	Parallelism   uint8  `json:"p,omitempty"`
}

// params returns the cost parameters the hash was produced with. Material written before
// they were recorded falls back to the current ones.
func (r *HashResult) params(current Argon2Params) (Argon2Params, bool) {
	if r.Memory == 0 || r.Iterations == 0 || r.Parallelism == 0 {
		return current, false
	}
	p := current
	p.Memory, p.Iterations, p.Parallelism = r.Memory, r.Iterations, r.Parallelism
	return p, true
}

// NewHasher builds a hasher from config. indexKey is the unwrapped lookup-index key;
// when empty (development only) a fixed key is used.
func NewHasher(cfg *config.Config, indexKey []byte) (*Hasher, error) {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  32,
		KeyLength:   32,
	}

	peppers, err := ParsePeppers(cfg.Hashing.Peppers)
	if err != nil {
		return nil, err
	}
	if len(peppers) == 0 {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("no hash peppers configured")
		}
		util.Warn("No hash peppers configured, using the development pepper")
		peppers = []Pepper{{Value: devPepper, Version: 1, CreatedAt: time.Now().UTC()}}
	}
	if len(indexKey) == 0 {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("no lookup index key configured")
		}
		util.Warn("No lookup index key configured, using the development key")
		indexKey = []byte(devIndexKey)
	}

	return NewHasherWithParams(params, peppers, indexKey)
}

// NewHasherWithParams builds a hasher with explicit parameters. The highest pepper version is current.
func NewHasherWithParams(params Argon2Params, peppers []Pepper, indexKey []byte) (*Hasher, error) {
	if len(peppers) == 0 {
		return nil, fmt.Errorf("at least one pepper is required")
	}
	if len(indexKey) == 0 || len(indexKey) > blake2b.Size {
		return nil, fmt.Errorf("lookup index key must be 1..%d bytes", blake2b.Size)
	}
	if params.SaltLength == 0 {
		params.SaltLength = 32
	}
	if params.KeyLength == 0 {
		params.KeyLength = 32
	}

	sorted := make([]Pepper, len(peppers))
	copy(sorted, peppers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	h := &Hasher{
		params:   params,
		indexKey: append([]byte(nil), indexKey...),
	}
	for i := range sorted {
		p := sorted[i]
		if i == len(sorted)-1 {
			h.currentPepper = &p
		} else {
			h.oldPeppers = append(h.oldPeppers, &p)
		}
	}
	return h, nil
}

// ParsePeppers parses "version:value" entries.
func ParsePeppers(entries []string) ([]Pepper, error) {
	var peppers []Pepper
	seen := make(map[int]bool)
	for _, entry := range entries {
		versionStr, value, ok := strings.Cut(entry, ":")
		if !ok || value == "" {
			return nil, fmt.Errorf("invalid pepper entry, want version:value")
		}
		version, err := strconv.Atoi(versionStr)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("invalid pepper version %q", versionStr)
		}
		if seen[version] {
			return nil, fmt.Errorf("duplicate pepper version %d", version)
		}
		seen[version] = true
		peppers = append(peppers, Pepper{Value: value, Version: version, CreatedAt: time.Now().UTC()})
	}
	return peppers, nil
}

func (h *Hasher) CurrentPepperVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentPepper.Version
}

// Hash produces the secret material for a password or PIN.
func (h *Hasher) Hash(method models.Method, secret string) (string, error) {
	result, err := h.hashWithPepper(secret, string(method))
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode hash: %w", err)
	}
	return string(encoded), nil
}

// Verify checks a secret against stored material in constant time.
func (h *Hasher) Verify(method models.Method, secret, material string) (bool, error) {
	result, err := DecodeHashResult(material)
	if err != nil {
		return false, err
	}
	return h.verifyWithPepper(secret, result, string(method))
}

// NeedsRehash returns true if the material was produced under a retired pepper or with
// argon2 parameters other than the current ones.
func (h *Hasher) NeedsRehash(material string) bool {
	result, err := DecodeHashResult(material)
	if err != nil {
		return false
	}
	if result.PepperVersion != h.CurrentPepperVersion() {
		return true
	}
	stored, recorded := result.params(h.params)
	return !recorded ||
		stored.Memory != h.params.Memory ||
		stored.Iterations != h.params.Iterations ||
		stored.Parallelism != h.params.Parallelism
}

// DummyVerify burns the same work as a real verification. Used when no candidate exists.
func (h *Hasher) DummyVerify(method models.Method, secret string) {
	h.mu.RLock()
	pepper := h.currentPepper.Value
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	_ = argon2.IDKey([]byte(secret+pepper+string(method)), salt,
		h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
}

// LookupIndex returns a deterministic keyed MAC of the secret. It narrows candidates and
// backs uniqueness checks; it is never used to authenticate on its own.
func (h *Hasher) LookupIndex(method models.Method, secret string) string {
	mac, err := blake2b.New256(h.indexKey)
	if err != nil {
		// key length is validated in the constructor
		panic(err)
	}
	mac.Write([]byte(method))
	mac.Write([]byte{0})
	mac.Write([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// DecodeHashResult parses stored secret material.
func DecodeHashResult(material string) (*HashResult, error) {
	var result HashResult
	if err := json.Unmarshal([]byte(material), &result); err != nil {
		return nil, ErrInvalidHash
	}
	if result.Algorithm != algorithmArgon2ID {
		return nil, ErrIncompatibleVersion
	}
	if result.Hash == "" || result.Salt == "" {
		return nil, ErrInvalidHash
	}
	return &result, nil
}

func (h *Hasher) hashWithPepper(data, context string) (*HashResult, error) {
	if data == "" {
		return nil, ErrEmptySecret
	}

	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// context keeps a PIN hash from verifying as a password and vice versa
	contextualData := data + pepper.Value + context

	hash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     algorithmArgon2ID,
		Memory:        h.params.Memory,
		Iterations:    h.params.Iterations,
		Parallelism:   h.params.Parallelism,
	}, nil
}

func (h *Hasher) verifyWithPepper(data string, hashResult *HashResult, context string) (bool, error) {
	pepper, err := h.getPepper(hashResult.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expectedHash, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil || len(expectedHash) == 0 {
		return false, ErrInvalidHash
	}

	contextualData := data + pepper + context
	params, _ := hashResult.params(h.params)

	computedHash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		params.Iterations,
		params.Memory,
		params.Parallelism,
		uint32(len(expectedHash)),
	)

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	for _, pepper := range h.oldPeppers {
		if pepper.Version == version {
			return pepper.Value, nil
		}
	}
	return "", fmt.Errorf("%w: %d", ErrPepperNotFound, version)
}
