package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clinical-auth/internal/lockout"
	"clinical-auth/internal/models"
	"clinical-auth/internal/repository"

	"go.uber.org/zap"
)

// SubjectRepository answers whether a subject exists and may authenticate.
type SubjectRepository interface {
	IsActive(ctx context.Context, subjectType models.SubjectType, subjectID string) (bool, error)
}

// ChallengeStore holds single-use biometric nonces. Consume returns repository.ErrNotFound
// for unknown, expired or already used nonces.
type ChallengeStore interface {
	Save(ctx context.Context, ch *models.Challenge, ttl time.Duration) error
	Consume(ctx context.Context, nonce string) (*models.Challenge, error)
}

// SecretHasher is implemented by hashing.Hasher.
type SecretHasher interface {
	Hash(method models.Method, secret string) (string, error)
	Verify(method models.Method, secret, material string) (bool, error)
	NeedsRehash(material string) bool
	LookupIndex(method models.Method, secret string) string
	DummyVerify(method models.Method, secret string)
}

// SignatureVerifier is implemented by biometric.Verifier.
type SignatureVerifier interface {
	Verify(signature, challenge, publicKeyPEM string) bool
}

// EventRecorder receives security events. Implementations must not block the caller on
// slow sinks.
type EventRecorder interface {
	Record(ctx context.Context, event *models.SecurityEvent)
}

// Dependencies wires the credential services. Logger, Lockout, Events, ChallengeTTL and Now
// have defaults; the constructors reject a nil value for anything else they use.
type Dependencies struct {
	Store        repository.CredentialStore
	Locker       repository.ProvisioningLocker
	Subjects     SubjectRepository
	Challenges   ChallengeStore
	Hasher       SecretHasher
	Verifier     SignatureVerifier
	Lockout      lockout.Policy
	Events       EventRecorder
	Logger       *zap.Logger
	ChallengeTTL time.Duration
	Now          func() time.Time
}

func (d *Dependencies) withDefaults() Dependencies {
	out := *d
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Lockout == nil {
		out.Logger.Warn("No lockout policy supplied, failed attempts will not be counted")
		out.Lockout = lockout.NoopPolicy{}
	}
	if out.Events == nil {
		out.Events = nopRecorder{}
	}
	if out.ChallengeTTL <= 0 {
		out.ChallengeTTL = 2 * time.Minute
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

type requirement struct {
	name    string
	present bool
}

func checkRequired(reqs ...requirement) error {
	var missing []string
	for _, r := range reqs {
		if !r.present {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, *models.SecurityEvent) {}
