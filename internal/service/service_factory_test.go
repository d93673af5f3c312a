package service_test

import (
	"testing"

	"clinical-auth/internal/biometric"
	"clinical-auth/internal/hashing"
	"clinical-auth/internal/repository/memory"
	"clinical-auth/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceFactory_RequiresCollaborators(t *testing.T) {
	hasher, err := hashing.NewHasherWithParams(testArgon2, []hashing.Pepper{testPepper}, []byte("test-index-key"))
	require.NoError(t, err)

	_, err = service.NewServiceFactory(service.Dependencies{})
	assert.ErrorIs(t, err, service.ErrMissingDependency)

	t.Run("provisioning", func(t *testing.T) {
		_, err := service.NewProvisioningService(service.Dependencies{
			Store:    memory.NewCredentialStore(),
			Subjects: memory.NewSubjectRepository(),
			Hasher:   hasher,
		})
		require.ErrorIs(t, err, service.ErrMissingDependency)
		assert.Contains(t, err.Error(), "Locker")
	})

	t.Run("engine", func(t *testing.T) {
		_, err := service.NewAuthenticationEngine(service.Dependencies{
			Store:    memory.NewCredentialStore(),
			Subjects: memory.NewSubjectRepository(),
			Hasher:   hasher,
		})
		require.ErrorIs(t, err, service.ErrMissingDependency)
		assert.Contains(t, err.Error(), "Challenges")
		assert.Contains(t, err.Error(), "Verifier")
	})

	t.Run("complete", func(t *testing.T) {
		f, err := service.NewServiceFactory(service.Dependencies{
			Store:      memory.NewCredentialStore(),
			Locker:     memory.NewLocker(),
			Subjects:   memory.NewSubjectRepository(),
			Challenges: memory.NewChallengeStore(),
			Hasher:     hasher,
			Verifier:   biometric.NewVerifier(),
		})
		require.NoError(t, err)
		assert.NotNil(t, f.ProvisioningService())
		assert.NotNil(t, f.AuthenticationEngine())
	})
}
