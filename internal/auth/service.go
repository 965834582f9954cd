package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/maypok86/otter/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/tollgate/tollgate/internal/models"
)

var (
	ErrInvalidKey     = errors.New("invalid API key")
	ErrTenantInactive = errors.New("tenant is deactivated")
)

// Identity is the authenticated principal a request runs as.
type Identity struct {
	Tenant *models.Tenant
	Key    *models.APIKey // nil when authenticated with the admin key
	Admin  bool
}

// KeyStore is the persistence surface Verify needs.
type KeyStore interface {
	KeysByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error)
	TenantByID(ctx context.Context, id uint) (*models.Tenant, error)
	TenantByName(ctx context.Context, name string) (*models.Tenant, error)
	TouchLastUsed(ctx context.Context, keyID uint, at time.Time) error
}

type GormKeyStore struct {
	db *gorm.DB
}

func NewGormKeyStore(db *gorm.DB) *GormKeyStore {
	return &GormKeyStore{db: db}
}

func (s *GormKeyStore) KeysByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error) {
	var keys []models.APIKey
	if err := s.db.WithContext(ctx).Where("key_prefix = ?", prefix).Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *GormKeyStore) TenantByID(ctx context.Context, id uint) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := s.db.WithContext(ctx).First(&tenant, id).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *GormKeyStore) TenantByName(ctx context.Context, name string) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&tenant).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *GormKeyStore) TouchLastUsed(ctx context.Context, keyID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", keyID).
		Update("last_used_at", at).Error
}

// cachedIdentity remembers a verification that already paid the bcrypt
// cost. The fingerprint is a SHA-256 of the plaintext: comparing it is
// constant time and never stores the plaintext itself.
type cachedIdentity struct {
	fingerprint [sha256.Size]byte
	identity    Identity
}

const verifyCacheTTL = 5 * time.Minute

// Service authenticates bearer keys. Repeat requests with the same key
// skip bcrypt via the in-process fingerprint cache; revocations take
// effect within the cache TTL, or immediately when Invalidate is called.
type Service struct {
	store    KeyStore
	logger   *zap.Logger
	adminKey string
	cache    *otter.Cache[string, cachedIdentity]
}

func NewService(store KeyStore, adminKey string, logger *zap.Logger) *Service {
	cache := otter.Must(&otter.Options[string, cachedIdentity]{
		MaximumSize:      16384,
		ExpiryCalculator: otter.ExpiryWriting[string, cachedIdentity](verifyCacheTTL),
	})
	return &Service{
		store:    store,
		logger:   logger,
		adminKey: adminKey,
		cache:    cache,
	}
}

// Verify resolves a bearer credential to an identity. tenantHint carries
// the X-Tenant-Id header, which only matters for the admin key path.
func (s *Service) Verify(ctx context.Context, rawKey, tenantHint string) (*Identity, error) {
	if rawKey == "" {
		return nil, ErrInvalidKey
	}

	if s.adminKey != "" && subtle.ConstantTimeCompare([]byte(rawKey), []byte(s.adminKey)) == 1 {
		return s.verifyAdmin(ctx, tenantHint)
	}

	if err := ValidateKeyFormat(rawKey); err != nil {
		return nil, ErrInvalidKey
	}

	prefix := LookupPrefix(rawKey)
	fingerprint := sha256.Sum256([]byte(rawKey))

	if entry, ok := s.cache.GetIfPresent(prefix); ok {
		if subtle.ConstantTimeCompare(entry.fingerprint[:], fingerprint[:]) == 1 {
			id := entry.identity
			s.touchAsync(id.Key)
			return &id, nil
		}
	}

	keys, err := s.store.KeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var matched *models.APIKey
	for i := range keys {
		if !keys[i].IsUsable(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(keys[i].KeyHash), []byte(rawKey)) == nil {
			matched = &keys[i]
			break
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}

	tenant, err := s.store.TenantByID(ctx, matched.TenantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	if !tenant.Active {
		return nil, ErrTenantInactive
	}

	identity := Identity{Tenant: tenant, Key: matched}
	s.cache.Set(prefix, cachedIdentity{fingerprint: fingerprint, identity: identity})
	s.touchAsync(matched)

	id := identity
	return &id, nil
}

func (s *Service) verifyAdmin(ctx context.Context, tenantHint string) (*Identity, error) {
	if tenantHint == "" {
		return nil, ErrInvalidKey
	}
	tenant, err := s.store.TenantByName(ctx, tenantHint)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	if !tenant.Active {
		return nil, ErrTenantInactive
	}
	return &Identity{Tenant: tenant, Admin: true}, nil
}

// IsAdminKey reports whether the credential is the configured admin key.
// The admin surface accepts it without a tenant context; Verify requires
// X-Tenant-Id because proxy requests always run as some tenant.
func (s *Service) IsAdminKey(rawKey string) bool {
	return s.adminKey != "" && subtle.ConstantTimeCompare([]byte(rawKey), []byte(s.adminKey)) == 1
}

// Invalidate drops the cached verification for a key prefix. Admin
// revocation calls this so the old plaintext stops working immediately.
func (s *Service) Invalidate(prefix string) {
	s.cache.Invalidate(prefix)
}

// touchAsync records key usage without blocking the request path.
func (s *Service) touchAsync(key *models.APIKey) {
	if key == nil {
		return
	}
	keyID := key.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.store.TouchLastUsed(ctx, keyID, time.Now()); err != nil {
			s.logger.Debug("failed to touch key usage", zap.Uint("key_id", keyID), zap.Error(err))
		}
	}()
}
