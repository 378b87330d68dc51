// Package credential owns registered users' credentials and login flags.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tg_classifier_bot/internal/domain"
	"tg_classifier_bot/internal/lockmap"
	"tg_classifier_bot/internal/logging"
)

// Repository is the durable record set behind the Store. Implementations must
// make every Create and SetAuthenticated call atomic and durable before they
// return nil.
type Repository interface {
	// Get returns domain.ErrNotRegistered when no record exists.
	Get(ctx context.Context, userID int64) (domain.UserRecord, error)
	// Create returns domain.ErrAlreadyRegistered when a record exists.
	Create(ctx context.Context, rec domain.UserRecord) error
	// SetAuthenticated returns domain.ErrNotRegistered when no record exists.
	SetAuthenticated(ctx context.Context, userID int64, authenticated bool, at time.Time) error
}

// Store serializes credential mutations per user id. The lock is held for the
// whole read-modify-write so concurrent registrations of the same id create
// at most one record.
type Store struct {
	repo   Repository
	hasher Hasher
	locks  *lockmap.Map
	logger *logrus.Entry
	now    func() time.Time
}

// NewStore constructs a Store over repo.
func NewStore(repo Repository, hasher Hasher, logger *logrus.Entry) (*Store, error) {
	if repo == nil {
		return nil, errors.New("credential repository is required")
	}
	if hasher == nil {
		return nil, errors.New("credential hasher is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	return &Store{
		repo:   repo,
		hasher: hasher,
		locks:  lockmap.New(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}, nil
}

// Register creates a record for userID with the hash of secret and
// authenticated=false.
func (s *Store) Register(ctx context.Context, userID int64, secret string) error {
	if err := validate(ctx, userID); err != nil {
		return err
	}
	if strings.TrimSpace(secret) == "" {
		return domain.ErrInvalidSecret
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	if _, err := s.repo.Get(ctx, userID); err == nil {
		return domain.ErrAlreadyRegistered
	} else if !errors.Is(err, domain.ErrNotRegistered) {
		return persistence("lookup user", err)
	}

	hash, err := s.hasher.Hash(secret)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSecret) {
			return err
		}
		return fmt.Errorf("register user: %w", err)
	}

	now := s.now()
	rec := domain.UserRecord{
		UserID:         userID,
		CredentialHash: hash,
		Authenticated:  false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyRegistered) {
			return err
		}
		return persistence("create user", err)
	}

	s.logger.WithFields(logging.Fields{
		"event":   "user_registered",
		"user_id": userID,
	}).Info("registered new user")

	return nil
}

// Login verifies secret and marks the user authenticated.
func (s *Store) Login(ctx context.Context, userID int64, secret string) error {
	if err := validate(ctx, userID); err != nil {
		return err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			return err
		}
		return persistence("lookup user", err)
	}
	if rec.Authenticated {
		return domain.ErrAlreadyLoggedIn
	}
	if !s.hasher.Verify(rec.CredentialHash, secret) {
		s.logger.WithFields(logging.Fields{
			"event":   "login_rejected",
			"user_id": userID,
		}).Info("login rejected: wrong secret")
		return domain.ErrWrongSecret
	}

	if err := s.repo.SetAuthenticated(ctx, userID, true, s.now()); err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			return err
		}
		return persistence("mark user authenticated", err)
	}

	s.logger.WithFields(logging.Fields{
		"event":   "user_logged_in",
		"user_id": userID,
	}).Info("user logged in")

	return nil
}

// Logout clears the authenticated flag.
func (s *Store) Logout(ctx context.Context, userID int64) error {
	if err := validate(ctx, userID); err != nil {
		return err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			return err
		}
		return persistence("lookup user", err)
	}
	if !rec.Authenticated {
		return domain.ErrNotLoggedIn
	}

	if err := s.repo.SetAuthenticated(ctx, userID, false, s.now()); err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			return err
		}
		return persistence("mark user logged out", err)
	}

	s.logger.WithFields(logging.Fields{
		"event":   "user_logged_out",
		"user_id": userID,
	}).Info("user logged out")

	return nil
}

// IsAuthenticated reports whether userID holds an active login. Missing
// records and read failures both report false.
func (s *Store) IsAuthenticated(ctx context.Context, userID int64) bool {
	ok, err := s.Authenticated(ctx, userID)
	if err != nil {
		s.logger.WithFields(logging.Fields{
			"event":   "credential_read_error",
			"user_id": userID,
		}).WithError(err).Warn("failed to read credential record")
		return false
	}
	return ok
}

// Authenticated is IsAuthenticated with read failures surfaced. A missing
// record reports false without error.
func (s *Store) Authenticated(ctx context.Context, userID int64) (bool, error) {
	if err := validate(ctx, userID); err != nil {
		return false, err
	}

	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			return false, nil
		}
		return false, persistence("lookup user", err)
	}

	return rec.Authenticated, nil
}

// Exists reports whether userID completed registration.
func (s *Store) Exists(ctx context.Context, userID int64) (bool, error) {
	if err := validate(ctx, userID); err != nil {
		return false, err
	}

	if _, err := s.repo.Get(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrNotRegistered) {
			return false, nil
		}
		return false, persistence("lookup user", err)
	}

	return true, nil
}

func validate(ctx context.Context, userID int64) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if userID == 0 {
		return errors.New("user id is required")
	}
	return nil
}

func persistence(op string, err error) error {
	if errors.Is(err, domain.ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistence, err)
}
