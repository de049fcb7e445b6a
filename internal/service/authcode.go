package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/templui/authmail/internal/clock"
	"github.com/templui/authmail/internal/metrics"
	"github.com/templui/authmail/internal/model"
	"github.com/templui/authmail/internal/repository"
)

// DefaultCodeExpiry applies when a caller passes a non-positive expiry.
const DefaultCodeExpiry = 5 * time.Minute

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrGeneration   = errors.New("auth code generation failed")
	ErrValidation   = errors.New("auth code validation failed")
	ErrInvalidation = errors.New("auth code invalidation failed")
	ErrRetrieval    = errors.New("auth code retrieval failed")
	ErrCleanup      = errors.New("auth code cleanup failed")
)

var (
	ErrCodeNotFound     = errors.New("auth code not found")
	ErrCodeAlreadyUsed  = errors.New("auth code has already been used")
	ErrCodeExpired      = errors.New("auth code has expired")
	ErrCodeTypeMismatch = errors.New("auth code issued for a different purpose")
	ErrCodeSuperseded   = errors.New("auth code was replaced by a newer one")
)

// InvalidReason says why a code was rejected. The zero value means valid.
type InvalidReason string

const (
	ReasonNone         InvalidReason = ""
	ReasonNotFound     InvalidReason = "not_found"
	ReasonAlreadyUsed  InvalidReason = "already_used"
	ReasonExpired      InvalidReason = "expired"
	ReasonTypeMismatch InvalidReason = "type_mismatch"
	ReasonSuperseded   InvalidReason = "superseded"
)

// Validation is the outcome of checking a plaintext code. Code is set only
// when the code is valid.
type Validation struct {
	Code   *model.AuthCode
	Reason InvalidReason
}

func (v Validation) Valid() bool {
	return v.Reason == ReasonNone && v.Code != nil
}

// Err maps the rejection reason to a sentinel error, or nil when valid.
func (v Validation) Err() error {
	switch v.Reason {
	case ReasonNone:
		if v.Code == nil {
			return ErrCodeNotFound
		}
		return nil
	case ReasonAlreadyUsed:
		return ErrCodeAlreadyUsed
	case ReasonExpired:
		return ErrCodeExpired
	case ReasonTypeMismatch:
		return ErrCodeTypeMismatch
	case ReasonSuperseded:
		return ErrCodeSuperseded
	}
	return ErrCodeNotFound
}

func (v Validation) result() string {
	if v.Valid() {
		return "valid"
	}
	return string(v.Reason)
}

type AuthCodeService struct {
	repository    repository.AuthCodeRepository
	generator     *CodeGenerator
	clock         clock.Clock
	metrics       *metrics.Metrics
	defaultExpiry time.Duration
}

func NewAuthCodeService(
	repository repository.AuthCodeRepository,
	generator *CodeGenerator,
	clock clock.Clock,
	metrics *metrics.Metrics,
	defaultExpiry time.Duration,
) *AuthCodeService {
	if defaultExpiry <= 0 {
		defaultExpiry = DefaultCodeExpiry
	}
	return &AuthCodeService{
		repository:    repository,
		generator:     generator,
		clock:         clock,
		metrics:       metrics,
		defaultExpiry: defaultExpiry,
	}
}

func (s *AuthCodeService) DefaultExpiry() time.Duration {
	return s.defaultExpiry
}

// GenerateAuthCode issues a new code for (userID, codeType), superseding any
// unused code for the same pair, and returns the plaintext. The plaintext is
// never stored.
func (s *AuthCodeService) GenerateAuthCode(ctx context.Context, userID string, codeType model.CodeType, expiry time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if !codeType.Valid() {
		return "", fmt.Errorf("%w: unknown code type %q", ErrInvalidInput, codeType)
	}
	if expiry <= 0 {
		expiry = s.defaultExpiry
	}

	plain, err := s.generator.Generate()
	if err != nil {
		slog.Error("failed to generate auth code", "error", err, "user_id", userID, "type", codeType)
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	now := s.clock.Now()
	code := &model.AuthCode{
		CodeHash:  s.generator.Hash(plain),
		UserID:    userID,
		Type:      codeType,
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
	}

	err = s.repository.ReplaceActive(ctx, code, now)
	if err != nil {
		slog.Error("failed to store auth code", "error", err, "user_id", userID, "type", codeType)
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	s.metrics.CodeGenerated(string(codeType))
	slog.Info("auth code generated", "code_id", code.ID, "user_id", userID, "type", codeType, "expires_at", code.ExpiresAt)
	return plain, nil
}

// ValidateAuthCode checks a plaintext code without consuming it.
func (s *AuthCodeService) ValidateAuthCode(ctx context.Context, plain string, codeType model.CodeType) (Validation, error) {
	plain = strings.TrimSpace(plain)
	if plain == "" {
		return Validation{Reason: ReasonNotFound}, nil
	}

	v, err := s.lookup(ctx, s.generator.Hash(plain), codeType, s.clock.Now())
	if err != nil {
		slog.Error("failed to validate auth code", "error", err, "type", codeType)
		return Validation{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	s.metrics.Validation(string(codeType), "validate", v.result())
	s.logValidation("validate", codeType, v)
	return v, nil
}

// ValidateAndConsumeAuthCode validates and marks the code used in a single
// conditional update. Of any number of concurrent callers with the same
// code, exactly one gets a valid result; the rest see ReasonAlreadyUsed.
func (s *AuthCodeService) ValidateAndConsumeAuthCode(ctx context.Context, plain string, codeType model.CodeType) (Validation, error) {
	plain = strings.TrimSpace(plain)
	if plain == "" {
		return Validation{Reason: ReasonNotFound}, nil
	}

	hash := s.generator.Hash(plain)
	now := s.clock.Now()

	code, err := s.repository.Consume(ctx, hash, codeType, now)
	var v Validation
	switch {
	case err == nil:
		v = Validation{Code: code}
	case errors.Is(err, repository.ErrAuthCodeNotConsumable):
		// The state transition already failed; this read only explains why.
		v, err = s.lookup(ctx, hash, codeType, now)
		if err != nil {
			slog.Error("failed to inspect rejected auth code", "error", err, "type", codeType)
			return Validation{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if v.Valid() {
			// Someone else changed the row between our update and read.
			v = Validation{Reason: ReasonAlreadyUsed}
		}
	default:
		slog.Error("failed to consume auth code", "error", err, "type", codeType)
		return Validation{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	s.metrics.Validation(string(codeType), "consume", v.result())
	s.logValidation("consume", codeType, v)
	return v, nil
}

func (s *AuthCodeService) lookup(ctx context.Context, hash string, codeType model.CodeType, now time.Time) (Validation, error) {
	code, err := s.repository.ByHash(ctx, hash)
	if errors.Is(err, repository.ErrAuthCodeNotFound) {
		return Validation{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Validation{}, err
	}

	reason := checkCode(code, codeType, now)
	if reason != ReasonNone {
		return Validation{Reason: reason}, nil
	}
	return Validation{Code: code}, nil
}

// checkCode applies the checks in order: used, superseded, expired, type.
func checkCode(code *model.AuthCode, codeType model.CodeType, now time.Time) InvalidReason {
	switch {
	case code.IsUsed():
		return ReasonAlreadyUsed
	case code.IsRevoked():
		return ReasonSuperseded
	case code.IsExpiredAt(now):
		return ReasonExpired
	case code.Type != codeType:
		return ReasonTypeMismatch
	}
	return ReasonNone
}

func (s *AuthCodeService) logValidation(operation string, codeType model.CodeType, v Validation) {
	if v.Valid() {
		slog.Info("auth code accepted", "operation", operation, "type", codeType, "code_id", v.Code.ID, "user_id", v.Code.UserID)
		return
	}
	slog.Info("auth code rejected", "operation", operation, "type", codeType, "reason", v.Reason)
}

// IsCodeValidForUser reports whether the code is currently valid and was
// issued to userID. It does not consume the code.
func (s *AuthCodeService) IsCodeValidForUser(ctx context.Context, plain string, codeType model.CodeType, userID string) (bool, error) {
	v, err := s.ValidateAuthCode(ctx, plain, codeType)
	if err != nil {
		return false, err
	}
	if !v.Valid() {
		return false, nil
	}
	if v.Code.UserID != strings.TrimSpace(userID) {
		slog.Warn("auth code presented for another user", "code_id", v.Code.ID, "type", codeType)
		return false, nil
	}
	return true, nil
}

// InvalidateAuthCode revokes a single code by its plaintext. Revoking an
// unknown or already terminal code is not an error.
func (s *AuthCodeService) InvalidateAuthCode(ctx context.Context, plain string) (bool, error) {
	plain = strings.TrimSpace(plain)
	if plain == "" {
		return false, nil
	}

	revoked, err := s.repository.RevokeByHash(ctx, s.generator.Hash(plain), s.clock.Now())
	if err != nil {
		slog.Error("failed to invalidate auth code", "error", err)
		return false, fmt.Errorf("%w: %w", ErrInvalidation, err)
	}
	return revoked, nil
}

func (s *AuthCodeService) InvalidateUserCodes(ctx context.Context, userID string, codeType model.CodeType) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if !codeType.Valid() {
		return 0, fmt.Errorf("%w: unknown code type %q", ErrInvalidInput, codeType)
	}

	n, err := s.repository.RevokeUserCodes(ctx, userID, codeType, s.clock.Now())
	if err != nil {
		slog.Error("failed to invalidate user codes", "error", err, "user_id", userID, "type", codeType)
		return 0, fmt.Errorf("%w: %w", ErrInvalidation, err)
	}

	slog.Info("user auth codes invalidated", "user_id", userID, "type", codeType, "count", n)
	return n, nil
}

// GetAuthCodesForUser lists a user's codes (hashes only). An empty codeType
// returns every type.
func (s *AuthCodeService) GetAuthCodesForUser(ctx context.Context, userID string, codeType model.CodeType) ([]model.AuthCode, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if codeType != "" && !codeType.Valid() {
		return nil, fmt.Errorf("%w: unknown code type %q", ErrInvalidInput, codeType)
	}

	codes, err := s.repository.ByUser(ctx, userID, codeType)
	if err != nil {
		slog.Error("failed to retrieve user codes", "error", err, "user_id", userID)
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	return codes, nil
}

// CleanupExpiredCodes deletes every code past its expiry. It is safe to run
// concurrently with issuance and validation.
func (s *AuthCodeService) CleanupExpiredCodes(ctx context.Context) (int64, error) {
	n, err := s.repository.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		slog.Error("failed to clean up expired auth codes", "error", err)
		return 0, fmt.Errorf("%w: %w", ErrCleanup, err)
	}

	s.metrics.Cleaned("expired", n)
	slog.Info("expired auth codes cleaned up", "count", n)
	return n, nil
}

// CleanupUsedCodes deletes consumed or superseded codes whose terminal
// transition is older than olderThan.
func (s *AuthCodeService) CleanupUsedCodes(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.repository.DeleteUsedBefore(ctx, s.clock.Now().Add(-olderThan))
	if err != nil {
		slog.Error("failed to clean up used auth codes", "error", err)
		return 0, fmt.Errorf("%w: %w", ErrCleanup, err)
	}

	s.metrics.Cleaned("used", n)
	slog.Info("used auth codes cleaned up", "count", n, "older_than", olderThan)
	return n, nil
}

// RunCleanupLoop sweeps expired and old used codes every interval until ctx
// is cancelled. A non-positive usedRetention skips the used-code sweep.
func (s *AuthCodeService) RunCleanupLoop(ctx context.Context, interval, usedRetention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.CleanupExpiredCodes(ctx)
			if usedRetention > 0 {
				_, _ = s.CleanupUsedCodes(ctx, usedRetention)
			}
		}
	}
}
