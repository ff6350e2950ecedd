package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// SecurityPolicyRepository reads the global policy and per-identity overrides
type SecurityPolicyRepository interface {
	GetDefault(ctx context.Context) (*models.SecurityPolicy, error)
	GetOverride(ctx context.Context, identityID string) (*models.PolicyOverride, error)
}

// PolicyService resolves the effective security policy for an identity
type PolicyService struct {
	repo   SecurityPolicyRepository
	logger *slog.Logger
}

// NewPolicyService creates a new PolicyService
func NewPolicyService(repo SecurityPolicyRepository, logger *slog.Logger) *PolicyService {
	return &PolicyService{repo: repo, logger: logger}
}

// Resolve returns the global policy with the identity's override applied.
// A missing global policy is a configuration error and is never defaulted.
func (s *PolicyService) Resolve(ctx context.Context, identityID string) (*models.SecurityPolicy, error) {
	global, err := s.repo.GetDefault(ctx)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Error("no global security policy configured")
		} else {
			s.logger.Error("failed to load global security policy", slog.Any("error", err))
		}
		return nil, fmt.Errorf("resolve security policy: %w", models.ErrInternalServer)
	}

	if identityID == "" {
		return global, nil
	}

	override, err := s.repo.GetOverride(ctx, identityID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return global, nil
		}
		s.logger.Error("failed to load policy override",
			slog.String("identity_id", identityID),
			slog.Any("error", err))
		return nil, fmt.Errorf("resolve security policy: %w", models.ErrInternalServer)
	}

	resolved := override.Apply(*global)
	return &resolved, nil
}
