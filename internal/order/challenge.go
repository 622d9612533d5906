package order

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/account"
	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
)

// GetChallenge loads a single challenge for acc.
func (s *Service) GetChallenge(ctx context.Context, acc *model.Account, chalID string) (*model.Challenge, *model.Authorization, error) {
	chal, err := s.store.GetChallenge(ctx, chalID)
	if err != nil {
		return nil, nil, err
	}
	if chal == nil {
		return nil, nil, problem.NotFound(fmt.Sprintf("challenge %q not found", chalID))
	}
	authz, err := s.store.GetAuthorization(ctx, chal.AuthorizationID)
	if err != nil {
		return nil, nil, err
	}
	if authz == nil {
		return nil, nil, problem.ServerInternal("challenge has no authorization")
	}
	if authz.AccountID != acc.ID {
		return nil, nil, problem.Unauthorized("challenge belongs to another account")
	}
	return chal, authz, nil
}

// ProcessChallenge runs the proof-of-control check for one challenge and
// cascades the result to the authorization and order. It is idempotent:
// a challenge already in a terminal state is returned unchanged, and the
// validator is not invoked again.
func (s *Service) ProcessChallenge(ctx context.Context, acc *model.Account, chalID string) (*model.Challenge, *model.Authorization, error) {
	chal, authz, err := s.GetChallenge(ctx, acc, chalID)
	if err != nil {
		return nil, nil, err
	}

	unlock := s.locks.lock(authz.OrderID)
	defer unlock()

	// Reload both under the lock; a concurrent attempt on a sibling
	// challenge may have finished and moved the authorization.
	chal, err = s.store.GetChallenge(ctx, chalID)
	if err != nil {
		return nil, nil, err
	}
	authz, err = s.store.GetAuthorization(ctx, chal.AuthorizationID)
	if err != nil {
		return nil, nil, err
	}
	if authz == nil {
		return nil, nil, problem.ServerInternal("challenge has no authorization")
	}
	if chal.Status.Terminal() {
		return chal, authz, nil
	}

	if authz.Status != model.StatusPending {
		return nil, nil, problem.Malformedf("authorization is %s, challenge cannot be attempted", authz.Status)
	}
	if !s.clk.Now().Before(authz.Expires) {
		authz.Status = model.StatusExpired
		if err := s.store.SaveAuthorization(ctx, authz); err != nil {
			return nil, nil, err
		}
		return nil, nil, problem.Malformed("authorization has expired")
	}

	accountKey, err := account.ParseStoredKey(acc)
	if err != nil {
		return nil, nil, problem.ServerInternal("failed to load account key")
	}

	identifier := authz.Identifier
	if authz.Wildcard {
		identifier.Value = "*." + identifier.Value
	}

	chal.Status = model.StatusProcessing
	if err := s.store.SaveChallenge(ctx, chal); err != nil {
		return nil, nil, err
	}

	valProb := s.validator.Validate(ctx, chal, identifier, accountKey)
	now := s.clk.Now().UTC()

	if valProb != nil {
		chal.Status = model.StatusInvalid
		chal.Error = valProb
		authz.Status = model.StatusInvalid
		if s.metrics != nil {
			s.metrics.ChallengesValidated.WithLabelValues(chal.Type, "invalid").Inc()
		}
		logger.Info("Challenge validation failed",
			zap.String("challengeID", chal.ID),
			zap.String("type", chal.Type),
			zap.String("detail", valProb.Detail))
	} else {
		chal.Status = model.StatusValid
		chal.Validated = &now
		authz.Status = model.StatusValid
		if s.metrics != nil {
			s.metrics.ChallengesValidated.WithLabelValues(chal.Type, "valid").Inc()
		}
		logger.Info("Challenge validated",
			zap.String("challengeID", chal.ID),
			zap.String("type", chal.Type))
	}

	if err := s.store.SaveChallenge(ctx, chal); err != nil {
		return nil, nil, err
	}
	if err := s.store.SaveAuthorization(ctx, authz); err != nil {
		return nil, nil, err
	}
	if err := s.recomputeOrderStatus(ctx, authz.OrderID); err != nil {
		return nil, nil, err
	}
	return chal, authz, nil
}

// recomputeOrderStatus derives the order status from its authorizations:
// any invalid or expired authorization makes the order invalid, all valid
// makes a pending order ready. Called with the order lock held.
func (s *Service) recomputeOrderStatus(ctx context.Context, orderID string) error {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil || order.Status != model.StatusPending {
		return nil
	}

	authzs, err := s.store.GetAuthorizationsByOrderID(ctx, orderID)
	if err != nil {
		return err
	}

	allValid := true
	for _, authz := range authzs {
		switch authz.Status {
		case model.StatusValid:
		case model.StatusInvalid, model.StatusExpired, model.StatusDeactivated, model.StatusRevoked:
			order.Status = model.StatusInvalid
			order.Error = problem.Unauthorized(
				fmt.Sprintf("authorization for %q is %s", authz.Identifier.Value, authz.Status))
			order.LastModifiedAt = s.clk.Now().UTC()
			if err := s.store.UpdateOrder(ctx, order); err != nil {
				return err
			}
			logger.Info("Order invalidated by failed authorization",
				zap.String("orderID", order.ID),
				zap.String("authzID", authz.ID))
			return nil
		default:
			allValid = false
		}
	}

	if allValid {
		order.Status = model.StatusReady
		order.LastModifiedAt = s.clk.Now().UTC()
		if err := s.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		logger.Info("Order ready for finalization", zap.String("orderID", order.ID))
	}
	return nil
}
