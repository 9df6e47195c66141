package rewards

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/warp/progression-engine/engine"
	"github.com/warp/progression-engine/ledger"
)

// Service runs the redemption workflow.
type Service struct {
	runner *engine.Runner
	ledger *ledger.Ledger
	clock  engine.Clock
	logger *zap.Logger

	// NewCode generates redemption codes. Replaced in tests.
	NewCode func() string
}

func New(runner *engine.Runner, l *ledger.Ledger, clock engine.Clock) *Service {
	if clock == nil {
		clock = engine.SystemClock
	}
	logger := runner.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		runner:  runner,
		ledger:  l,
		clock:   clock,
		logger:  logger.Named("rewards"),
		NewCode: NewRedemptionCode,
	}
}

// =============================================================================
// REDEMPTION
// =============================================================================

// RedeemReward spends points on a catalog item and creates an Unclaimed grant.
// Stock decrement, points deduction, grant creation and the notification
// record commit together or not at all.
func (s *Service) RedeemReward(ctx context.Context, userID engine.UserID, rewardID string) (engine.UserRewardGrant, error) {
	if userID == "" {
		return engine.UserRewardGrant{}, engine.NewValidationError("user id is required")
	}

	var grant engine.UserRewardGrant
	err := s.runner.Run(ctx, "rewards.redeem", func(u *engine.Unit) error {
		now := s.clock()

		item, err := u.Store.GetCatalogItem(ctx, rewardID)
		if err != nil {
			return err
		}
		if err := checkRedeemable(ctx, u.Store, userID, item, rewardID, now); err != nil {
			return err
		}

		if err := u.Store.DecrementStock(ctx, rewardID); err != nil {
			return err
		}

		grant = engine.UserRewardGrant{
			UserID:         userID,
			RewardID:       rewardID,
			Origin:         engine.OriginRedemption,
			Status:         engine.GrantUnclaimed,
			RedemptionCode: s.NewCode(),
			PointsSpent:    item.PointsCost,
			Actor:          engine.ActorUser,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		if item.PointsCost > 0 {
			tx, _, err := s.ledger.Post(ctx, u, ledger.Entry{
				UserID:      userID,
				Amount:      item.PointsCost,
				Kind:        engine.KindRedeemed,
				ActionType:  engine.ActionRedemption,
				ReferenceID: rewardID,
				Actor:       engine.ActorUser,
			})
			if err != nil {
				return err
			}
			grant.OriginRef = strconv.FormatInt(tx.ID, 10)
		}

		if err := u.Store.CreateGrant(ctx, &grant); err != nil {
			return err
		}

		return u.Notify(ctx, engine.Notification{
			UserID:        userID,
			Title:         "Reward redeemed",
			Message:       fmt.Sprintf("You redeemed %q. Your code is %s", item.Name, grant.RedemptionCode),
			ReferenceID:   strconv.FormatInt(grant.ID, 10),
			ReferenceType: engine.RefRewardGrant,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return engine.UserRewardGrant{}, err
	}

	s.logger.Info("reward redeemed",
		zap.String("user_id", string(userID)),
		zap.String("reward_id", rewardID),
		zap.Int64("grant_id", grant.ID),
		zap.Int64("points", grant.PointsSpent),
	)
	return grant, nil
}

func checkRedeemable(ctx context.Context, store engine.Store, userID engine.UserID, item *engine.RewardCatalogItem, rewardID string, now time.Time) error {
	if item == nil {
		return engine.NewNotFoundError("reward", rewardID)
	}
	if !item.IsActive {
		return engine.NewValidationError("reward %s is not active", rewardID)
	}

	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	b := engine.NewPointBalance(userID, now)
	if balance != nil {
		b = *balance
	}

	if b.Level < item.MinimumUserLevel {
		return engine.NewEligibilityError("reward %s requires level %d, user is level %d",
			rewardID, item.MinimumUserLevel, b.Level)
	}
	if b.Available < item.PointsCost {
		return &engine.InsufficientPointsError{UserID: userID, Available: b.Available, Requested: item.PointsCost}
	}
	if !item.InStock() {
		return &engine.OutOfStockError{RewardID: rewardID}
	}
	return nil
}

// IssueGrant creates an Unclaimed grant inside an existing unit without
// charging points or checking level and stock.
func (s *Service) IssueGrant(ctx context.Context, u *engine.Unit, req engine.GrantRequest) (engine.UserRewardGrant, error) {
	if req.UserID == "" {
		return engine.UserRewardGrant{}, engine.NewValidationError("user id is required")
	}
	if req.Origin == "" {
		req.Origin = engine.OriginChallenge
	}
	if req.Actor == "" {
		req.Actor = engine.ActorSystem
	}

	item, err := u.Store.GetCatalogItem(ctx, req.RewardID)
	if err != nil {
		return engine.UserRewardGrant{}, err
	}
	if item == nil {
		return engine.UserRewardGrant{}, engine.NewValidationError("unknown reward %s", req.RewardID)
	}

	now := s.clock()
	grant := engine.UserRewardGrant{
		UserID:         req.UserID,
		RewardID:       req.RewardID,
		Origin:         req.Origin,
		OriginRef:      req.OriginRef,
		Status:         engine.GrantUnclaimed,
		RedemptionCode: s.NewCode(),
		Actor:          req.Actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := u.Store.CreateGrant(ctx, &grant); err != nil {
		return engine.UserRewardGrant{}, err
	}

	err = u.Notify(ctx, engine.Notification{
		UserID:        req.UserID,
		Title:         "Reward granted",
		Message:       fmt.Sprintf("You received %q. Your code is %s", item.Name, grant.RedemptionCode),
		ReferenceID:   strconv.FormatInt(grant.ID, 10),
		ReferenceType: engine.RefRewardGrant,
		CreatedAt:     now,
	})
	if err != nil {
		return engine.UserRewardGrant{}, err
	}
	return grant, nil
}

// =============================================================================
// CLAIM / DELIVERY
// =============================================================================

// ClaimGrant moves a grant from Unclaimed to Claimed. A grant that belongs
// to someone else is reported as not found.
func (s *Service) ClaimGrant(ctx context.Context, grantID int64, userID engine.UserID) (engine.UserRewardGrant, error) {
	var next engine.UserRewardGrant
	err := s.runner.Run(ctx, "rewards.claim", func(u *engine.Unit) error {
		g, err := u.Store.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		if g == nil || g.UserID != userID {
			return engine.NewNotFoundError("grant", grantID)
		}
		if g.Status != engine.GrantUnclaimed {
			return engine.NewConflictError("grant %d is already %s", grantID, g.Status)
		}

		now := s.clock()
		next = *g
		next.Status = engine.GrantClaimed
		next.ClaimedDate = &now
		next.DeliveryStatus = engine.DeliveryProcessing
		next.UpdatedAt = now
		return u.Store.TransitionGrant(ctx, next, engine.GrantUnclaimed)
	})
	if err != nil {
		return engine.UserRewardGrant{}, err
	}
	return next, nil
}

// ProcessDelivery finishes a Claimed grant as Delivered or Rejected.
// Rejected grants are not refunded.
func (s *Service) ProcessDelivery(ctx context.Context, grantID int64, status engine.GrantStatus) (engine.UserRewardGrant, error) {
	if !DeliveryOutcome(status) {
		return engine.UserRewardGrant{}, engine.NewValidationError("delivery status must be %s or %s, got %q",
			engine.GrantDelivered, engine.GrantRejected, status)
	}

	var next engine.UserRewardGrant
	err := s.runner.Run(ctx, "rewards.deliver", func(u *engine.Unit) error {
		g, err := u.Store.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		if g == nil {
			return engine.NewNotFoundError("grant", grantID)
		}
		if g.Status != engine.GrantClaimed {
			return engine.NewConflictError("grant %d is %s, only claimed grants can be delivered", grantID, g.Status)
		}

		now := s.clock()
		next = *g
		next.Status = status
		next.DeliveryStatus = string(status)
		next.UpdatedAt = now
		if err := u.Store.TransitionGrant(ctx, next, engine.GrantClaimed); err != nil {
			return err
		}

		if status != engine.GrantDelivered {
			return nil
		}
		return u.Notify(ctx, engine.Notification{
			UserID:        g.UserID,
			Title:         "Reward delivered",
			Message:       fmt.Sprintf("Your reward %s has been delivered", g.RedemptionCode),
			ReferenceID:   strconv.FormatInt(g.ID, 10),
			ReferenceType: engine.RefRewardGrant,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return engine.UserRewardGrant{}, err
	}

	s.logger.Info("grant delivery processed",
		zap.Int64("grant_id", grantID),
		zap.String("status", string(status)),
	)
	return next, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Grants(ctx context.Context, userID engine.UserID) ([]engine.UserRewardGrant, error) {
	return s.runner.Store.ListGrants(ctx, userID)
}

// Catalog lists active catalog items.
func (s *Service) Catalog(ctx context.Context) ([]engine.RewardCatalogItem, error) {
	return s.runner.Store.ListCatalogItems(ctx, true)
}
