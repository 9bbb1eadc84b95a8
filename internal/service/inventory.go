package service

import (
	"context"
	"errors"
	"fmt"

	"settlement-service/internal/models"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InventoryManager holds per-offering capacity counters and performs atomic
// reservation, commit and release. The database conditional update is the
// single source of truth; Redis mirrors the counters for the availability
// read path and a cheap sold-out fast-fail.
type InventoryManager struct {
	store  *store.Store
	redis  *redisclient.Client
	logger *zap.Logger
}

// NewInventoryManager creates a new inventory manager
func NewInventoryManager(store *store.Store, redis *redisclient.Client) *InventoryManager {
	return &InventoryManager{
		store:  store,
		redis:  redis,
		logger: util.GetLogger(),
	}
}

// Reserve holds one unit of the offering's capacity and returns the
// reservation token. Fails with ErrSoldOut when sold + reserved has reached
// capacity at the instant of the call.
func (im *InventoryManager) Reserve(ctx context.Context, offeringID int64, reference string) (string, error) {
	ctx, span := util.StartSpan(ctx, "InventoryManager.Reserve")
	defer span.End()

	available, mirrorTook, err := im.redis.ReserveUnit(ctx, offeringID)
	if err != nil {
		im.logger.Warn("Redis fast-fail unavailable, deciding on the database",
			zap.Int64("offering_id", offeringID),
			zap.Error(err))
		available, mirrorTook = true, false
	}
	if !available {
		util.ReservationsFailedTotal.WithLabelValues("sold_out").Inc()
		return "", models.ErrSoldOut
	}

	token := uuid.New().String()
	if err := im.store.ReserveUnitTx(ctx, token, offeringID, reference); err != nil {
		// Give the mirror its unit back; the authoritative update said no.
		if mirrorTook {
			if rerr := im.redis.ReleaseUnit(ctx, offeringID); rerr != nil {
				im.logger.Error("Failed to roll back mirrored reservation",
					zap.Int64("offering_id", offeringID),
					zap.Error(rerr))
			}
		}
		if errors.Is(err, models.ErrSoldOut) {
			util.ReservationsFailedTotal.WithLabelValues("sold_out").Inc()
		} else if errors.Is(err, models.ErrOfferingNotFound) {
			util.ReservationsFailedTotal.WithLabelValues("unknown_offering").Inc()
		} else {
			util.ReservationsFailedTotal.WithLabelValues("error").Inc()
		}
		return "", err
	}

	return token, nil
}

// Commit permanently increments sold for the reservation's offering.
// Committing an already-settled token is a no-op.
func (im *InventoryManager) Commit(ctx context.Context, token string) error {
	ctx, span := util.StartSpan(ctx, "InventoryManager.Commit")
	defer span.End()

	offeringID, applied, err := im.store.CommitReservationTx(ctx, token)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if err := im.redis.CommitUnit(ctx, offeringID); err != nil {
		im.logger.Error("Failed to commit unit in Redis mirror",
			zap.Int64("offering_id", offeringID),
			zap.Error(err))
	}
	return nil
}

// Release returns the held unit to available capacity. Idempotent.
func (im *InventoryManager) Release(ctx context.Context, token string) error {
	ctx, span := util.StartSpan(ctx, "InventoryManager.Release")
	defer span.End()

	offeringID, applied, err := im.store.ReleaseReservationTx(ctx, token)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	if err := im.redis.ReleaseUnit(ctx, offeringID); err != nil {
		im.logger.Error("Failed to release unit in Redis mirror",
			zap.Int64("offering_id", offeringID),
			zap.Error(err))
	}
	return nil
}

// TokenFor returns the reservation token linked to a transaction reference
func (im *InventoryManager) TokenFor(ctx context.Context, reference string) (string, error) {
	reservation, err := im.store.GetReservationByReference(ctx, reference)
	if err != nil {
		return "", err
	}
	return reservation.Token, nil
}

// Offering retrieves an offering by id
func (im *InventoryManager) Offering(ctx context.Context, offeringID int64) (*models.Offering, error) {
	return im.store.GetOfferingByID(ctx, offeringID)
}

// ListOfferings returns all offerings, preferring the mirrored counters so
// the read path stays off the database under load.
func (im *InventoryManager) ListOfferings(ctx context.Context) ([]models.Offering, error) {
	offerings, err := im.store.GetOfferings(ctx)
	if err != nil {
		return nil, err
	}

	for i := range offerings {
		capacity, sold, reserved, err := im.redis.GetAvailability(ctx, offerings[i].ID)
		if err != nil {
			continue
		}
		offerings[i].Capacity = capacity
		offerings[i].Sold = sold
		offerings[i].Reserved = reserved
	}

	return offerings, nil
}

// SyncOfferingsToRedis seeds the mirrored counters from the database
func (im *InventoryManager) SyncOfferingsToRedis(ctx context.Context) error {
	im.logger.Info("Starting offering sync to Redis")

	offerings, err := im.store.GetOfferings(ctx)
	if err != nil {
		return fmt.Errorf("failed to get offerings: %w", err)
	}

	for _, offering := range offerings {
		if err := im.redis.InitOffering(ctx, offering.ID, offering.Capacity, offering.Sold, offering.Reserved); err != nil {
			im.logger.Error("Failed to init Redis offering",
				zap.Int64("offering_id", offering.ID),
				zap.Error(err))
		}
	}

	im.logger.Info("Offering sync completed", zap.Int("count", len(offerings)))
	return nil
}
