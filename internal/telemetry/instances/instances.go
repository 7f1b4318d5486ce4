// Package instances owns the lifecycle of client installation identities:
// token issuance, token validation with status gating, activity recording and moderation.
package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/models"
	"github.com/ubuntu/decorate"
)

// DefaultMaxTokenAttempts is the number of token candidates generated before giving up.
const DefaultMaxTokenAttempts = 5

const bearerPrefix = "Bearer "

var (
	// ErrUnauthorized is the parent of every token validation failure.
	// All of them map to the same outward unauthorized response.
	ErrUnauthorized = errors.New("instance token rejected")

	// ErrTokenNotFound is returned when no instance holds the token.
	ErrTokenNotFound = fmt.Errorf("%w: token not found", ErrUnauthorized)
	// ErrInstanceBanned is returned when the instance was banned by moderation.
	ErrInstanceBanned = fmt.Errorf("%w: instance is banned", ErrUnauthorized)
	// ErrInstanceInactive is returned when the instance is in any non-active state.
	ErrInstanceInactive = fmt.Errorf("%w: instance is inactive", ErrUnauthorized)

	// ErrTokenGeneration is returned when no unique token could be generated.
	ErrTokenGeneration = errors.New("could not generate a unique instance token")

	// ErrInstanceNotFound is returned by moderation operations on unknown ids.
	ErrInstanceNotFound = errors.New("instance not found")
)

// Store is the persistence needed by the registry. It is expected to be bound to
// the caller's transaction.
type Store interface {
	TokenExists(ctx context.Context, token string) (bool, error)
	InstanceByToken(ctx context.Context, token string) (models.Instance, bool, error)
	CreateInstance(ctx context.Context, inst models.Instance) (models.Instance, error)
	RecordInstanceActivity(ctx context.Context, id int64, seenAt time.Time) (models.Instance, error)
	SetInstanceStatus(ctx context.Context, id int64, status models.InstanceStatus) (bool, error)
}

// Registry issues and validates instance tokens.
type Registry struct {
	newToken    func() string
	now         func() time.Time
	maxAttempts int
}

type options struct {
	newToken    func() string
	now         func() time.Time
	maxAttempts int
}

// Option is a function which tweaks the creation of the Registry.
type Option func(*options)

// New creates a Registry.
func New(args ...Option) *Registry {
	opts := options{
		newToken:    uuid.NewString,
		now:         time.Now,
		maxAttempts: DefaultMaxTokenAttempts,
	}
	for _, arg := range args {
		arg(&opts)
	}

	return &Registry{
		newToken:    opts.newToken,
		now:         opts.now,
		maxAttempts: opts.maxAttempts,
	}
}

// Register creates a new active instance for the given site with a freshly generated unique token.
func (r Registry) Register(ctx context.Context, store Store, siteHash, scannerVersion string) (inst models.Instance, err error) {
	defer decorate.OnError(&err, "could not register instance")

	token, err := r.generateUniqueToken(ctx, store)
	if err != nil {
		return models.Instance{}, err
	}

	inst, err = store.CreateInstance(ctx, models.Instance{
		Token:                    token,
		SiteHash:                 siteHash,
		Status:                   models.StatusActive,
		ScanCount:                0,
		CreatedAt:                r.now(),
		RegisteredScannerVersion: scannerVersion,
	})
	if err != nil {
		return models.Instance{}, err
	}

	slog.Info("New instance registered", "instance_id", inst.ID, "site_id", siteHash, "scanner_version", scannerVersion)
	return inst, nil
}

func (r Registry) generateUniqueToken(ctx context.Context, store Store) (string, error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		token := r.newToken()
		exists, err := store.TokenExists(ctx, token)
		if err != nil {
			return "", err
		}
		if !exists {
			slog.Debug("Unique token generated", "attempts", attempt)
			return token, nil
		}
		slog.Warn("Instance token collision, retrying", "attempt", attempt)
	}

	slog.Error("Failed to generate a unique instance token", "attempts", r.maxAttempts)
	return "", ErrTokenGeneration
}

// Validate resolves a credential to an active instance.
//
// The credential may carry a "Bearer " prefix. Unknown, banned and inactive instances
// are all rejected with an error wrapping ErrUnauthorized.
func (r Registry) Validate(ctx context.Context, store Store, credential string) (models.Instance, error) {
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), bearerPrefix))
	if token == "" {
		return models.Instance{}, ErrTokenNotFound
	}

	inst, found, err := store.InstanceByToken(ctx, token)
	if err != nil {
		return models.Instance{}, fmt.Errorf("could not look up instance token: %w", err)
	}
	if !found {
		return models.Instance{}, ErrTokenNotFound
	}

	if inst.IsBanned() {
		slog.Warn("Banned instance attempted to submit", "instance_id", inst.ID, "site_id", inst.SiteHash)
		return models.Instance{}, ErrInstanceBanned
	}
	if !inst.IsActive() {
		slog.Warn("Inactive instance attempted to submit", "instance_id", inst.ID, "status", inst.Status)
		return models.Instance{}, ErrInstanceInactive
	}

	slog.Debug("Instance token validated", "instance_id", inst.ID, "scan_count", inst.ScanCount)
	return inst, nil
}

// RecordActivity counts one newly persisted scan for the instance and refreshes its last seen time.
//
// It must only be called once the scan is known to be newly processed.
func (r Registry) RecordActivity(ctx context.Context, store Store, inst models.Instance) (updated models.Instance, err error) {
	defer decorate.OnError(&err, "could not record activity for instance %d", inst.ID)

	updated, err = store.RecordInstanceActivity(ctx, inst.ID, r.now())
	if err != nil {
		return models.Instance{}, err
	}

	slog.Debug("Instance activity recorded", "instance_id", updated.ID, "scan_count", updated.ScanCount)
	return updated, nil
}

// Ban moves the instance to the banned status. Later validations of its token fail.
func (r Registry) Ban(ctx context.Context, store Store, id int64) (err error) {
	defer decorate.OnError(&err, "could not ban instance %d", id)

	found, err := store.SetInstanceStatus(ctx, id, models.StatusBanned)
	if err != nil {
		return err
	}
	if !found {
		return ErrInstanceNotFound
	}

	slog.Warn("Instance banned", "instance_id", id)
	return nil
}
