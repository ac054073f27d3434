// Package idempotency guarantees a unit of work runs at most once. A claim
// is an insert under the (job_name, key) uniqueness constraint; the
// constraint, not a prior read, decides who goes first.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/logger"
)

// Collection is the store collection holding idempotency rows
const Collection = "idempotency_keys"

// DefaultLease bounds how long a pending claim blocks other callers
const DefaultLease = 5 * time.Minute

// ErrLeaseLost is returned by Complete and Fail when the caller no longer
// owns the pending row (its lease expired and another worker took over).
var ErrLeaseLost = errors.New("idempotency lease lost")

// Status is the lifecycle state of a key
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome is the result of a claim attempt
type Outcome string

const (
	// OutcomeClaimed means the caller owns the key and must run the work
	OutcomeClaimed Outcome = "claimed"
	// OutcomeAlreadyHandled means the work finished before; replay the record
	OutcomeAlreadyHandled Outcome = "already_handled"
	// OutcomeInProgress means another caller holds a live claim
	OutcomeInProgress Outcome = "in_progress"
)

// Record is one idempotency row
type Record struct {
	JobName            string
	Key                string
	Status             Status
	RequestFingerprint string
	Owner              string
	Attempts           int
	Response           json.RawMessage
	ErrorCode          string
	ErrorMessage       string
	LeaseExpiresAt     *time.Time
	CreatedAt          *time.Time
	UpdatedAt          *time.Time
	CompletedAt        *time.Time
}

// Claim is returned by Registry.Claim
type Claim struct {
	Outcome Outcome
	// Owner is the token the claimant passes to Complete or Fail
	Owner  string
	Record *Record
	// FingerprintMismatch is set when a finished key was first claimed with
	// a different request fingerprint
	FingerprintMismatch bool
}

// ClaimOptions adjust how collisions are resolved
type ClaimOptions struct {
	// ReclaimFailed lets the caller take over a failed key instead of
	// replaying the failure. Stage keys use it so reruns resume failed work.
	ReclaimFailed bool
	// Lease overrides the registry lease for this claim
	Lease time.Duration
}

// Registry claims, completes and fails idempotency keys
type Registry struct {
	store  collection.Store
	lease  time.Duration
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewRegistry creates a registry. A non-positive lease uses DefaultLease.
func NewRegistry(store collection.Store, lease time.Duration) *Registry {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Registry{
		store:  store,
		lease:  lease,
		now:    time.Now,
		logger: logger.ComponentLogger("idempotency"),
	}
}

func keyFilter(jobName, key string) collection.Filter {
	return collection.Eq("job_name", jobName).Eq("key", key)
}

func withKey(err error, jobName, key string) error {
	return errors.WithDetail(err, fmt.Sprintf("Job: %s Key: %s", jobName, key))
}

// Claim attempts to take ownership of (jobName, key).
func (r *Registry) Claim(ctx context.Context, jobName, key, requestFingerprint string, opts ClaimOptions) (*Claim, error) {
	lease := r.lease
	if opts.Lease > 0 {
		lease = opts.Lease
	}
	now := r.now()
	owner := uuid.NewString()

	err := r.store.Insert(ctx, Collection, collection.Row{
		"job_name":            jobName,
		"key":                 key,
		"status":              string(StatusPending),
		"request_fingerprint": requestFingerprint,
		"owner":               owner,
		"attempts":            1,
		"lease_expires_at":    now.Add(lease),
		"created_at":          now,
		"updated_at":          now,
	})
	if err == nil {
		expires := now.Add(lease)
		return &Claim{
			Outcome: OutcomeClaimed,
			Owner:   owner,
			Record: &Record{
				JobName: jobName, Key: key, Status: StatusPending,
				RequestFingerprint: requestFingerprint, Owner: owner, Attempts: 1,
				LeaseExpiresAt: &expires, CreatedAt: &now, UpdatedAt: &now,
			},
		}, nil
	}
	if !errors.IsConflict(err) {
		return nil, withKey(errors.Wrap(err, "failed to claim idempotency key"), jobName, key)
	}

	existing, err := r.get(ctx, jobName, key)
	if err != nil {
		return nil, withKey(errors.Wrap(err, "failed to read colliding idempotency key"), jobName, key)
	}

	mismatch := existing.RequestFingerprint != "" && requestFingerprint != "" &&
		existing.RequestFingerprint != requestFingerprint

	switch existing.Status {
	case StatusCompleted:
		if mismatch {
			r.logger.Warnw("Idempotency key reused with a different request",
				logger.FieldJobName, jobName,
				logger.FieldKey, key)
		}
		return &Claim{Outcome: OutcomeAlreadyHandled, Record: existing, FingerprintMismatch: mismatch}, nil

	case StatusFailed:
		if !opts.ReclaimFailed {
			return &Claim{Outcome: OutcomeAlreadyHandled, Record: existing, FingerprintMismatch: mismatch}, nil
		}
		return r.takeOver(ctx, existing, requestFingerprint, lease, now)

	default:
		if existing.LeaseExpiresAt != nil && !now.Before(*existing.LeaseExpiresAt) {
			r.logger.Infow("Taking over expired idempotency lease",
				logger.FieldJobName, jobName,
				logger.FieldKey, key,
				"previous_owner", existing.Owner)
			return r.takeOver(ctx, existing, requestFingerprint, lease, now)
		}
		return &Claim{Outcome: OutcomeInProgress, Record: existing}, nil
	}
}

// takeOver re-pends a failed or expired row, guarded by its previous owner
// and status. Losing the race means someone else now holds it.
func (r *Registry) takeOver(ctx context.Context, existing *Record, requestFingerprint string, lease time.Duration, now time.Time) (*Claim, error) {
	owner := uuid.NewString()
	expires := now.Add(lease)
	attempts := existing.Attempts + 1

	guard := keyFilter(existing.JobName, existing.Key).
		Eq("status", string(existing.Status)).
		Eq("owner", existing.Owner)
	n, err := r.store.Patch(ctx, Collection, guard, collection.Row{
		"status":              string(StatusPending),
		"owner":               owner,
		"attempts":            attempts,
		"request_fingerprint": requestFingerprint,
		"lease_expires_at":    expires,
		"error_code":          nil,
		"error_message":       nil,
		"updated_at":          now,
	})
	if err != nil {
		return nil, withKey(errors.Wrap(err, "failed to take over idempotency key"), existing.JobName, existing.Key)
	}
	if n == 0 {
		return &Claim{Outcome: OutcomeInProgress, Record: existing}, nil
	}

	rec := *existing
	rec.Status = StatusPending
	rec.Owner = owner
	rec.Attempts = attempts
	rec.RequestFingerprint = requestFingerprint
	rec.LeaseExpiresAt = &expires
	rec.ErrorCode, rec.ErrorMessage = "", ""
	rec.UpdatedAt = &now
	return &Claim{Outcome: OutcomeClaimed, Owner: owner, Record: &rec}, nil
}

// Complete marks an owned pending key completed and stores the response
// that later claims replay.
func (r *Registry) Complete(ctx context.Context, jobName, key, owner string, response any) error {
	var encoded any
	if response != nil {
		b, err := json.Marshal(response)
		if err != nil {
			return withKey(errors.Wrap(err, "failed to encode idempotency response"), jobName, key)
		}
		encoded = string(b)
	}
	now := r.now()
	return r.finish(ctx, jobName, key, owner, collection.Row{
		"status":           string(StatusCompleted),
		"response":         encoded,
		"lease_expires_at": nil,
		"completed_at":     now,
		"updated_at":       now,
	})
}

// Fail marks an owned pending key failed with an error code and message.
func (r *Registry) Fail(ctx context.Context, jobName, key, owner, code, message string) error {
	now := r.now()
	return r.finish(ctx, jobName, key, owner, collection.Row{
		"status":           string(StatusFailed),
		"error_code":       code,
		"error_message":    message,
		"lease_expires_at": nil,
		"completed_at":     now,
		"updated_at":       now,
	})
}

func (r *Registry) finish(ctx context.Context, jobName, key, owner string, partial collection.Row) error {
	guard := keyFilter(jobName, key).Eq("status", string(StatusPending)).Eq("owner", owner)
	n, err := r.store.Patch(ctx, Collection, guard, partial)
	if err != nil {
		return withKey(errors.Wrapf(err, "failed to mark idempotency key %s", partial["status"]), jobName, key)
	}
	if n == 0 {
		return withKey(ErrLeaseLost, jobName, key)
	}
	return nil
}

// Lookup is a read-only check. A store failure is logged and reported as
// "no row": callers treat the work as a first execution and rely on Claim
// to arbitrate.
func (r *Registry) Lookup(ctx context.Context, jobName, key string) (*Record, error) {
	rec, err := r.get(ctx, jobName, key)
	if err == nil {
		return rec, nil
	}
	if errors.IsNotFound(err) {
		return nil, nil
	}
	r.logger.Warnw("Idempotency lookup failed, assuming first execution",
		logger.FieldJobName, jobName,
		logger.FieldKey, key,
		logger.FieldError, err)
	return nil, nil
}

// ExpireLeases fails every pending key whose lease ran out, so the next
// claim can reclaim it. Returns the number of keys expired.
func (r *Registry) ExpireLeases(ctx context.Context) (int64, error) {
	now := r.now()
	n, err := r.store.Patch(ctx, Collection,
		collection.Eq("status", string(StatusPending)).Lt("lease_expires_at", now),
		collection.Row{
			"status":           string(StatusFailed),
			"error_code":       "lease_expired",
			"error_message":    "claim lease expired before the work finished",
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if err != nil {
		return 0, errors.Wrap(err, "failed to expire idempotency leases")
	}
	return n, nil
}

func (r *Registry) get(ctx context.Context, jobName, key string) (*Record, error) {
	rows, err := r.store.Select(ctx, Collection, keyFilter(jobName, key).Limit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundError("idempotency key %s/%s not found", jobName, key)
	}
	return recordFromRow(rows[0]), nil
}

func recordFromRow(row collection.Row) *Record {
	rec := &Record{
		JobName:            row.String("job_name"),
		Key:                row.String("key"),
		Status:             Status(row.String("status")),
		RequestFingerprint: row.String("request_fingerprint"),
		Owner:              row.String("owner"),
		Attempts:           int(row.Int("attempts")),
		ErrorCode:          row.String("error_code"),
		ErrorMessage:       row.String("error_message"),
		LeaseExpiresAt:     row.Time("lease_expires_at"),
		CreatedAt:          row.Time("created_at"),
		UpdatedAt:          row.Time("updated_at"),
		CompletedAt:        row.Time("completed_at"),
	}
	if resp := row.String("response"); resp != "" {
		rec.Response = json.RawMessage(resp)
	}
	return rec
}
