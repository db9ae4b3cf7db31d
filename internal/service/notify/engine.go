// Package notify finds new catalog activity for verified subscriptions and
// sends one digest per recipient per frequency tier.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"subscribe-service/internal/digest"
	"subscribe-service/internal/mailer"
	"subscribe-service/internal/model"
	"subscribe-service/pkg/metrics"
	"subscribe-service/pkg/otel"
)

const (
	DefaultImmediateLookback = time.Hour
	DefaultRepeatDelay       = 10 * time.Second

	leaseKey = "notify.run"
)

type SubscriptionSource interface {
	DueForNotification(ctx context.Context, frequency model.Frequency) ([]model.Subscription, error)
}

type WatermarkStore interface {
	LastSent(ctx context.Context, frequency model.Frequency) (time.Time, bool, error)
	SetLastSent(ctx context.Context, frequency model.Frequency, t time.Time) error
}

// Catalog resolves subscribed objects and reads their activity.
type Catalog interface {
	Resolve(ctx context.Context, ref model.TargetRef) (*model.CatalogObject, error)
	DatasetIDsIn(ctx context.Context, target model.Target) ([]string, error)
	ActivitiesSince(ctx context.Context, objectIDs []string, since, until time.Time) ([]model.Activity, error)
}

type LoginCodeIssuer interface {
	IssueLoginCode(ctx context.Context, email string) (string, error)
}

// Lease keeps two processes from running the same pass.
type Lease interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool)
}

type Config struct {
	Schedule          Schedule
	GracePeriod       time.Duration
	ImmediateLookback time.Duration
	RepeatDelay       time.Duration
}

type Engine struct {
	subs       SubscriptionSource
	watermarks WatermarkStore
	catalog    Catalog
	codes      LoginCodeIssuer
	mailer     mailer.Mailer
	lease      Lease
	site       digest.Site
	cfg        Config
	now        func() time.Time
	logger     *zap.Logger
}

func NewEngine(
	subs SubscriptionSource,
	watermarks WatermarkStore,
	catalog Catalog,
	codes LoginCodeIssuer,
	m mailer.Mailer,
	lease Lease,
	site digest.Site,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	if cfg.ImmediateLookback <= 0 {
		cfg.ImmediateLookback = DefaultImmediateLookback
	}
	if cfg.RepeatDelay <= 0 {
		cfg.RepeatDelay = DefaultRepeatDelay
	}
	return &Engine{
		subs:       subs,
		watermarks: watermarks,
		catalog:    catalog,
		codes:      codes,
		mailer:     m,
		lease:      lease,
		site:       site,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock replaces time.Now, mostly for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// TierResult summarizes one tier of one pass.
type TierResult struct {
	Frequency  model.Frequency `json:"frequency"`
	Due        bool            `json:"due"`
	Since      time.Time       `json:"since"`
	Until      time.Time       `json:"until"`
	Recipients int             `json:"recipients"`
	Sent       int             `json:"sent"`
	Failed     int             `json:"failed"`
}

type RunResult struct {
	// Skipped is set when another process held the lease.
	Skipped bool         `json:"skipped"`
	Tiers   []TierResult `json:"tiers"`
}

// Sent totals the digests handed to the mailer.
func (r RunResult) Sent() int {
	n := 0
	for _, t := range r.Tiers {
		n += t.Sent
	}
	return n
}

// Run performs one pass, or keeps passing with RepeatDelay between passes
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, once bool) error {
	if once {
		_, err := e.RunOnce(ctx)
		return err
	}

	for {
		if _, err := e.RunOnce(ctx); err != nil {
			e.logger.Error("Notification pass failed", zap.Error(err))
		}

		e.logger.Debug("Repeating notification pass", zap.Duration("delay", e.cfg.RepeatDelay))
		select {
		case <-ctx.Done():
			e.logger.Info("Notification loop stopped")
			return nil
		case <-time.After(e.cfg.RepeatDelay):
		}
	}
}

// RunOnce checks every tier in order. A failing tier does not stop the others.
func (e *Engine) RunOnce(ctx context.Context) (RunResult, error) {
	release, ok := e.lease.Acquire(ctx, leaseKey)
	if !ok {
		return RunResult{Skipped: true}, nil
	}
	defer release()

	ctx, span := otel.StartSpan(ctx, "notify.run")
	defer span.End()

	now := e.now()
	var (
		result RunResult
		errs   []error
	)
	for _, f := range model.Frequencies() {
		start := time.Now()
		tier, err := e.runTier(ctx, f, now)
		metrics.RecordNotificationRun(f.Label(), time.Since(start))

		result.Tiers = append(result.Tiers, tier)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		span.SetAttributes(attribute.Int("notify."+f.Label()+".sent", tier.Sent))
	}

	err := errors.Join(errs...)
	otel.RecordError(span, err)
	return result, err
}

func (e *Engine) runTier(ctx context.Context, f model.Frequency, now time.Time) (TierResult, error) {
	result := TierResult{Frequency: f}

	last, hasLast, err := e.watermarks.LastSent(ctx, f)
	if err != nil {
		return result, fmt.Errorf("failed to read watermark: %w", err)
	}
	if !e.cfg.Schedule.Due(f, last, hasLast, now) {
		return result, nil
	}

	until := now
	if f == model.FrequencyImmediate {
		until = now.Add(-e.cfg.GracePeriod)
	}
	since := last
	if !hasLast {
		since = until.Add(-e.window(f, until))
	}
	if !since.Before(until) {
		return result, nil
	}
	result.Due, result.Since, result.Until = true, since, until

	log := e.logger.With(
		zap.String("frequency", f.Label()),
		zap.Time("since", since),
		zap.Time("until", until))

	subs, err := e.subs.DueForNotification(ctx, f)
	if err != nil {
		return result, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	batch, err := e.buildBatch(ctx, subs, since, until)
	if err != nil {
		return result, err
	}

	for _, r := range groupByEmail(batch) {
		result.Recipients++
		if err := e.send(ctx, f, r); err != nil {
			result.Failed++
			metrics.IncrementDigestSent(f.Label(), "failed")
			log.Error("Failed to send digest", zap.String("email", r.email), zap.Error(err))
			continue
		}
		result.Sent++
		metrics.IncrementDigestSent(f.Label(), "sent")
	}

	// every recipient has been attempted; failures are not retried
	if err := e.watermarks.SetLastSent(ctx, f, until); err != nil {
		return result, fmt.Errorf("failed to advance watermark: %w", err)
	}

	if result.Recipients > 0 {
		log.Info("Notification tier sent",
			zap.Int("subscriptions", len(subs)),
			zap.Int("recipients", result.Recipients),
			zap.Int("sent", result.Sent),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// window is how far back a tier looks on its very first pass.
func (e *Engine) window(f model.Frequency, until time.Time) time.Duration {
	if f == model.FrequencyImmediate {
		return e.cfg.ImmediateLookback
	}
	if f == model.FrequencyMonthly {
		return until.Sub(until.AddDate(0, -1, 0))
	}
	return e.cfg.Schedule.Interval(f, until)
}

type batchEntry struct {
	sub        model.Subscription
	activities []model.Activity
}

// buildBatch matches activity in (since, until] to subscriptions. Group and
// organization subscriptions also see activity on their datasets.
func (e *Engine) buildBatch(ctx context.Context, subs []model.Subscription, since, until time.Time) ([]batchEntry, error) {
	if len(subs) == 0 {
		return nil, nil
	}

	objectsOf := make(map[model.Target][]string)
	seen := make(map[string]bool)
	var allIDs []string
	for _, sub := range subs {
		target := sub.Target()
		if _, ok := objectsOf[target]; ok {
			continue
		}
		ids := []string{target.ID}
		if target.Type != model.ObjectDataset {
			datasets, err := e.catalog.DatasetIDsIn(ctx, target)
			if err != nil {
				return nil, fmt.Errorf("failed to list datasets of %s %s: %w", target.Type, target.ID, err)
			}
			ids = append(ids, datasets...)
		}
		objectsOf[target] = ids
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				allIDs = append(allIDs, id)
			}
		}
	}

	activities, err := e.catalog.ActivitiesSince(ctx, allIDs, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity: %w", err)
	}
	byObject := make(map[string][]model.Activity)
	for _, a := range activities {
		byObject[a.ObjectID] = append(byObject[a.ObjectID], a)
	}

	var batch []batchEntry
	for _, sub := range subs {
		var matched []model.Activity
		dedup := make(map[string]bool)
		for _, id := range objectsOf[sub.Target()] {
			for _, a := range byObject[id] {
				if dedup[a.ID] {
					continue
				}
				dedup[a.ID] = true
				matched = append(matched, a)
			}
		}
		if len(matched) == 0 {
			continue
		}
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })
		batch = append(batch, batchEntry{sub: sub, activities: matched})
	}
	return batch, nil
}

type recipient struct {
	email   string
	entries []batchEntry
}

// groupByEmail keeps the first-seen order of recipients and of their subscriptions.
func groupByEmail(batch []batchEntry) []recipient {
	var out []recipient
	index := make(map[string]int)
	for _, entry := range batch {
		i, ok := index[entry.sub.Email]
		if !ok {
			i = len(out)
			index[entry.sub.Email] = i
			out = append(out, recipient{email: entry.sub.Email})
		}
		out[i].entries = append(out[i].entries, entry)
	}
	return out
}

func (e *Engine) send(ctx context.Context, f model.Frequency, r recipient) error {
	notifications := make([]digest.Notification, 0, len(r.entries))
	for _, entry := range r.entries {
		notifications = append(notifications, digest.Notification{
			Object:     e.object(ctx, entry.sub.Target()),
			Activities: entry.activities,
		})
	}

	code, err := e.codes.IssueLoginCode(ctx, r.email)
	if err != nil {
		return fmt.Errorf("failed to issue login code: %w", err)
	}
	msg, err := digest.Render(e.site, r.email, code, notifications)
	if err != nil {
		return err
	}
	if err := e.mailer.Send(ctx, msg); err != nil {
		return err
	}

	e.logger.Debug("Digest sent",
		zap.String("frequency", f.Label()),
		zap.String("email", r.email),
		zap.Int("objects", len(notifications)))
	return nil
}

// object resolves target for display, falling back to its id when the
// object is gone or the lookup fails.
func (e *Engine) object(ctx context.Context, target model.Target) model.CatalogObject {
	obj, err := e.catalog.Resolve(ctx, model.TargetRef{Type: target.Type, Ref: target.ID})
	if err != nil {
		e.logger.Debug("Rendering digest for unresolved object",
			zap.String("object_id", target.ID),
			zap.Error(err))
		return model.CatalogObject{ID: target.ID, Type: target.Type}
	}
	return *obj
}
