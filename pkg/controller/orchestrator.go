package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/audit"
	"codeberg.org/rostersync/rostersync/pkg/auth"
	"codeberg.org/rostersync/rostersync/pkg/config"
	"codeberg.org/rostersync/rostersync/pkg/directory"
	"codeberg.org/rostersync/rostersync/pkg/history"
	"codeberg.org/rostersync/rostersync/pkg/notify"
	"codeberg.org/rostersync/rostersync/pkg/reconcile"
	"codeberg.org/rostersync/rostersync/pkg/roster"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrRosterReload    = errors.New("failed to reload roster")
)

// Recorder persists finished cycles.
type Recorder interface {
	Save(ctx context.Context, r history.Record) error
}

// Orchestrator runs sync cycles and deletion sweeps over every configured
// endpoint. Runs are serialized; endpoints are processed one after another and
// a failing endpoint never stops the next one.
type Orchestrator struct {
	mu        sync.Mutex
	endpoints []config.EndpointConfig
	attrs     config.DirectoryConfig
	schedule  config.ScheduleConfig
	location  *time.Location
	exec      *auth.Executor
	roster    roster.Provider
	notifier  notify.Notifier
	recorder  Recorder
	statuses  *xsync.Map[string, *EndpointStatus]
	logger    *zap.Logger
	now       func() time.Time
}

func NewOrchestrator(
	cfg *config.Config,
	exec *auth.Executor,
	provider roster.Provider,
	notifier notify.Notifier,
	recorder Recorder,
	logger *zap.Logger,
) *Orchestrator {
	o := &Orchestrator{
		endpoints: cfg.Endpoints,
		attrs:     cfg.Directory,
		schedule:  cfg.Schedule,
		location:  cfg.Location(),
		exec:      exec,
		roster:    provider,
		notifier:  notifier,
		recorder:  recorder,
		statuses:  xsync.NewMap[string, *EndpointStatus](),
		logger:    logger,
		now:       time.Now,
	}
	for _, ep := range cfg.Endpoints {
		o.statuses.Store(ep.Name, &EndpointStatus{Name: ep.Name, Realm: ep.Realm, DryRun: ep.DryRun})
	}
	return o
}

// SyncAll reloads the roster once and reconciles every endpoint against it.
// Endpoint failures are joined into the returned error; misconfigured
// endpoints are skipped without error.
func (o *Orchestrator) SyncAll(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.reloadRoster(ctx); err != nil {
		return err
	}

	var errs []error
	for _, ep := range o.endpoints {
		if _, err := o.run(ctx, ep, history.KindSync, o.sync); err != nil && !errors.Is(err, config.ErrMissingField) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sync reloads the roster and reconciles one endpoint.
func (o *Orchestrator) Sync(ctx context.Context, name string) (*Report, error) {
	ep, ok := o.endpoint(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.reloadRoster(ctx); err != nil {
		return nil, err
	}
	return o.run(ctx, ep, history.KindSync, o.sync)
}

// SweepAll erases the accounts whose retention date is today on every
// endpoint.
func (o *Orchestrator) SweepAll(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for _, ep := range o.endpoints {
		if _, err := o.run(ctx, ep, history.KindSweep, o.sweep); err != nil && !errors.Is(err, config.ErrMissingField) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) Sweep(ctx context.Context, name string) (*Report, error) {
	ep, ok := o.endpoint(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	return o.run(ctx, ep, history.KindSweep, o.sweep)
}

func (o *Orchestrator) endpoint(name string) (config.EndpointConfig, bool) {
	for _, ep := range o.endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return config.EndpointConfig{}, false
}

func (o *Orchestrator) reloadRoster(ctx context.Context) error {
	if err := o.roster.Reload(ctx); err != nil {
		o.logger.Error("Failed to reload roster", zap.Error(err))
		o.notify(ctx, fmt.Sprintf("sync skipped: roster unavailable: %v", err))
		return fmt.Errorf("%w: %w", ErrRosterReload, err)
	}
	return nil
}

type cycleFunc func(ctx context.Context, ep config.EndpointConfig, logger *zap.Logger) (*Report, error)

// run executes one cycle for ep, recovering panics, and records its outcome.
func (o *Orchestrator) run(
	ctx context.Context,
	ep config.EndpointConfig,
	kind history.Kind,
	fn cycleFunc,
) (report *Report, err error) {
	logger := o.logger.With(zap.String("endpoint", ep.Name), zap.String("kind", string(kind)))
	started := o.now()

	if err := ep.Validate(); err != nil {
		logger.Warn("Skipping endpoint", zap.Error(err))
		o.updateStatus(ep.Name, kind, started, err)
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s of %s panicked: %v", kind, ep.Name, r)
			logger.Error("Cycle panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}

		if err != nil {
			logger.Error("Cycle failed", zap.Error(err))
		}
		o.updateStatus(ep.Name, kind, started, err)
		o.save(ctx, ep, kind, started, report, err)
	}()

	logger.Info("Starting cycle")
	report, err = fn(ctx, ep, logger)
	if report != nil {
		logger.Info("Cycle completed",
			zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
			zap.Any("counters", report.Succeeded()))
	}
	return report, err
}

func (o *Orchestrator) save(
	ctx context.Context,
	ep config.EndpointConfig,
	kind history.Kind,
	started time.Time,
	report *Report,
	err error,
) {
	if o.recorder == nil {
		return
	}
	if report == nil {
		report = &Report{Endpoint: ep.Name, Kind: kind, DryRun: ep.DryRun, StartedAt: started, FinishedAt: o.now()}
	}
	if saveErr := o.recorder.Save(ctx, report.record(err)); saveErr != nil {
		o.logger.Warn("Failed to save cycle history",
			zap.String("endpoint", ep.Name),
			zap.Error(saveErr))
	}
}

func (o *Orchestrator) notify(ctx context.Context, summary string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, summary); err != nil {
		o.logger.Warn("Failed to deliver notification", zap.Error(err))
	}
}

func (o *Orchestrator) client(ep config.EndpointConfig, logger *zap.Logger) *directory.Client {
	return directory.New(ep, o.attrs, o.exec, logger, directory.WithClock(o.now), directory.WithLocation(o.location))
}

// inReportWindow reports whether now falls in the daily reporting hour.
func (o *Orchestrator) inReportWindow() bool {
	return o.now().In(o.location).Hour() == o.schedule.ReportHour
}

// sync is one reconciliation cycle: fetch the directory state, fetch the
// roster, compare, apply and report.
func (o *Orchestrator) sync(ctx context.Context, ep config.EndpointConfig, logger *zap.Logger) (*Report, error) {
	report := &Report{
		Endpoint:  ep.Name,
		Kind:      history.KindSync,
		DryRun:    ep.DryRun,
		StartedAt: o.now(),
		Mention:   mention(ep.NotifyRoleID),
	}
	client := o.client(ep, logger)

	groups, err := client.Groups(ctx)
	if err != nil {
		o.notify(ctx, fmt.Sprintf("%s sync failed: %v", ep.Name, err))
		return nil, err
	}
	mapping, err := client.Mapping(groups)
	if err != nil {
		o.notify(ctx, fmt.Sprintf("%s sync failed: %v", ep.Name, err))
		return nil, fmt.Errorf("failed to build group mapping: %w", err)
	}

	snap, err := client.Snapshot(ctx, mapping)
	if err != nil {
		o.notify(ctx, fmt.Sprintf("%s sync failed: %v", ep.Name, err))
		return nil, err
	}

	entries := roster.Sanitize(o.roster.Roster())

	diff, err := reconcile.Compare(entries, snap.Accounts, mapping)
	if err != nil {
		return nil, err
	}
	updates := reconcile.ProfileUpdates(entries, snap.Accounts)
	relinks := reconcile.Relinks(entries, snap.Accounts)

	logger.Info("Calculated diff",
		zap.Int("roster", len(entries)),
		zap.Int("accounts", len(snap.Accounts)),
		zap.Int("to_create", len(diff.Create)),
		zap.Int("to_disable", len(diff.Disable)),
		zap.Int("to_enable", len(diff.Enable)),
		zap.Int("groups_to_add", reconcile.Pairs(diff.GroupsToAdd)),
		zap.Int("groups_to_remove", reconcile.Pairs(diff.GroupsToRemove)),
		zap.Int("to_update", len(updates)),
		zap.Int("to_relink", len(relinks)))

	disable := users(snap, diff.Disable)
	enable := users(snap, diff.Enable)
	initialGroups := 0
	for _, n := range diff.Create {
		initialGroups += len(n.Groups)
	}

	if ep.DryRun {
		report.add(CounterCreated, len(diff.Create), 0)
		report.add(CounterDisabled, len(disable), 0)
		report.add(CounterLoggedOut, len(disable), 0)
		report.add(CounterEnabled, len(enable), 0)
		report.add(CounterGroupsAdded, reconcile.Pairs(diff.GroupsToAdd)+initialGroups, 0)
		report.add(CounterGroupsRemoved, reconcile.Pairs(diff.GroupsToRemove), 0)
		report.add(CounterUpdated, len(updates), 0)
		report.add(CounterRelinked, len(relinks), 0)
		report.FinishedAt = o.now()
		if report.Active() || o.inReportWindow() {
			o.notify(ctx, report.Summary())
		}
		return report, nil
	}

	res := audit.NewResult(ep.Name)
	w := client.Writer(res)

	created, nCreated := w.CreateAccounts(ctx, diff.Create)
	nDisabled := w.DisableAccounts(ctx, disable)
	nLoggedOut := w.LogoutAccounts(ctx, disable)
	nEnabled := w.EnableAccounts(ctx, enable)
	nRemoved := w.RemoveGroupMemberships(ctx, diff.GroupsToRemove)

	adds := diff.GroupsToAdd
	for _, n := range diff.Create {
		if id, ok := created[n.Entry.ID]; ok {
			adds = append(adds, reconcile.GroupChange{AccountID: id, Groups: n.Groups})
		}
	}
	nAdded := w.AddGroupMemberships(ctx, adds)

	nUpdated := w.UpdateAccounts(ctx, updates, snap.Users)
	nRelinked := w.RelinkIdentities(ctx, relinks)

	res.Log(logger)

	report.add(CounterCreated, len(diff.Create), nCreated)
	report.add(CounterDisabled, len(disable), nDisabled)
	report.add(CounterLoggedOut, len(disable), nLoggedOut)
	report.add(CounterEnabled, len(enable), nEnabled)
	report.add(CounterGroupsAdded, reconcile.Pairs(diff.GroupsToAdd)+initialGroups, nAdded)
	report.add(CounterGroupsRemoved, reconcile.Pairs(diff.GroupsToRemove), nRemoved)
	report.add(CounterUpdated, len(updates), nUpdated)
	report.add(CounterRelinked, len(relinks), nRelinked)
	report.FinishedAt = o.now()

	if report.Active() || o.inReportWindow() {
		o.notify(ctx, report.Summary())
	}
	return report, nil
}

// sweep erases disabled accounts whose retention date is today.
func (o *Orchestrator) sweep(ctx context.Context, ep config.EndpointConfig, logger *zap.Logger) (*Report, error) {
	report := &Report{
		Endpoint:  ep.Name,
		Kind:      history.KindSweep,
		DryRun:    ep.DryRun,
		StartedAt: o.now(),
		Mention:   mention(ep.NotifyRoleID),
	}
	client := o.client(ep, logger)
	date := o.now().In(o.location).Format(dateLayout)

	candidates, err := client.DeletionCandidates(ctx, date)
	if err != nil {
		summary := fmt.Sprintf("%s sweep: failed to fetch deletion candidates for %s", ep.Name, date)
		if m := mention(ep.NotifyRoleID); m != "" {
			summary += " " + m
		}
		o.notify(ctx, summary)
		return nil, err
	}

	if len(candidates) == 0 {
		report.add(CounterErased, 0, 0)
		report.FinishedAt = o.now()
		logger.Debug("No accounts due for deletion", zap.String("date", date))
		return report, nil
	}

	if ep.DryRun {
		report.add(CounterErased, len(candidates), 0)
		report.FinishedAt = o.now()
		o.notify(ctx, report.Summary())
		return report, nil
	}

	res := audit.NewResult(ep.Name)
	erased := client.Writer(res).EraseAccounts(ctx, candidates)
	res.Log(logger)

	report.add(CounterErased, len(candidates), erased)
	report.Escalate = report.Partial()
	report.FinishedAt = o.now()
	o.notify(ctx, report.Summary())
	return report, nil
}

func users(snap *directory.Snapshot, accounts []reconcile.Account) []directory.User {
	out := make([]directory.User, 0, len(accounts))
	for _, a := range accounts {
		u, ok := snap.Users[a.ID]
		if !ok {
			u = directory.User{ID: a.ID, Enabled: a.Enabled}
		}
		out = append(out, u)
	}
	return out
}
