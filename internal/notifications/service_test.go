package notifications_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/esgqa/qa-engine/internal/jobs"
	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/notifications"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/qastatus/qastatustest"
	"github.com/esgqa/qa-engine/internal/review"
	"github.com/esgqa/qa-engine/internal/shared"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notifications.Notification
	fail error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n notifications.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.sent = append(d.sent, n)
	return nil
}

func (d *recordingDispatcher) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *recordingDispatcher) notifications() []notifications.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notifications.Notification(nil), d.sent...)
}

type fixture struct {
	svc        *notifications.Service
	repo       *memoryRepo
	dispatcher *recordingDispatcher
	datasets   *qastatustest.Memory
}

func newFixture(t *testing.T, enabled bool) fixture {
	t.Helper()
	f := fixture{
		repo:       newMemoryRepo(),
		dispatcher: &recordingDispatcher{},
		datasets:   qastatustest.New(),
	}
	f.svc = notifications.NewService(f.repo, notifications.Config{
		Enabled:    enabled,
		Dispatcher: f.dispatcher,
		Datasets:   f.datasets,
		Recipients: notifications.StaticRecipients{"esg@acme.example"},
		Locker:     shared.NewLocalLocker(),
	})
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	f.svc.WithNow(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})
	return f
}

func upload(company, framework, period string) notifications.UploadNotice {
	return notifications.UploadNotice{
		CompanyID: company, DataType: framework, ReportingPeriod: period,
		ActionType: notifications.ActionUpload,
	}
}

func TestEventsBeforeFirstNotificationAreBundledTogether(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	first, n, err := f.svc.Record(ctx, upload("c-1", "sfdr", "2023"))
	require.NoError(t, err)
	require.Nil(t, n)
	require.Nil(t, first.NotificationEventID)
	second, _, err := f.svc.Record(ctx, upload("c-1", "eutaxonomy", "2023"))
	require.NoError(t, err)

	n, err = f.svc.Bundle(ctx, "c-1", notifications.EventUploadApproved)
	require.NoError(t, err)
	require.NotNil(t, n)
	require.Equal(t, []uuid.UUID{first.ID, second.ID}, n.EventIDs)

	events := f.repo.all()
	require.Len(t, events, 2)
	for _, e := range events {
		require.NotNil(t, e.NotificationEventID)
		require.Equal(t, n.ID, *e.NotificationEventID)
	}

	sent := f.dispatcher.notifications()
	require.Len(t, sent, 1)
	require.Equal(t, n.ID, sent[0].NotificationID)
	summary, ok := sent[0].Content.EmailContent.(notifications.DatasetUploadSummary)
	require.True(t, ok)
	require.Equal(t, 2, summary.Uploads)
	require.Equal(t, []string{"eutaxonomy", "sfdr"}, summary.Frameworks)
	require.Equal(t, notifications.Recipients{notifications.EmailAddress{Email: "esg@acme.example"}}, sent[0].Recipients)
	require.Zero(t, f.repo.undispatched())
}

func TestBundlingNeverMixesCompaniesOrTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, _, err := f.svc.Record(ctx, upload("c-1", "sfdr", "2023"))
	require.NoError(t, err)
	_, _, err = f.svc.Record(ctx, upload("c-2", "sfdr", "2023"))
	require.NoError(t, err)
	_, _, err = f.svc.Record(ctx, notifications.UploadNotice{
		CompanyID: "c-1", DataType: "sfdr", ReportingPeriod: "2022",
		ActionType: notifications.ActionNonSourceable,
	})
	require.NoError(t, err)

	n, err := f.svc.Bundle(ctx, "c-1", notifications.EventUploadApproved)
	require.NoError(t, err)
	require.NotNil(t, n)
	require.Len(t, n.EventIDs, 1)

	again, err := f.svc.Bundle(ctx, "c-1", notifications.EventUploadApproved)
	require.NoError(t, err)
	require.Nil(t, again, "nothing left to bundle")
}

func TestFlagOffRecordsWithoutNotifyingAndBackfillCatchesUp(t *testing.T) {
	ctx := context.Background()
	off := newFixture(t, false)

	for _, period := range []string{"2022", "2023"} {
		event, n, err := off.svc.Record(ctx, upload("c-1", "sfdr", period))
		require.NoError(t, err)
		require.Nil(t, n)
		require.Nil(t, event.NotificationEventID)
	}
	require.Empty(t, off.dispatcher.notifications())
	bundled, err := off.svc.Backfill(ctx)
	require.NoError(t, err)
	require.Zero(t, bundled)

	on := notifications.NewService(off.repo, notifications.Config{Enabled: true, Dispatcher: off.dispatcher})
	bundled, err = on.Backfill(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, bundled)
	require.Len(t, off.dispatcher.notifications(), 1)
	for _, e := range off.repo.all() {
		require.NotNil(t, e.NotificationEventID)
	}
}

func TestFailedCommitNeverDispatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	_, _, err := f.svc.Record(ctx, upload("c-1", "sfdr", "2023"))
	require.NoError(t, err)

	f.repo.commitErr = shared.Transient(errors.New("connection reset"))
	_, err = f.svc.Bundle(ctx, "c-1", notifications.EventUploadApproved)
	require.ErrorIs(t, err, shared.ErrTransientIO)
	require.Empty(t, f.dispatcher.notifications())
	require.Zero(t, f.repo.bundleCount())
	for _, e := range f.repo.all() {
		require.Nil(t, e.NotificationEventID)
	}

	n, err := f.svc.Bundle(ctx, "c-1", notifications.EventUploadApproved)
	require.NoError(t, err)
	require.NotNil(t, n)
	require.Len(t, f.dispatcher.notifications(), 1)
}

func TestFailedDispatchIsQueuedAgainByTheNextEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.dispatcher.setFail(errors.New("mail queue unavailable"))

	first, n1, err := f.svc.Record(ctx, upload("c-1", "sfdr", "2023"))
	require.NoError(t, err)
	require.NotNil(t, n1)
	require.Equal(t, n1.ID, *first.NotificationEventID)
	require.Empty(t, f.dispatcher.notifications())
	require.Equal(t, 1, f.repo.undispatched())

	f.dispatcher.setFail(nil)
	second, n2, err := f.svc.Record(ctx, upload("c-1", "sfdr", "2024"))
	require.NoError(t, err)
	require.NotNil(t, n2)
	require.Equal(t, []uuid.UUID{second.ID}, n2.EventIDs)

	sent := f.dispatcher.notifications()
	require.Len(t, sent, 2)
	require.Equal(t, n1.ID, sent[0].NotificationID, "pending notifications go out first")
	require.Equal(t, n2.ID, sent[1].NotificationID)
	require.Zero(t, f.repo.undispatched())

	// Every event belongs to exactly one notification.
	for _, e := range f.repo.all() {
		require.NotNil(t, e.NotificationEventID)
	}
	require.Equal(t, 2, f.repo.bundleCount())
}

func TestBackfillQueuesUndispatchedNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.dispatcher.setFail(errors.New("mail queue unavailable"))
	_, n, err := f.svc.Record(ctx, upload("c-1", "sfdr", "2023"))
	require.NoError(t, err)
	require.NotNil(t, n)

	bundled, err := f.svc.Backfill(ctx)
	require.Error(t, err)
	require.Zero(t, bundled)

	f.dispatcher.setFail(nil)
	bundled, err = f.svc.Backfill(ctx)
	require.NoError(t, err)
	require.Zero(t, bundled, "no new bundle, only the pending dispatch")
	sent := f.dispatcher.notifications()
	require.Len(t, sent, 1)
	require.Equal(t, n.ID, sent[0].NotificationID)
	require.Zero(t, f.repo.undispatched())
}

func TestRecordValidatesNotice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	_, _, err := f.svc.Record(ctx, notifications.UploadNotice{CompanyID: "c-1", DataType: "sfdr", ReportingPeriod: "2023", ActionType: "Delete"})
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	_, _, err = f.svc.Record(ctx, notifications.UploadNotice{CompanyID: "c-1", ActionType: notifications.ActionUpload})
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	_, _, err = f.svc.Record(ctx, notifications.UploadNotice{DataID: "missing", ActionType: notifications.ActionUpload})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, f.repo.all())
}

func TestRecordResolvesTripleFromDataID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.datasets.Seed(qastatus.Dataset{
		DataID: "ds-1",
		Triple: qastatus.Triple{CompanyID: " c-1 ", DataType: "sfdr", ReportingPeriod: "2023"},
	}, map[string]string{"scope1": "1"})

	event, n, err := f.svc.Record(ctx, notifications.UploadNotice{DataID: "ds-1", ActionType: notifications.ActionUpload})
	require.NoError(t, err)
	require.NotNil(t, n)
	require.Equal(t, "c-1", event.CompanyID)
	require.Equal(t, "sfdr", event.Framework)
	require.Equal(t, "ds-1", event.DataID)
}

func TestConsumerRecordsAcceptancesAndNonSourceableTriples(t *testing.T) {
	f := newFixture(t, true)
	f.datasets.Seed(qastatus.Dataset{
		DataID: "ds-1",
		Triple: qastatus.Triple{CompanyID: "c-1", DataType: "sfdr", ReportingPeriod: "2023"},
	}, map[string]string{"scope1": "1"})
	router := messaging.NewRouter(messaging.RouterConfig{Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())})
	notifications.NewConsumer(f.svc).Register(router)

	active := "ds-1"
	for _, msg := range []messaging.Message{
		messaging.QaStatusChange{DataID: "ds-1", UpdatedQaStatus: "Accepted", CurrentlyActiveDataID: &active},
		messaging.QaStatusChange{DataID: "ds-1", UpdatedQaStatus: "Pending"},
		messaging.NonSourceable{CompanyID: "c-1", DataType: "sfdr", ReportingPeriod: "2022", IsNonSourceable: true, Reason: "not published"},
		messaging.NonSourceable{CompanyID: "c-1", DataType: "sfdr", ReportingPeriod: "2022", IsNonSourceable: false},
	} {
		env, err := messaging.NewEnvelope(msg, messaging.ActionUpdate, "", time.Now())
		require.NoError(t, err)
		raw, err := messaging.Encode(env)
		require.NoError(t, err)
		outcome, err := router.Deliver(context.Background(), messaging.Delivery{ID: env.MessageID, Data: raw, Attempt: 1})
		require.NoError(t, err)
		require.Equal(t, messaging.OutcomeAck, outcome)
	}

	events := f.repo.all()
	require.Len(t, events, 2)
	require.Equal(t, notifications.EventUploadApproved, events[0].Type)
	require.Equal(t, notifications.EventNonSourceable, events[1].Type)

	sent := f.dispatcher.notifications()
	require.Len(t, sent, 2)
	_, ok := sent[1].Content.EmailContent.(notifications.NonSourceableSummary)
	require.True(t, ok)
}

func TestReviewNotifierAddressesReviewer(t *testing.T) {
	d := &recordingDispatcher{}
	n := notifications.NewReviewNotifier(d, notifications.StaticRecipients{"esg@acme.example"})
	outcome := review.Outcome{
		ReviewID:       "rev-1",
		DatasetID:      "ds-1",
		Triple:         qastatus.Triple{CompanyID: "c-1", DataType: "sfdr", ReportingPeriod: "2023"},
		ReviewerUserID: "u-1",
		DataPoints: []review.ResolvedDataPoint{
			{DataPointType: "scope1", Source: review.SourceQa, Reference: "qa-1", Value: "12"},
			{DataPointType: "policy", Source: review.SourceCustom, Value: "Yes"},
		},
	}
	require.NoError(t, n.ReviewFinished(context.Background(), outcome))
	require.NoError(t, n.ReviewFinished(context.Background(), outcome))

	sent := d.notifications()
	require.Len(t, sent, 2)
	require.Equal(t, sent[0].NotificationID, sent[1].NotificationID, "ids are stable per review")
	require.Equal(t, notifications.UserID{UserID: "u-1"}, sent[0].Recipients[0])
	content, ok := sent[0].Content.EmailContent.(notifications.ReviewFinished)
	require.True(t, ok)
	require.Equal(t, "12 (report qa-1)", content.DataPoints[0].Value)
	require.Equal(t, "Yes", content.DataPoints[1].Value)
}
