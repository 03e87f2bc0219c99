package fanout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/replyd/internal/automation"
	"github.com/mattjoyce/replyd/internal/event"
	"github.com/mattjoyce/replyd/internal/graph"
	"github.com/mattjoyce/replyd/internal/inbox"
	"github.com/mattjoyce/replyd/internal/queue"
	"github.com/mattjoyce/replyd/internal/settings"
	"github.com/mattjoyce/replyd/internal/storage"
	"github.com/mattjoyce/replyd/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	db       *sql.DB
	messages *inbox.Messages
	queue    *queue.Queue
	settings *settings.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "replyd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &env{
		db:       db,
		messages: inbox.NewMessages(db),
		queue:    queue.New(db),
		settings: settings.NewStore(db, 0),
	}
}

func (e *env) store(t *testing.T, m *inbox.Message) *inbox.Message {
	t.Helper()
	if len(m.RawPayload) == 0 {
		m.RawPayload = json.RawMessage(`{"subject":"` + m.SubjectID + `","text":"` + m.Text + `"}`)
	}
	_, err := e.messages.Create(context.Background(), m)
	require.NoError(t, err)
	return m
}

func (e *env) drain(t *testing.T) []*queue.Job {
	t.Helper()
	var jobs []*queue.Job
	for {
		j, err := e.queue.Dequeue(context.Background())
		require.NoError(t, err)
		if j == nil {
			return jobs
		}
		jobs = append(jobs, j)
	}
}

func job(t *testing.T, task string, payload any) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Task: task, Payload: raw, Attempt: 1, MaxAttempts: 3}
}

func TestSourceLabel(t *testing.T) {
	assert.Equal(t, "Instagram DM", SourceLabel(event.KindDirectMessage))
	assert.Equal(t, "Instagram Comment", SourceLabel(event.KindComment))
	assert.Equal(t, "Instagram Story Reply", SourceLabel(event.KindStoryReply))
	assert.Equal(t, "Instagram Story Mention", SourceLabel(event.KindStoryMention))
	assert.Equal(t, "Instagram Mention", SourceLabel(event.KindMention))
}

func TestScheduleEnqueuesFollowUps(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := NewScheduler(e.queue, e.settings, Options{CRMEnabled: true, WelcomeFirstDM: true})

	msg := e.store(t, &inbox.Message{SubjectID: "u1", Kind: event.KindDirectMessage, Text: "hello"})
	assert.Equal(t, 3, s.Schedule(ctx, msg, true))

	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	// enrich and welcome are due now; sync waits for enrichment
	due := e.drain(t)
	require.Len(t, due, 2)
	tasks := []string{due[0].Task, due[1].Task}
	assert.ElementsMatch(t, []string{TaskEnrichProfile, TaskWelcomeDM}, tasks)
}

func TestScheduleIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := NewScheduler(e.queue, e.settings, Options{CRMEnabled: true})

	msg := e.store(t, &inbox.Message{SubjectID: "u1", SubjectHandle: "jane", Kind: event.KindComment, Text: "nice"})
	assert.Equal(t, 2, s.Schedule(ctx, msg, false))
	assert.Equal(t, 0, s.Schedule(ctx, msg, false), "pending jobs hold their dedupe keys")
}

func TestScheduleRespectsOptions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := NewScheduler(e.queue, e.settings, Options{})

	enriched := e.store(t, &inbox.Message{SubjectID: "u1", SubjectHandle: "jane", AvatarURL: "https://cdn/a.jpg", Kind: event.KindDirectMessage, Text: "hi"})
	assert.Equal(t, 0, s.Schedule(ctx, enriched, true), "no crm, no welcome, nothing to enrich")

	s = NewScheduler(e.queue, e.settings, Options{WelcomeFirstDM: true})
	comment := e.store(t, &inbox.Message{SubjectID: "u2", SubjectHandle: "x", AvatarURL: "y", Kind: event.KindComment, Text: "c"})
	assert.Equal(t, 0, s.Schedule(ctx, comment, true), "welcome only follows a direct message")
}

func TestWelcomeDelayFromSettings(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.settings.Set(ctx, settings.KeyWelcomeDMDelay, "10"))
	s := NewScheduler(e.queue, e.settings, Options{WelcomeFirstDM: true})

	msg := e.store(t, &inbox.Message{SubjectID: "u1", SubjectHandle: "h", AvatarURL: "a", Kind: event.KindDirectMessage, Text: "hi"})
	before := time.Now()
	require.Equal(t, 1, s.Schedule(ctx, msg, true))

	assert.Empty(t, e.drain(t), "welcome waits for its delay")
	var runAt string
	// run_at is stored in the fixed-width layout
	require.NoError(t, e.db.QueryRow(`SELECT run_at FROM job_queue WHERE task = ?`, TaskWelcomeDM).Scan(&runAt))
	at, err := storage.ParseTime(runAt)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(10*time.Minute), at, 5*time.Second)

	require.NoError(t, e.settings.Set(ctx, settings.KeyWelcomeDMDelay, "soon"))
	assert.Equal(t, time.Duration(0), s.welcomeDelay(ctx, s.logger))
}

type fakeProfiles struct {
	profile *graph.Profile
	err     error
	calls   int
}

func (f *fakeProfiles) GetProfile(ctx context.Context, subjectID string) (*graph.Profile, error) {
	f.calls++
	return f.profile, f.err
}

func TestEnrichProfile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	profiles := &fakeProfiles{profile: &graph.Profile{Username: "jane_doe", AvatarURL: "https://cdn/j.jpg"}}
	h := &Handlers{Messages: e.messages, Profiles: profiles}

	msg := e.store(t, &inbox.Message{SubjectID: "u1", Kind: event.KindDirectMessage, Text: "hi"})
	require.NoError(t, h.EnrichProfile(ctx, job(t, TaskEnrichProfile, EnrichProfilePayload{MessageID: msg.ID})))

	got, err := e.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane_doe", got.SubjectHandle)
	assert.Equal(t, "https://cdn/j.jpg", got.AvatarURL)

	require.NoError(t, h.EnrichProfile(ctx, job(t, TaskEnrichProfile, EnrichProfilePayload{MessageID: msg.ID})))
	assert.Equal(t, 1, profiles.calls, "second run skips the lookup")
}

func TestEnrichProfileErrors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	msg := e.store(t, &inbox.Message{SubjectID: "u1", Kind: event.KindDirectMessage, Text: "hi"})

	h := &Handlers{Messages: e.messages, Profiles: &fakeProfiles{err: errors.New("timeout")}}
	err := h.EnrichProfile(ctx, job(t, TaskEnrichProfile, EnrichProfilePayload{MessageID: msg.ID}))
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))

	h.Profiles = &fakeProfiles{err: graph.ErrNotConfigured}
	err = h.EnrichProfile(ctx, job(t, TaskEnrichProfile, EnrichProfilePayload{MessageID: msg.ID}))
	assert.True(t, worker.IsPermanent(err))

	err = h.EnrichProfile(ctx, job(t, TaskEnrichProfile, map[string]string{}))
	assert.True(t, worker.IsPermanent(err), "invalid payload")

	assert.NoError(t, h.EnrichProfile(ctx, job(t, TaskEnrichProfile, EnrichProfilePayload{MessageID: "gone"})))
}

type fakeCRM struct {
	contacts map[string]string
	notes    []string
	findErr  error
}

func (f *fakeCRM) FindContactByHandle(ctx context.Context, handle string) (string, bool, error) {
	if f.findErr != nil {
		return "", false, f.findErr
	}
	id, ok := f.contacts[handle]
	return id, ok, nil
}

func (f *fakeCRM) AppendNote(ctx context.Context, contactID, text, source string) error {
	f.notes = append(f.notes, contactID+"|["+source+"] "+text)
	return nil
}

func TestSyncCRM(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	crm := &fakeCRM{contacts: map[string]string{"jane": "501"}}
	h := &Handlers{Messages: e.messages, CRM: crm}

	msg := e.store(t, &inbox.Message{SubjectID: "u1", SubjectHandle: "jane", Kind: event.KindComment, Text: "love it"})
	payload := SyncCRMPayload{MessageID: msg.ID, SubjectID: "u1", Handle: "jane", Text: "love it", Source: SourceLabel(msg.Kind)}

	require.NoError(t, h.SyncCRM(ctx, job(t, TaskSyncCRM, payload)))
	assert.Equal(t, []string{"501|[Instagram Comment] love it"}, crm.notes)

	got, err := e.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.SyncedToCRM)

	require.NoError(t, h.SyncCRM(ctx, job(t, TaskSyncCRM, payload)))
	assert.Len(t, crm.notes, 1, "already synced is a no-op")
}

func TestSyncCRMWaitsForHandle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	crm := &fakeCRM{contacts: map[string]string{"late_handle": "77"}}
	h := &Handlers{Messages: e.messages, CRM: crm}

	msg := e.store(t, &inbox.Message{SubjectID: "u9", Kind: event.KindDirectMessage, Text: "yo"})
	j := job(t, TaskSyncCRM, SyncCRMPayload{MessageID: msg.ID, SubjectID: "u9", Text: "yo", Source: "Instagram DM"})

	err := h.SyncCRM(ctx, j)
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err), "retry once enrichment fills the handle")

	_, err = e.messages.UpdateProfile(ctx, msg.ID, "late_handle", "")
	require.NoError(t, err)
	require.NoError(t, h.SyncCRM(ctx, j))
	assert.Equal(t, []string{"77|[Instagram DM] yo"}, crm.notes)
}

func TestSyncCRMUnknownContactIsSkipped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	h := &Handlers{Messages: e.messages, CRM: &fakeCRM{}}

	msg := e.store(t, &inbox.Message{SubjectID: "u1", SubjectHandle: "stranger", Kind: event.KindDirectMessage, Text: "hi"})
	require.NoError(t, h.SyncCRM(ctx, job(t, TaskSyncCRM, SyncCRMPayload{MessageID: msg.ID, SubjectID: "u1", Source: "Instagram DM"})))

	got, err := e.messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, got.SyncedToCRM)

	h.CRM = &fakeCRM{findErr: errors.New("crm down")}
	assert.Error(t, h.SyncCRM(ctx, job(t, TaskSyncCRM, SyncCRMPayload{MessageID: msg.ID, SubjectID: "u1", Source: "Instagram DM"})))
}

type fakeFirer struct {
	triggers []automation.Trigger
	err      error
}

func (f *fakeFirer) Fire(ctx context.Context, t automation.Trigger) (*automation.Result, error) {
	f.triggers = append(f.triggers, t)
	if f.err != nil {
		return nil, f.err
	}
	return &automation.Result{Action: t.Action, Outcome: automation.OutcomeSent}, nil
}

func TestWelcomeDM(t *testing.T) {
	ctx := context.Background()
	firer := &fakeFirer{}
	h := &Handlers{Automation: firer}

	require.NoError(t, h.WelcomeDM(ctx, job(t, TaskWelcomeDM, WelcomeDMPayload{SubjectID: "u1"})))
	assert.Equal(t, []automation.Trigger{{SubjectID: "u1", Action: automation.ActionWelcomeDM}}, firer.triggers)

	firer.err = errors.New("database is locked")
	assert.Error(t, h.WelcomeDM(ctx, job(t, TaskWelcomeDM, WelcomeDMPayload{SubjectID: "u1"})))

	err := h.WelcomeDM(ctx, job(t, TaskWelcomeDM, WelcomeDMPayload{}))
	assert.True(t, worker.IsPermanent(err))
}

func TestRegister(t *testing.T) {
	e := newEnv(t)
	pool := worker.New(e.queue, worker.Config{}, nil)
	h := &Handlers{Messages: e.messages, Profiles: &fakeProfiles{profile: &graph.Profile{Username: "a", AvatarURL: "b"}}}
	h.Register(pool)

	ctx := context.Background()
	msg := e.store(t, &inbox.Message{SubjectID: "u1", Kind: event.KindDirectMessage, Text: "hi"})
	id, err := e.queue.Enqueue(ctx, queue.EnqueueRequest{
		Task:        TaskEnrichProfile,
		Payload:     json.RawMessage(`{"message_id":"` + msg.ID + `"}`),
		SubmittedBy: "test",
	})
	require.NoError(t, err)

	ran, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	j, err := e.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, j.Status)
}
