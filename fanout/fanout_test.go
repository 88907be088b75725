// ABOUTME: Tests for round-robin assignment and campaign dispatch
// ABOUTME: Checks rotation order and resumed dispatches
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type env struct {
	store     kv.Store
	records   *db.RecordStore
	lists     *db.CollectionStore
	campaigns *db.CampaignStore
	rr        *RoundRobin
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvOn(t, kv.NewTestStore(t))
}

func newEnvOn(t *testing.T, s kv.Store) *env {
	t.Helper()
	records := db.NewRecordStore(s)
	return &env{
		store:     s,
		records:   records,
		lists:     db.NewCollectionStore(s),
		campaigns: db.NewCampaignStore(s),
		rr:        NewRoundRobin(s, records, zap.NewNop()),
	}
}

func (e *env) member(t *testing.T, org, name string, offset time.Duration, active, optedOut bool) *models.Record {
	t.Helper()
	rec := &models.Record{
		OrgID: org, Kind: models.KindMember,
		FirstName: name, LastName: "Rep", Email: name + "@team.io", Phone: "+1555000" + name,
		IsActive: active, OptedOut: optedOut,
		CreatedAt: epoch.Add(offset),
	}
	require.NoError(t, e.records.Create(context.Background(), rec))
	return rec
}

func TestRoundRobin_CyclesActiveMembersInCreationOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.member(t, "acme", "carol", 3*time.Hour, true, false)
	a := e.member(t, "acme", "alice", time.Hour, true, false)
	e.member(t, "acme", "dave", 2*time.Hour, false, false)
	e.member(t, "acme", "erin", 90*time.Minute, true, true)
	b := e.member(t, "acme", "bob", 2*time.Hour, true, false)

	want := []string{a.ID, b.ID, c.ID, a.ID, b.ID, c.ID, a.ID}
	var got []string
	for range want {
		m, err := e.rr.Next(ctx, "acme")
		require.NoError(t, err)
		got = append(got, m.ID)
	}
	assert.Equal(t, want, got)
}

func TestRoundRobin_NoMembers(t *testing.T) {
	e := newEnv(t)
	m, err := e.rr.Next(context.Background(), "empty")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRoundRobin_PointerWrapsWhenMembersShrink(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.member(t, "acme", "alice", 0, true, false)
	e.member(t, "acme", "bob", time.Minute, true, false)

	// A pointer left over from a larger team is taken modulo the active count.
	require.NoError(t, e.store.Put(ctx, kv.RoundRobinKey("acme"), []byte("4")))
	m, err := e.rr.Next(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, a.ID, m.ID)

	require.NoError(t, e.store.Put(ctx, kv.RoundRobinKey("acme"), []byte("garbage")))
	m, err = e.rr.Next(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, a.ID, m.ID)
}

func TestRoundRobin_ConcurrentCallersShareTheRotation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e.member(t, "acme", fmt.Sprint(i), time.Duration(i)*time.Minute, true, false)
	}

	counts := map[string]int{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := e.rr.Next(ctx, "acme")
			assert.NoError(t, err)
			mu.Lock()
			counts[m.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, counts, 3)
	for _, n := range counts {
		assert.Equal(t, 10, n)
	}
}

func TestTemplateRenderer(t *testing.T) {
	r := NewTemplateRenderer()
	rec := &models.Record{
		FirstName: "Ada", LastName: "Lovelace",
		Metadata: map[string]models.MetadataField{"city": {Value: "London"}},
	}

	out, err := r.Render("Hi {{.FirstName}} from {{.Metadata.city}}{{.Metadata.missing}}", rec)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada from London", out)

	out, err = r.Render("{{.FullName}}", rec)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", out)

	_, err = r.Render("{{.FirstName", rec)
	assert.Error(t, err)
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	fail map[string]bool
}

func (s *recordingSender) Send(_ context.Context, msg Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[msg.To] {
		return "", errors.New("provider rejected")
	}
	s.msgs = append(s.msgs, msg)
	return fmt.Sprintf("msg-%d", len(s.msgs)), nil
}

func TestDispatcher_Dispatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.member(t, "acme", "alice", 0, true, false)
	bob := e.member(t, "acme", "bob", time.Minute, true, false)

	mk := func(first, email string, optedOut bool) string {
		rec := &models.Record{OrgID: "acme", Kind: models.KindContact, FirstName: first, LastName: "C", Email: email, IsActive: true, OptedOut: optedOut}
		require.NoError(t, e.records.Create(ctx, rec))
		return rec.ID
	}
	ids := []string{
		mk("Ann", "ann@example.com", false),
		mk("Ben", "ben@example.com", false),
		mk("Cat", "", false),
		mk("Dan", "dan@example.com", true),
		mk("Eve", "eve@example.com", false),
		"deleted-contact",
	}
	col := &models.Collection{OrgID: "acme", Name: "Launch"}
	require.NoError(t, e.lists.Create(ctx, col))
	_, _, err := e.lists.AppendContacts(ctx, "acme", col.ID, ids)
	require.NoError(t, err)

	camp := &models.Campaign{OrgID: "acme", ListID: col.ID, Name: "Launch", Subject: "Hello {{.FirstName}}", Body: "Dear {{.FullName}}"}
	require.NoError(t, e.campaigns.Create(ctx, camp))

	sender := &recordingSender{fail: map[string]bool{"eve@example.com": true}}
	d := NewDispatcher(DispatcherDeps{
		Campaigns: e.campaigns,
		Lists:     e.lists,
		Records:   e.records,
		Assigner:  e.rr,
		Sender:    sender,
	}, 2, zap.NewNop())

	res, err := d.Dispatch(ctx, "acme", camp.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Skipped)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "provider rejected")

	byTo := map[string]Message{}
	for _, m := range sender.msgs {
		byTo[m.To] = m
	}
	assert.Equal(t, "Hello Ann", byTo["ann@example.com"].Subject)
	assert.Equal(t, "Dear Ben C", byTo["ben@example.com"].Body)
	assert.Equal(t, alice.ID, byTo["ann@example.com"].MemberID)
	assert.Equal(t, bob.ID, byTo["ben@example.com"].MemberID)
	assert.Equal(t, "bob@team.io", byTo["ben@example.com"].From)

	saved, err := e.campaigns.Get(ctx, "acme", camp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignSent, saved.Status)
	assert.Equal(t, models.CampaignStats{Sent: 2, Failed: 1, Skipped: 3}, saved.Stats)
	assert.NotNil(t, saved.SentAt)

	_, err = d.Dispatch(ctx, "acme", camp.ID)
	assert.ErrorIs(t, err, ErrCampaignSent)
}

func TestDispatcher_RetryAfterAbortSkipsDeliveredContacts(t *testing.T) {
	faulty := kv.NewFaultyStore(kv.NewTestStore(t))
	e := newEnvOn(t, faulty)
	ctx := context.Background()
	e.member(t, "acme", "alice", 0, true, false)

	var ids []string
	for _, name := range []string{"ann", "ben", "cat"} {
		rec := &models.Record{OrgID: "acme", Kind: models.KindContact, FirstName: name, LastName: "C", Email: name + "@example.com", IsActive: true}
		require.NoError(t, e.records.Create(ctx, rec))
		ids = append(ids, rec.ID)
	}
	col := &models.Collection{OrgID: "acme", Name: "Launch"}
	require.NoError(t, e.lists.Create(ctx, col))
	_, _, err := e.lists.AppendContacts(ctx, "acme", col.ID, ids)
	require.NoError(t, err)
	camp := &models.Campaign{OrgID: "acme", ListID: col.ID, Name: "Launch", Body: "Hi {{.FirstName}}"}
	require.NoError(t, e.campaigns.Create(ctx, camp))

	sender := &recordingSender{}
	d := NewDispatcher(DispatcherDeps{Campaigns: e.campaigns, Lists: e.lists, Records: e.records, Assigner: e.rr, Sender: sender}, 1, zap.NewNop())

	faulty.FailGets(kv.RecordKey("acme", models.KindContact, ids[2]), 1)
	_, err = d.Dispatch(ctx, "acme", camp.ID)
	require.ErrorIs(t, err, kv.ErrInjected)

	saved, err := e.campaigns.Get(ctx, "acme", camp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignSending, saved.Status)
	assert.ElementsMatch(t, ids[:2], saved.DeliveredIDs)

	res, err := d.Dispatch(ctx, "acme", camp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	sentTo := map[string]int{}
	for _, m := range sender.msgs {
		sentTo[m.To]++
	}
	assert.Equal(t, map[string]int{"ann@example.com": 1, "ben@example.com": 1, "cat@example.com": 1}, sentTo)

	saved, err = e.campaigns.Get(ctx, "acme", camp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignSent, saved.Status)
	assert.Equal(t, 3, saved.Stats.Sent)
}

func TestDispatcher_UnknownCampaign(t *testing.T) {
	e := newEnv(t)
	d := NewDispatcher(DispatcherDeps{Campaigns: e.campaigns, Lists: e.lists, Records: e.records, Assigner: e.rr}, 0, nil)
	_, err := d.Dispatch(context.Background(), "acme", "nope")
	assert.ErrorIs(t, err, db.ErrCampaignNotFound)
}
