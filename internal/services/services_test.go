package services

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ts03085781/silent-letter/internal/apperror"
	"github.com/ts03085781/silent-letter/internal/events"
	"github.com/ts03085781/silent-letter/internal/identity"
	"github.com/ts03085781/silent-letter/internal/models"
	"github.com/ts03085781/silent-letter/internal/repository"
	"github.com/ts03085781/silent-letter/internal/repository/memstore"
	"github.com/ts03085781/silent-letter/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var handlePattern = regexp.MustCompile(`^[A-Z][a-z]+[A-Z][a-z]+[1-9][0-9]{0,2}$`)

type recordingPublisher struct {
	mu  sync.Mutex
	got []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, ev)
	return nil
}

func (p *recordingPublisher) events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event{}, p.got...)
}

type fixedHandles struct {
	mu    sync.Mutex
	queue []string
}

func (f *fixedHandles) Generate() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.queue[0]
	if len(f.queue) > 1 {
		f.queue = f.queue[1:]
	}
	return h
}

type fixture struct {
	store    *repository.Store
	users    *UserService
	messages *MessageService
	bus      *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens, err := session.NewManager("test-secret", 0)
	require.NoError(t, err)

	store := memstore.NewStore()
	bus := &recordingPublisher{}
	return &fixture{
		store:    store,
		users:    NewUserService(store.Users, tokens, identity.NewGenerator(), time.UTC),
		messages: NewMessageService(store.Users, store.Messages, bus),
		bus:      bus,
	}
}

func (f *fixture) user(t *testing.T, handle string, points int) *models.User {
	t.Helper()
	now := time.Now().UTC()
	u := &models.User{AnonymousID: handle, Points: points, IsActive: true, CreatedAt: now, LastActiveAt: now}
	require.NoError(t, f.store.Users.Create(context.Background(), u))
	return u
}

func (f *fixture) points(t *testing.T, id string) int {
	t.Helper()
	u, err := f.store.Users.GetByID(context.Background(), id)
	require.NoError(t, err)
	return u.Points
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	reg, err := f.users.Register(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.InitialPoints, reg.User.Points)
	assert.True(t, reg.User.IsActive)
	assert.Regexp(t, handlePattern, reg.User.AnonymousID)
	assert.NotEmpty(t, reg.Token)
}

func TestRegisterRetriesTakenHandles(t *testing.T) {
	f := newFixture(t)
	f.user(t, "TakenName1", 10)
	f.users.handles = &fixedHandles{queue: []string{"TakenName1", "TakenName1", "FreshName2"}}

	reg, err := f.users.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "FreshName2", reg.User.AnonymousID)
}

func TestRegisterGivesUp(t *testing.T) {
	f := newFixture(t)
	f.user(t, "TakenName1", 10)
	f.users.handles = &fixedHandles{queue: []string{"TakenName1"}}

	_, err := f.users.Register(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperror.CodeIdentityGenerationFailed, apperror.CodeOf(err))
	assert.Equal(t, 503, apperror.CodeOf(err).Status())
}

func TestSendAndInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "AlphaFox1", 10)
	b := f.user(t, "BetaOwl2", 10)

	res, err := f.messages.Send(ctx, a.ID, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, 7, res.NewPoints)
	assert.Equal(t, b.AnonymousID, res.ReceiverAnonymousID)
	assert.Equal(t, "hello", res.Message.Content)
	assert.Equal(t, 7, f.points(t, a.ID))

	unread, err := f.messages.UnreadCount(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)

	page, err := f.messages.Inbox(ctx, b.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	item := page.Messages[0]
	assert.Equal(t, "hello", item.Content)
	assert.True(t, item.IsRead)
	assert.Equal(t, a.AnonymousID, item.SenderAnonymousID)
	assert.Empty(t, item.ReceiverAnonymousID)
	assert.False(t, page.HasMore)
	assert.Equal(t, int64(1), page.TotalMessages)

	stored, err := f.store.Messages.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsRead)

	sent, err := f.messages.Sent(ctx, a.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, sent.Messages, 1)
	assert.Equal(t, b.AnonymousID, sent.Messages[0].ReceiverAnonymousID)

	evs := f.bus.events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeMessageReceived, evs[0].Type)
	assert.Equal(t, b.ID, evs[0].UserID)
}

func TestSendWithBalanceThreeIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "AlphaFox1", 3)
	b := f.user(t, "BetaOwl2", 10)
	c := f.user(t, "GammaElk3", 10)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.messages.Send(ctx, a.ID, "x")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, apperror.CodeInsufficientPoints, apperror.CodeOf(err))
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 0, f.points(t, a.ID))

	nb, err := f.store.Messages.Count(ctx, repository.MessageFilter{ReceiverID: b.ID})
	require.NoError(t, err)
	nc, err := f.store.Messages.Count(ctx, repository.MessageFilter{ReceiverID: c.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), nb+nc)
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "AlphaFox1", 10)

	_, err := f.messages.Send(ctx, a.ID, "lonely")
	assert.Equal(t, apperror.CodeNoRecipients, apperror.CodeOf(err))
	assert.Equal(t, 10, f.points(t, a.ID))

	f.user(t, "BetaOwl2", 10)
	poor := f.user(t, "PoorCat3", 2)

	tests := []struct {
		name    string
		sender  string
		content string
		want    apperror.Code
	}{
		{name: "empty", sender: a.ID, content: "", want: apperror.CodeInvalidContent},
		{name: "whitespace", sender: a.ID, content: "   \n\t", want: apperror.CodeInvalidContent},
		{name: "too long", sender: a.ID, content: strings.Repeat("字", models.MaxContentLength+1), want: apperror.CodeContentTooLong},
		{name: "unknown sender", sender: "nobody", content: "hi", want: apperror.CodeSenderNotFound},
		{name: "poor sender", sender: poor.ID, content: "hi", want: apperror.CodeInsufficientPoints},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.messages.Send(ctx, tt.sender, tt.content)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperror.CodeOf(err))
		})
	}

	res, err := f.messages.Send(ctx, a.ID, strings.Repeat("字", models.MaxContentLength))
	require.NoError(t, err)
	assert.Equal(t, 7, res.NewPoints)
}

func TestReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "AlphaFox1", 10)
	b := f.user(t, "BetaOwl2", 10)

	sent, err := f.messages.Send(ctx, a.ID, "hello")
	require.NoError(t, err)
	msgID := sent.Message.ID

	res, err := f.messages.Reply(ctx, b.ID, msgID, "hi")
	require.NoError(t, err)
	assert.Equal(t, 11, res.NewPoints)
	assert.Equal(t, "hi", res.Reply.Content)

	res, err = f.messages.Reply(ctx, b.ID, msgID, "hi again")
	require.NoError(t, err)
	assert.Equal(t, 12, res.NewPoints)

	stored, err := f.store.Messages.GetByID(ctx, msgID)
	require.NoError(t, err)
	require.Len(t, stored.Replies, 2)
	assert.Equal(t, "hi", stored.Replies[0].Content)
	assert.Equal(t, "hi again", stored.Replies[1].Content)

	_, err = f.messages.Reply(ctx, a.ID, msgID, "me too")
	assert.Equal(t, apperror.CodeUnauthorizedReply, apperror.CodeOf(err))
	assert.Equal(t, 7, f.points(t, a.ID))

	_, err = f.messages.Reply(ctx, b.ID, "not-an-id", "hi")
	assert.Equal(t, apperror.CodeInvalidMessageID, apperror.CodeOf(err))

	_, err = f.messages.Reply(ctx, b.ID, "", "hi")
	assert.Equal(t, apperror.CodeInvalidMessageID, apperror.CodeOf(err))

	_, err = f.messages.Reply(ctx, b.ID, "7d4f6b7e-2a55-4d8e-9a39-0a4c2b1e8f10", "hi")
	assert.Equal(t, apperror.CodeMessageNotFound, apperror.CodeOf(err))

	_, err = f.messages.Reply(ctx, b.ID, msgID, " ")
	assert.Equal(t, apperror.CodeInvalidContent, apperror.CodeOf(err))

	evs := f.bus.events()
	require.Len(t, evs, 3)
	assert.Equal(t, events.TypeReplyReceived, evs[1].Type)
	assert.Equal(t, a.ID, evs[1].UserID)
}

func TestInboxPaginationCoversAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.user(t, "ReceiverOne1", 10)

	base := time.Now().UTC()
	for i := 0; i < 7; i++ {
		require.NoError(t, f.store.Messages.Create(ctx, &models.Message{
			SenderID: "s", ReceiverID: r.ID, Content: "m",
			SentAt: base.Add(time.Duration(i) * time.Second), ExpiresAt: base.Add(time.Hour),
		}))
	}

	var seen []string
	for page := 1; ; page++ {
		p, err := f.messages.Inbox(ctx, r.ID, page, 3)
		require.NoError(t, err)
		assert.Equal(t, page, p.CurrentPage)
		assert.Equal(t, int64(7), p.TotalMessages)
		for _, m := range p.Messages {
			seen = append(seen, m.SentAt)
		}
		assert.Equal(t, page*3 < 7, p.HasMore)
		if !p.HasMore {
			break
		}
	}

	require.Len(t, seen, 7)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i-1], seen[i])
	}

	unread, err := f.messages.UnreadCount(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestPage(t *testing.T) {
	tests := []struct {
		page, limit         int
		wantPage, wantLimit int
	}{
		{0, 0, 1, DefaultPageSize},
		{-3, 5, 1, 5},
		{2, 500, 2, MaxPageSize},
		{4, -1, 4, DefaultPageSize},
		{math.MaxInt, MaxPageSize, MaxPage, MaxPageSize},
	}
	for _, tt := range tests {
		p, l := Page(tt.page, tt.limit)
		assert.Equal(t, tt.wantPage, p)
		assert.Equal(t, tt.wantLimit, l)
		assert.GreaterOrEqual(t, (p-1)*l, 0)
	}
}

func TestListingsBeyondLastPageAreEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "AlphaFox1", 10)
	b := f.user(t, "BetaOwl2", 10)

	_, err := f.messages.Send(ctx, a.ID, "hello")
	require.NoError(t, err)

	for _, page := range []int{2, math.MaxInt / 10, math.MaxInt} {
		inbox, err := f.messages.Inbox(ctx, b.ID, page, 10)
		require.NoError(t, err)
		assert.Empty(t, inbox.Messages)
		assert.False(t, inbox.HasMore)
		assert.Equal(t, int64(1), inbox.TotalMessages)

		sent, err := f.messages.Sent(ctx, a.ID, page, 10)
		require.NoError(t, err)
		assert.Empty(t, sent.Messages)
		assert.False(t, sent.HasMore)
	}

	unread, err := f.messages.UnreadCount(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unread)
}

// failingMessages makes selected writes fail while delegating the rest
type failingMessages struct {
	repository.MessageRepository
	failCreate bool
	failAppend bool
}

var errStoreDown = errors.New("store unavailable")

func (m *failingMessages) Create(ctx context.Context, msg *models.Message) error {
	if m.failCreate {
		return errStoreDown
	}
	return m.MessageRepository.Create(ctx, msg)
}

func (m *failingMessages) AppendReply(ctx context.Context, id string, reply models.Reply) error {
	if m.failAppend {
		return errStoreDown
	}
	return m.MessageRepository.AppendReply(ctx, id, reply)
}

func TestFailedWritesLeaveBalancesUnchanged(t *testing.T) {
	tests := []struct {
		name     string
		messages func(base repository.MessageRepository) *failingMessages
		run      func(s *MessageService, a, b *models.User, msgID string) error
		want     apperror.Code
		payer    func(a, b *models.User) string
		balance  int
	}{
		{
			name:     "send refunds the debit",
			messages: func(base repository.MessageRepository) *failingMessages { return &failingMessages{MessageRepository: base, failCreate: true} },
			run: func(s *MessageService, a, _ *models.User, _ string) error {
				_, err := s.Send(context.Background(), a.ID, "hello")
				return err
			},
			want:    apperror.CodeSendFailed,
			payer:   func(a, _ *models.User) string { return a.ID },
			balance: 10,
		},
		{
			name:     "reply takes back the reward",
			messages: func(base repository.MessageRepository) *failingMessages { return &failingMessages{MessageRepository: base, failAppend: true} },
			run: func(s *MessageService, _, b *models.User, msgID string) error {
				_, err := s.Reply(context.Background(), b.ID, msgID, "hi")
				return err
			},
			want:    apperror.CodeReplyFailed,
			payer:   func(_, b *models.User) string { return b.ID },
			balance: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			a := f.user(t, "AlphaFox1", 10)
			b := f.user(t, "BetaOwl2", 10)

			now := time.Now().UTC()
			existing := &models.Message{
				SenderID: a.ID, ReceiverID: b.ID, Content: "hello",
				SentAt: now, ExpiresAt: now.Add(models.MessageTTL), Replies: []models.Reply{},
			}
			require.NoError(t, f.store.Messages.Create(ctx, existing))

			svc := NewMessageService(f.store.Users, tt.messages(f.store.Messages), f.bus)
			err := tt.run(svc, a, b, existing.ID)

			require.Error(t, err)
			assert.Equal(t, tt.want, apperror.CodeOf(err))
			assert.ErrorIs(t, err, errStoreDown)
			assert.Equal(t, tt.balance, f.points(t, tt.payer(a, b)))
			assert.Empty(t, f.bus.events())

			stored, err := f.store.Messages.GetByID(ctx, existing.ID)
			require.NoError(t, err)
			assert.Empty(t, stored.Replies)
			n, err := f.store.Messages.Count(ctx, repository.MessageFilter{SenderID: a.ID})
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestDailyRewardOncePerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "AlphaFox1", 10)

	first, err := f.users.ClaimDailyReward(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, first.Claimed)
	assert.Equal(t, models.DailyRewardPoints, first.PointsAwarded)

	second, err := f.users.ClaimDailyReward(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	assert.Zero(t, second.PointsAwarded)

	assert.Equal(t, 20, second.User.Points)
	assert.Equal(t, 1, second.User.TotalDailyRewardsEarned)
}

func TestDailyRewardConcurrentClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "AlphaFox1", 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.users.ClaimDailyReward(ctx, a.ID)
			if assert.NoError(t, err) && res.Claimed {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	assert.Equal(t, 20, f.points(t, a.ID))
}

func TestMeGrantsRewardOnNewDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	day := time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC)
	a := &models.User{AnonymousID: "AlphaFox1", Points: 10, IsActive: true, CreatedAt: day.Add(-time.Hour), LastActiveAt: day.Add(-time.Hour)}
	require.NoError(t, f.store.Users.Create(ctx, a))
	f.users.now = func() time.Time { return day }

	user, outcome, err := f.users.Me(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, outcome.ReceivedDailyReward)
	assert.Equal(t, 20, user.Points)

	f.users.now = func() time.Time { return day.Add(20 * time.Minute) }
	user, outcome, err = f.users.Me(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, outcome.ReceivedDailyReward)
	assert.Equal(t, 20, user.Points)
	assert.True(t, user.LastActiveAt.Equal(day.Add(20*time.Minute)))

	f.users.now = func() time.Time { return day.Add(40 * time.Minute) }
	user, outcome, err = f.users.Me(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, outcome.ReceivedDailyReward)
	assert.Equal(t, 30, user.Points)
	assert.Equal(t, 2, user.TotalDailyRewardsEarned)

	_, _, err = f.users.Me(ctx, "missing")
	assert.Equal(t, apperror.CodeUserNotFound, apperror.CodeOf(err))
}

func TestRewardCalendarFollowsZone(t *testing.T) {
	tokens, err := session.NewManager("x", 0)
	require.NoError(t, err)
	taipei := time.FixedZone("UTC+8", 8*3600)
	svc := NewUserService(memstore.NewStore().Users, tokens, identity.NewGenerator(), taipei)

	now := time.Date(2026, 3, 4, 17, 0, 0, 0, time.UTC)
	assert.True(t, svc.DayStart(now).Equal(time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)))
	assert.True(t, svc.NextRewardAt(now).Equal(time.Date(2026, 3, 5, 16, 0, 0, 0, time.UTC)))

	utc := NewUserService(memstore.NewStore().Users, tokens, identity.NewGenerator(), nil)
	assert.True(t, utc.NextRewardAt(now).Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)))
}

type recordingArchiver struct {
	users    []string
	messages int
}

func (a *recordingArchiver) ArchiveUser(_ context.Context, u *models.User, msgs []*models.Message) error {
	a.users = append(a.users, u.ID)
	a.messages += len(msgs)
	return nil
}

func TestRetentionSweep(t *testing.T) {
	store := memstore.NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &models.User{AnonymousID: "StaleOne1", Points: 10, IsActive: true, CreatedAt: now.Add(-60 * 24 * time.Hour), LastActiveAt: now.Add(-40 * 24 * time.Hour)}
	fresh := &models.User{AnonymousID: "FreshOne2", Points: 10, IsActive: true, CreatedAt: now, LastActiveAt: now}
	other := &models.User{AnonymousID: "OtherOne3", Points: 10, IsActive: true, CreatedAt: now, LastActiveAt: now}
	for _, u := range []*models.User{stale, fresh, other} {
		require.NoError(t, store.Users.Create(ctx, u))
	}

	live := now.Add(time.Hour)
	require.NoError(t, store.Messages.Create(ctx, &models.Message{SenderID: stale.ID, ReceiverID: fresh.ID, Content: "a", SentAt: now, ExpiresAt: live}))
	require.NoError(t, store.Messages.Create(ctx, &models.Message{SenderID: fresh.ID, ReceiverID: stale.ID, Content: "b", SentAt: now, ExpiresAt: live}))
	require.NoError(t, store.Messages.Create(ctx, &models.Message{SenderID: fresh.ID, ReceiverID: other.ID, Content: "c", SentAt: now, ExpiresAt: live}))
	require.NoError(t, store.Messages.Create(ctx, &models.Message{SenderID: other.ID, ReceiverID: fresh.ID, Content: "old", SentAt: now.Add(-31 * 24 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))

	arch := &recordingArchiver{}
	svc := NewRetentionService(store.Users, store.Messages, arch, 30*24*time.Hour, 10)

	report, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.ExpiredMessages)
	assert.Equal(t, 1, report.DeactivatedUsers)
	assert.Equal(t, int64(2), report.DeletedMessages)
	assert.Equal(t, []string{stale.ID}, arch.users)
	assert.Equal(t, 2, arch.messages)

	got, err := store.Users.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	remaining, err := store.Messages.Count(ctx, repository.MessageFilter{ParticipantID: fresh.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	again, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.DeactivatedUsers)
}
