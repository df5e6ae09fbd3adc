package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"marketplace_redirect/internal/model"
	"marketplace_redirect/internal/scheduler/mocks"
)

type SchedulerTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	fetcher *mocks.MockArticleFetcher
	lock    *mocks.MockLocker

	scheduler *Scheduler
	now       time.Time
}

func (s *SchedulerTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.fetcher = mocks.NewMockArticleFetcher(s.ctrl)
	s.lock = mocks.NewMockLocker(s.ctrl)

	s.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.scheduler = New(s.fetcher, s.lock, []string{"1", "2"}, Config{
		Tick:           time.Hour,
		UpdateInterval: 5 * time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.scheduler.now = func() time.Time { return s.now }
}

func (s *SchedulerTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) TestRun_LockHeld() {
	s.lock.EXPECT().Acquire().Return(ErrLockHeld)

	err := s.scheduler.Run(context.Background())

	s.NoError(err)
}

func (s *SchedulerTestSuite) TestRun_LockError() {
	s.lock.EXPECT().Acquire().Return(errors.New("permission denied"))

	err := s.scheduler.Run(context.Background())

	s.ErrorContains(err, "acquire lock")
}

func (s *SchedulerTestSuite) TestRun_SweepsAndReleases() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		s.lock.EXPECT().Acquire().Return(nil),
		s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "1").Return(nil, false),
		s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "2").
			DoAndReturn(func(context.Context, string) ([]model.Article, bool) {
				cancel()
				return []model.Article{{ID: "10"}}, true
			}),
		s.lock.EXPECT().Release().Return(nil),
	)

	s.NoError(s.scheduler.Run(ctx))
}

func (s *SchedulerTestSuite) TestSweep_RespectsUpdateInterval() {
	ctx := context.Background()

	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "1").Return(nil, false).Times(2)
	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "2").Return(nil, true).Times(2)

	s.scheduler.sweep(ctx, nil)

	s.now = s.now.Add(time.Minute)
	s.scheduler.sweep(ctx, nil)

	s.now = s.now.Add(4 * time.Minute)
	s.scheduler.sweep(ctx, nil)
}

func (s *SchedulerTestSuite) TestSweep_StopsBetweenSellers() {
	stop := make(chan struct{})

	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "1").
		DoAndReturn(func(context.Context, string) ([]model.Article, bool) {
			close(stop)
			return nil, true
		})

	s.scheduler.sweep(context.Background(), stop)
}

func (s *SchedulerTestSuite) TestTriggerUpdateSeller() {
	ctx := context.Background()

	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "1").Return([]model.Article{{ID: "5"}}, true)
	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "1").Return(nil, false)

	s.True(s.scheduler.TriggerUpdateSeller(ctx, "1"))
	s.False(s.scheduler.TriggerUpdateSeller(ctx, "1"))
	s.False(s.scheduler.due("1"))
}

func (s *SchedulerTestSuite) TestTriggerUpdateAllSellers() {
	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "1").Return([]model.Article{{ID: "5"}}, true)
	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "2").Return(nil, false)

	got := s.scheduler.TriggerUpdateAllSellers(context.Background())

	s.Equal(Summary{Total: 2, Refreshed: 1, Skipped: 1}, got)
}

func (s *SchedulerTestSuite) TestStartStop() {
	swept := make(chan struct{})

	s.lock.EXPECT().Acquire().Return(nil)
	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "1").Return(nil, true)
	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "2").
		DoAndReturn(func(context.Context, string) ([]model.Article, bool) {
			close(swept)
			return nil, true
		})
	s.lock.EXPECT().Release().Return(nil)

	ctx := context.Background()
	s.scheduler.Start(ctx)
	s.scheduler.Start(ctx)

	select {
	case <-swept:
	case <-time.After(5 * time.Second):
		s.FailNow("first sweep did not run")
	}

	s.scheduler.Stop()
	s.scheduler.Stop()
}

func (s *SchedulerTestSuite) TestStart_RetriesLockOnNextTick() {
	s.scheduler.cfg.Tick = 10 * time.Millisecond
	swept := make(chan struct{})

	gomock.InOrder(
		s.lock.EXPECT().Acquire().Return(ErrLockHeld),
		s.lock.EXPECT().Acquire().Return(nil),
	)
	s.lock.EXPECT().Touch().Return(nil).AnyTimes()
	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "1").Return(nil, true)
	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "2").
		DoAndReturn(func(context.Context, string) ([]model.Article, bool) {
			close(swept)
			return nil, true
		})
	s.lock.EXPECT().Release().Return(nil)

	s.scheduler.Start(context.Background())

	select {
	case <-swept:
	case <-time.After(5 * time.Second):
		s.FailNow("sweep did not run after the lock was freed")
	}

	s.scheduler.Stop()
}

func (s *SchedulerTestSuite) TestStart_AfterLoopExited() {
	isRunning := func() bool {
		s.scheduler.mu.Lock()
		defer s.scheduler.mu.Unlock()
		return s.scheduler.running
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	s.lock.EXPECT().Acquire().Return(ErrLockHeld)

	s.scheduler.Start(cancelled)
	s.Eventually(func() bool { return !isRunning() }, 5*time.Second, time.Millisecond)

	swept := make(chan struct{})
	s.lock.EXPECT().Acquire().Return(nil)
	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "1").Return(nil, true)
	s.fetcher.EXPECT().FetchSellerArticles(gomock.Any(), "2").
		DoAndReturn(func(context.Context, string) ([]model.Article, bool) {
			close(swept)
			return nil, true
		})
	s.lock.EXPECT().Release().Return(nil)

	s.scheduler.Start(context.Background())

	select {
	case <-swept:
	case <-time.After(5 * time.Second):
		s.FailNow("restarted scheduler did not sweep")
	}

	s.scheduler.Stop()
	s.False(isRunning())
}
