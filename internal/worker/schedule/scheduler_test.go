package schedule

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/registry"
)

// --- モック定義 ---

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// mockSyncJobRepo はSyncJobRepositoryのテスト用モック。
type mockSyncJobRepo struct {
	ensureFunc   func(ctx context.Context, job *model.SyncJob) error
	claimDueFunc func(ctx context.Context, now time.Time, next func(job *model.SyncJob) (time.Time, error)) ([]*model.SyncJob, error)
	listFunc     func(ctx context.Context) ([]*model.SyncJob, error)
}

func (m *mockSyncJobRepo) Ensure(ctx context.Context, job *model.SyncJob) error {
	if m.ensureFunc != nil {
		return m.ensureFunc(ctx, job)
	}
	return nil
}

func (m *mockSyncJobRepo) ClaimDue(ctx context.Context, now time.Time, next func(job *model.SyncJob) (time.Time, error)) ([]*model.SyncJob, error) {
	if m.claimDueFunc != nil {
		return m.claimDueFunc(ctx, now, next)
	}
	return nil, nil
}

func (m *mockSyncJobRepo) List(ctx context.Context) ([]*model.SyncJob, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx)
	}
	return nil, nil
}

// mockScopeRepo はScopeRepositoryのテスト用モック。
type mockScopeRepo struct {
	listLinkedUsersFunc func(ctx context.Context, userID string) ([]model.LinkedUser, error)
}

func (m *mockScopeRepo) ListLinkedUsers(ctx context.Context, userID string) ([]model.LinkedUser, error) {
	if m.listLinkedUsersFunc != nil {
		return m.listLinkedUsersFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockScopeRepo) FindLinkedUser(ctx context.Context, id string) (*model.LinkedUser, error) {
	return nil, nil
}

// recordingService は呼び出しを記録するSyncService。
type recordingService struct {
	key      model.ResourceKey
	mu       sync.Mutex
	calls    []string
	syncFunc func(ctx context.Context, provider, linkedUserID string) (*model.RunReport, error)
}

func (s *recordingService) Key() model.ResourceKey { return s.key }

func (s *recordingService) SyncForLinkedUser(ctx context.Context, provider, linkedUserID string) (*model.RunReport, error) {
	s.mu.Lock()
	s.calls = append(s.calls, provider+"/"+linkedUserID)
	s.mu.Unlock()
	if s.syncFunc != nil {
		return s.syncFunc(ctx, provider, linkedUserID)
	}
	return &model.RunReport{Status: model.RunStatusSucceeded}, nil
}

func (s *recordingService) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.calls...)
	sort.Strings(out)
	return out
}

type staticCatalog struct {
	providers map[model.Category][]string
	cron      string
}

func (c staticCatalog) ProvidersFor(category model.Category) []string { return c.providers[category] }
func (c staticCatalog) CronFor(key model.ResourceKey) string { return c.cron }

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, &buf
}

func newRegistry(t *testing.T, services ...registry.SyncService) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, s := range services {
		if err := reg.Register(s.Key(), s); err != nil {
			t.Fatalf("登録に失敗しました: %v", err)
		}
	}
	reg.Freeze()
	return reg
}

var testNow = time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

func twoLinkedUsers(ctx context.Context, userID string) ([]model.LinkedUser, error) {
	all := []model.LinkedUser{
		{ID: "lu-1", ProjectID: "p-1", UserID: "u-1"},
		{ID: "lu-2", ProjectID: "p-2", UserID: "u-2"},
	}
	if userID == "" {
		return all, nil
	}
	var out []model.LinkedUser
	for _, lu := range all {
		if lu.UserID == userID {
			out = append(out, lu)
		}
	}
	return out, nil
}

// newScheduler はプールと同じロガーを使うSchedulerを生成する。
func newScheduler(t *testing.T, jobs *mockSyncJobRepo, svc *recordingService, pool *Pool) *Scheduler {
	t.Helper()
	catalog := staticCatalog{
		providers: map[model.Category][]string{
			model.CategoryATS: {"greenhouse", "jobfeed"},
		},
		cron: "0 */8 * * *",
	}
	return NewScheduler(jobs, &mockScopeRepo{listLinkedUsersFunc: twoLinkedUsers}, newRegistry(t, svc), catalog, pool, &fakeClock{now: testNow}, pool.logger)
}

// --- テストケース ---

// TestScheduler_EnsureSchedule はcron式から次回実行時刻を算出して登録することを検証する。
func TestScheduler_EnsureSchedule(t *testing.T) {
	var saved *model.SyncJob
	jobs := &mockSyncJobRepo{
		ensureFunc: func(ctx context.Context, job *model.SyncJob) error {
			saved = job
			return nil
		},
	}
	logger, _ := newTestLogger()
	s := NewScheduler(jobs, &mockScopeRepo{}, registry.New(), staticCatalog{}, NewPool(1, 1, 0, nil, logger), &fakeClock{now: testNow}, logger)

	if err := s.EnsureSchedule(context.Background(), model.KeyATSJob, "0 */8 * * *"); err != nil {
		t.Fatalf("EnsureSchedule がエラーを返しました: %v", err)
	}
	if saved == nil {
		t.Fatal("スケジュールが保存されていません")
	}
	want := time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC)
	if !saved.NextRunAt.Equal(want) {
		t.Errorf("NextRunAt = %v, want %v", saved.NextRunAt, want)
	}
	if saved.Key != model.KeyATSJob || saved.CronExpression != "0 */8 * * *" {
		t.Errorf("保存内容が不正です: %+v", saved)
	}
}

// TestScheduler_EnsureSchedule_InvalidCron は不正なcron式を保存せずにエラーを返すことを検証する。
func TestScheduler_EnsureSchedule_InvalidCron(t *testing.T) {
	called := false
	jobs := &mockSyncJobRepo{
		ensureFunc: func(ctx context.Context, job *model.SyncJob) error {
			called = true
			return nil
		},
	}
	logger, _ := newTestLogger()
	s := NewScheduler(jobs, &mockScopeRepo{}, registry.New(), staticCatalog{}, NewPool(1, 1, 0, nil, logger), &fakeClock{now: testNow}, logger)

	if err := s.EnsureSchedule(context.Background(), model.KeyATSJob, "every eight hours"); err == nil {
		t.Fatal("不正なcron式でエラーが返されるべきです")
	}
	if called {
		t.Error("不正なcron式のスケジュールは保存されるべきではありません")
	}
}

// TestScheduler_NextRun_Descriptor は@every形式も受け付けることを検証する。
func TestScheduler_NextRun_Descriptor(t *testing.T) {
	logger, _ := newTestLogger()
	s := NewScheduler(&mockSyncJobRepo{}, &mockScopeRepo{}, registry.New(), staticCatalog{}, NewPool(1, 1, 0, nil, logger), nil, logger)

	next, err := s.NextRun("@every 1h", testNow)
	if err != nil {
		t.Fatalf("NextRun がエラーを返しました: %v", err)
	}
	if want := testNow.Add(time.Hour); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

// TestScheduler_EnsureAll は登録済みの全リソースを登録することを検証する。
func TestScheduler_EnsureAll(t *testing.T) {
	var keys []string
	jobs := &mockSyncJobRepo{
		ensureFunc: func(ctx context.Context, job *model.SyncJob) error {
			keys = append(keys, job.Key.String())
			return nil
		},
	}
	logger, _ := newTestLogger()
	reg := newRegistry(t,
		&recordingService{key: model.KeyATSJob},
		&recordingService{key: model.KeyTicketingContact},
	)
	s := NewScheduler(jobs, &mockScopeRepo{}, reg, staticCatalog{cron: "@hourly"}, NewPool(1, 1, 0, nil, logger), &fakeClock{now: testNow}, logger)

	if err := s.EnsureAll(context.Background()); err != nil {
		t.Fatalf("EnsureAll がエラーを返しました: %v", err)
	}
	if strings.Join(keys, ",") != "ats.job,ticketing.contact" {
		t.Errorf("登録されたキー = %v", keys)
	}
}

// TestScheduler_FanOut はLinkedUser × プロバイダーの全組をキューに積むことを検証する。
func TestScheduler_FanOut(t *testing.T) {
	logger, _ := newTestLogger()
	svc := &recordingService{key: model.KeyATSJob}
	pool := NewPool(2, 16, time.Second, nil, logger)
	s := newScheduler(t, &mockSyncJobRepo{}, svc, pool)

	n, err := s.FanOut(context.Background(), model.KeyATSJob, "")
	if err != nil {
		t.Fatalf("FanOut がエラーを返しました: %v", err)
	}
	if n != 4 {
		t.Errorf("積まれたタスク数 = %d, want 4", n)
	}
	if pool.Len() != 4 {
		t.Errorf("キューの長さ = %d, want 4", pool.Len())
	}
}

// TestScheduler_FanOut_FilterByUser はユーザー指定時にそのユーザー配下に限定されることを検証する。
func TestScheduler_FanOut_FilterByUser(t *testing.T) {
	logger, _ := newTestLogger()
	svc := &recordingService{key: model.KeyATSJob}
	pool := NewPool(2, 16, time.Second, nil, logger)
	s := newScheduler(t, &mockSyncJobRepo{}, svc, pool)

	n, err := s.TriggerNow(context.Background(), model.KeyATSJob, "u-2")
	if err != nil {
		t.Fatalf("TriggerNow がエラーを返しました: %v", err)
	}
	if n != 2 {
		t.Errorf("積まれたタスク数 = %d, want 2", n)
	}
}

// TestScheduler_TriggerNow_UnknownKey は未登録のリソースでNotFoundErrorを返すことを検証する。
func TestScheduler_TriggerNow_UnknownKey(t *testing.T) {
	logger, _ := newTestLogger()
	svc := &recordingService{key: model.KeyATSJob}
	s := newScheduler(t, &mockSyncJobRepo{}, svc, NewPool(1, 4, 0, nil, logger))

	_, err := s.TriggerNow(context.Background(), model.KeyTicketingContact, "")
	var nf *model.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("NotFoundError が返されるべきです: %v", err)
	}
}

// mockQueueMetrics はQueueMetricsのテスト用モック。
type mockQueueMetrics struct {
	depth   atomic.Int64
	dropped atomic.Int64
}

func (m *mockQueueMetrics) SetSyncQueueDepth(n int) { m.depth.Store(int64(n)) }
func (m *mockQueueMetrics) IncSyncTasksDropped() { m.dropped.Add(1) }

// TestScheduler_FanOut_QueueFull はキュー満杯時に積めたタスク数とErrQueueFullを返すことを検証する。
func TestScheduler_FanOut_QueueFull(t *testing.T) {
	logger, _ := newTestLogger()
	metrics := &mockQueueMetrics{}
	svc := &recordingService{key: model.KeyATSJob}
	pool := NewPool(1, 3, 0, metrics, logger)
	s := newScheduler(t, &mockSyncJobRepo{}, svc, pool)

	n, err := s.FanOut(context.Background(), model.KeyATSJob, "")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("ErrQueueFull が返されるべきです: %v", err)
	}
	if n != 3 {
		t.Errorf("積まれたタスク数 = %d, want 3", n)
	}
	if metrics.dropped.Load() != 1 {
		t.Errorf("破棄数 = %d, want 1", metrics.dropped.Load())
	}
	if metrics.depth.Load() != 3 {
		t.Errorf("キュー深さ = %d, want 3", metrics.depth.Load())
	}
}

// TestScheduler_Tick は実行時刻を過ぎたスケジュールのみを展開し、次回実行時刻をcron式から算出することを検証する。
func TestScheduler_Tick(t *testing.T) {
	logger, _ := newTestLogger()
	svc := &recordingService{key: model.KeyATSJob}
	pool := NewPool(2, 16, 0, nil, logger)
	var nextRun time.Time
	jobs := &mockSyncJobRepo{
		claimDueFunc: func(ctx context.Context, now time.Time, next func(job *model.SyncJob) (time.Time, error)) ([]*model.SyncJob, error) {
			if !now.Equal(testNow) {
				t.Errorf("now = %v, want %v", now, testNow)
			}
			job := &model.SyncJob{Key: model.KeyATSJob, CronExpression: "0 */8 * * *"}
			var err error
			nextRun, err = next(job)
			if err != nil {
				return nil, err
			}
			return []*model.SyncJob{job}, nil
		},
	}
	s := newScheduler(t, jobs, svc, pool)

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick がエラーを返しました: %v", err)
	}
	if n != 4 {
		t.Errorf("積まれたタスク数 = %d, want 4", n)
	}
	if want := time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC); !nextRun.Equal(want) {
		t.Errorf("次回実行時刻 = %v, want %v", nextRun, want)
	}
}

// TestScheduler_Tick_NothingDue は対象がない場合に何も積まないことを検証する。
func TestScheduler_Tick_NothingDue(t *testing.T) {
	logger, _ := newTestLogger()
	svc := &recordingService{key: model.KeyATSJob}
	pool := NewPool(2, 16, 0, nil, logger)
	s := newScheduler(t, &mockSyncJobRepo{}, svc, pool)

	n, err := s.Tick(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Tick = (%d, %v), want (0, nil)", n, err)
	}
}

// TestScheduler_Tick_ClaimError はスケジュール取得失敗をそのまま返すことを検証する。
func TestScheduler_Tick_ClaimError(t *testing.T) {
	logger, _ := newTestLogger()
	svc := &recordingService{key: model.KeyATSJob}
	jobs := &mockSyncJobRepo{
		claimDueFunc: func(ctx context.Context, now time.Time, next func(job *model.SyncJob) (time.Time, error)) ([]*model.SyncJob, error) {
			return nil, errors.New("db down")
		},
	}
	s := newScheduler(t, jobs, svc, NewPool(1, 4, 0, nil, logger))

	if _, err := s.Tick(context.Background()); err == nil {
		t.Fatal("エラーが返されるべきです")
	}
}

// TestPool_Run は積まれたタスクが全て実行されることを検証する。
func TestPool_Run(t *testing.T) {
	logger, _ := newTestLogger()
	svc := &recordingService{key: model.KeyATSJob}
	pool := NewPool(2, 16, time.Second, nil, logger)
	s := newScheduler(t, &mockSyncJobRepo{}, svc, pool)

	if _, err := s.FanOut(context.Background(), model.KeyATSJob, ""); err != nil {
		t.Fatalf("FanOut がエラーを返しました: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(svc.Calls()) < 4 {
		select {
		case <-deadline:
			t.Fatalf("タスクが完了しません: %v", svc.Calls())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	want := "greenhouse/lu-1,greenhouse/lu-2,jobfeed/lu-1,jobfeed/lu-2"
	if got := strings.Join(svc.Calls(), ","); got != want {
		t.Errorf("calls = %s, want %s", got, want)
	}
}

// TestPool_Run_ConcurrencyLimit は同時実行数が上限を超えないことを検証する。
func TestPool_Run_ConcurrencyLimit(t *testing.T) {
	logger, _ := newTestLogger()
	var running, peak, finished atomic.Int32
	svc := &recordingService{key: model.KeyATSJob}
	svc.syncFunc = func(ctx context.Context, provider, linkedUserID string) (*model.RunReport, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		finished.Add(1)
		return &model.RunReport{}, nil
	}
	pool := NewPool(2, 16, 0, nil, logger)
	for i := 0; i < 6; i++ {
		pool.Submit(Task{Key: model.KeyATSJob, Provider: "greenhouse", LinkedUserID: "lu", Service: svc})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for finished.Load() < 6 {
		select {
		case <-deadline:
			t.Fatal("タスクが完了しません")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if peak.Load() > 2 {
		t.Errorf("同時実行数の最大 = %d, 上限 2 を超えています", peak.Load())
	}
}

// TestPool_Execute_PanicRecovered はタスクのパニックが他のタスクに影響しないことを検証する。
func TestPool_Execute_PanicRecovered(t *testing.T) {
	logger, buf := newTestLogger()
	svc := &recordingService{key: model.KeyATSJob}
	svc.syncFunc = func(ctx context.Context, provider, linkedUserID string) (*model.RunReport, error) {
		if provider == "bad" {
			panic("boom")
		}
		return &model.RunReport{}, nil
	}
	pool := NewPool(1, 4, 0, nil, logger)

	pool.execute(context.Background(), Task{Key: model.KeyATSJob, Provider: "bad", LinkedUserID: "lu-1", Service: svc})
	pool.execute(context.Background(), Task{Key: model.KeyATSJob, Provider: "good", LinkedUserID: "lu-1", Service: svc})

	if len(svc.Calls()) != 2 {
		t.Errorf("呼び出し回数 = %d, want 2", len(svc.Calls()))
	}
	if !strings.Contains(buf.String(), "パニック") {
		t.Errorf("パニックのログが出力されていません: %s", buf.String())
	}
}

// TestPool_Execute_Timeout はタスクに時間制限が設定されることを検証する。
func TestPool_Execute_Timeout(t *testing.T) {
	logger, buf := newTestLogger()
	svc := &recordingService{key: model.KeyATSJob}
	svc.syncFunc = func(ctx context.Context, provider, linkedUserID string) (*model.RunReport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	pool := NewPool(1, 4, 20*time.Millisecond, nil, logger)

	start := time.Now()
	pool.execute(context.Background(), Task{Key: model.KeyATSJob, Provider: "slow", LinkedUserID: "lu-1", Service: svc})
	if time.Since(start) > time.Second {
		t.Error("時間制限が機能していません")
	}
	if !strings.Contains(buf.String(), "同期タスクが完了しませんでした") {
		t.Errorf("警告ログが出力されていません: %s", buf.String())
	}
}

// TestScheduler_Start_StopsOnCancel はStartがコンテキストのキャンセルで停止することを検証する。
func TestScheduler_Start_StopsOnCancel(t *testing.T) {
	logger, buf := newTestLogger()
	var ticks atomic.Int32
	jobs := &mockSyncJobRepo{
		claimDueFunc: func(ctx context.Context, now time.Time, next func(job *model.SyncJob) (time.Time, error)) ([]*model.SyncJob, error) {
			ticks.Add(1)
			return nil, nil
		},
	}
	svc := &recordingService{key: model.KeyATSJob}
	s := newScheduler(t, jobs, svc, NewPool(1, 4, 0, nil, logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(time.Second)
	for ticks.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("初回のトリガーが実行されていません")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start がキャンセル後に停止しません")
	}
	if !strings.Contains(buf.String(), "同期スケジューラを停止しました") {
		t.Errorf("停止ログが出力されていません: %s", buf.String())
	}
}
