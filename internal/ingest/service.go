package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/syncman/internal/fieldmapping"
	"github.com/hitoshi/syncman/internal/lock"
	"github.com/hitoshi/syncman/internal/logger"
	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/registry"
	"github.com/hitoshi/syncman/internal/repository"
	"github.com/hitoshi/syncman/internal/unification"
)

// DefaultLockTimeout はDeps.LockTimeoutが0の場合のロック待機時間。
const DefaultLockTimeout = 30 * time.Second

// Deps はServiceが利用する共通の依存。全リソース種別で共有する。
type Deps struct {
	Connections repository.ConnectionRepository
	Locker      lock.Locker
	LockTimeout time.Duration
	Notifier    Notifier
	Recorder    RunRecorder
	Logger      *slog.Logger
}

// Service は1リソース種別の同期処理を行う。
// registry.SyncServiceを実装し、スケジューラからLinkedUser × プロバイダー単位で呼び出される。
type Service[R model.Record] struct {
	key    model.ResourceKey
	uow    repository.UnitOfWork[R]
	policy DedupPolicy[R]
	deps   Deps
	now    func() time.Time

	mu       sync.RWMutex
	adapters map[string]Adapter[R]
}

// NewService はServiceを生成する。
func NewService[R model.Record](key model.ResourceKey, uow repository.UnitOfWork[R], policy DedupPolicy[R], deps Deps) *Service[R] {
	if deps.LockTimeout <= 0 {
		deps.LockTimeout = DefaultLockTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service[R]{
		key:      key,
		uow:      uow,
		policy:   policy,
		deps:     deps,
		now:      time.Now,
		adapters: make(map[string]Adapter[R]),
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func (s *Service[R]) WithClock(now func() time.Time) *Service[R] {
	s.now = now
	return s
}

// Key はリソースキーを返す。
func (s *Service[R]) Key() model.ResourceKey {
	return s.key
}

// RegisterAdapter はプロバイダーのアダプタを登録する。同じプロバイダーの二重登録はエラーになる。
func (s *Service[R]) RegisterAdapter(a Adapter[R]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.adapters[a.Provider()]; ok {
		return fmt.Errorf("%s のアダプタ %s は登録済みです", s.key, a.Provider())
	}
	s.adapters[a.Provider()] = a
	return nil
}

// Providers は登録済みプロバイダーを名前順で返す。
func (s *Service[R]) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.adapters))
	for p := range s.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Service[R]) adapter(provider string) (Adapter[R], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[provider]
	return a, ok
}

// SyncForLinkedUser はLinkedUserのプロバイダー1件分を同期する。
// 戻り値のエラーはタスク全体の失敗または延期を示し、アイテム単位の失敗はレポートにのみ記録される。
// アダプタ未登録と接続なしはエラーを返さずにスキップとして記録する。
func (s *Service[R]) SyncForLinkedUser(ctx context.Context, provider, linkedUserID string) (*model.RunReport, error) {
	report := &model.RunReport{
		Key:          s.key,
		Provider:     provider,
		LinkedUserID: linkedUserID,
		StartedAt:    s.now().UTC(),
	}
	log := logger.ForSync(s.deps.Logger, s.key, provider, linkedUserID)

	err := s.run(ctx, log, report, provider, linkedUserID)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrUnregisteredAdapter), errors.Is(err, model.ErrNoConnection):
		log.Debug("同期対象がないためスキップしました", slog.String("reason", err.Error()))
		report.Status = model.RunStatusSkipped
		report.Err = err
		err = nil
	default:
		var lce *model.LockContentionError
		if errors.As(err, &lce) {
			log.Warn("ロックを取得できないため同期を延期しました",
				slog.String("lock_key", lce.LockKey),
				slog.Duration("waited", lce.Waited),
			)
			report.Status = model.RunStatusDeferred
		} else {
			log.Error("同期に失敗しました", slog.String("error", err.Error()))
			report.Status = model.RunStatusFailed
		}
		report.Err = err
	}

	report.Finalize(s.now().UTC())
	if s.deps.Recorder != nil {
		s.deps.Recorder.RecordRun(context.WithoutCancel(ctx), report)
	}

	if report.Status != model.RunStatusSkipped {
		log.Info("同期が完了しました",
			slog.String("status", string(report.Status)),
			slog.Int("created", report.Created),
			slog.Int("updated", report.Updated),
			slog.Int("failed", report.Failed),
			slog.Float64("duration_ms", float64(report.FinishedAt.Sub(report.StartedAt).Milliseconds())),
		)
	}
	return report, err
}

func (s *Service[R]) run(ctx context.Context, log *slog.Logger, report *model.RunReport, provider, linkedUserID string) error {
	adapter, ok := s.adapter(provider)
	if !ok {
		return fmt.Errorf("%s/%s: %w", provider, s.key, model.ErrUnregisteredAdapter)
	}

	conn, err := s.deps.Connections.FindActive(ctx, linkedUserID, provider, s.key.Category)
	if err != nil {
		return fmt.Errorf("接続の取得に失敗しました: %w", err)
	}
	if conn == nil {
		return fmt.Errorf("%s: %w", provider, model.ErrNoConnection)
	}
	report.ConnectionID = conn.ID
	log = log.With(slog.String("connection_id", conn.ID))

	defs, err := fieldmapping.New(s.uow.Read().FieldMappings).RemoteDefs(ctx, conn.ProjectID, s.key, provider)
	if err != nil {
		return err
	}

	raw, err := adapter.Fetch(ctx, model.SyncParam{
		LinkedUserID:    linkedUserID,
		ConnectionID:    conn.ID,
		Connection:      conn,
		CustomFieldDefs: defs,
	})
	if err != nil {
		return &model.ProviderFetchError{Provider: provider, Key: s.key, Err: err}
	}
	if len(raw) == 0 {
		log.Debug("取得したレコードはありません")
		return nil
	}

	records, err := unification.Unify[R](adapter, raw, conn.ID, defs)
	if err != nil {
		return err
	}

	lease, err := s.deps.Locker.Acquire(ctx, lock.SyncKey(conn.ID, s.key), s.deps.LockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Error("ロックの解放に失敗しました", slog.String("error", err.Error()))
		}
	}()

	persisted := make([]json.RawMessage, 0, len(records))
	// 同じ行に保存されたレコードは最後の値だけを通知する
	position := make(map[string]int, len(records))
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			// 残りのアイテムは次回のトリガーで再処理される
			return fmt.Errorf("%d 件目の処理前に中断しました: %w", i, err)
		}

		res := s.persistItem(ctx, conn, i, rec, raw[i])
		report.Record(res)
		if res.Err != nil {
			log.Warn("レコードの保存に失敗しました",
				slog.Int("index", i),
				slog.String("remote_id", res.RemoteID),
				slog.String("error", res.Err.Error()),
			)
			continue
		}

		b, err := json.Marshal(rec)
		if err != nil {
			log.Error("通知用レコードのエンコードに失敗しました", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		id := rec.Meta().ID
		if at, ok := position[id]; ok {
			persisted[at] = b
			continue
		}
		position[id] = len(persisted)
		persisted = append(persisted, b)
	}

	if len(persisted) > 0 && s.deps.Notifier != nil {
		event := &model.WebhookEvent{
			Event:        s.key.EventName(),
			ConnectionID: conn.ID,
			ProjectID:    conn.ProjectID,
			Records:      persisted,
		}
		if err := s.deps.Notifier.Notify(ctx, event); err != nil {
			log.Error("Webhookイベントの登録に失敗しました", slog.String("error", err.Error()))
			report.NotifyErr = err
		}
	}
	return nil
}

// persistItem は1件のレコードをトランザクション内で保存する。
// レコード・カスタムフィールド値・スナップショットは全て反映されるか全て破棄される。
func (s *Service[R]) persistItem(ctx context.Context, conn *model.Connection, index int, record R, raw model.RawRecord) model.ItemResult {
	meta := record.Meta()
	res := model.ItemResult{Index: index, RemoteID: meta.RemoteID}
	now := s.now().UTC()

	var outcome model.ItemOutcome
	err := s.uow.WithinTx(ctx, func(st repository.Stores[R]) error {
		var err error
		outcome, err = upsertRecord(ctx, st.Records, s.policy, s.key, index, record, now)
		if err != nil {
			return err
		}

		err = fieldmapping.New(st.FieldMappings).
			WithClock(func() time.Time { return now }).
			Persist(ctx, conn.ProjectID, s.key, meta.ID, meta.FieldMappings)
		if err != nil {
			return &model.PersistenceError{Op: "カスタムフィールドの保存", Err: err}
		}

		err = st.RemoteData.Upsert(ctx, &model.RemoteDataSnapshot{
			RecordID:   meta.ID,
			Key:        s.key,
			Payload:    raw,
			ModifiedAt: now,
		})
		if err != nil {
			return &model.PersistenceError{Op: "スナップショットの保存", Err: err}
		}
		return nil
	})
	if err != nil {
		var pe *model.PersistenceError
		var me *model.MissingRemoteIDError
		if !errors.As(err, &pe) && !errors.As(err, &me) {
			err = &model.PersistenceError{Op: "トランザクション", Err: err}
		}
		res.Outcome = model.ItemFailed
		res.Err = err
		return res
	}

	res.RecordID = meta.ID
	res.Outcome = outcome
	return res
}

var _ registry.SyncService = (*Service[*model.UnifiedJob])(nil)
