package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/syncman/internal/model"
	"github.com/hitoshi/syncman/internal/repository"
)

// upsertRecord はレコードを(接続, remote_id)で照合し、作成または更新する。
// 照合順序:
//  1. (connection_id, remote_id)
//  2. remote_idがない場合、ポリシーが許せば(connection_id, 自然キー)
//
// remote_idも自然キーもないレコードは*model.MissingRemoteIDErrorで失敗する。
//
// 見つかった場合はIDとcreated_atを引き継いで正規化項目を上書きする。
func upsertRecord[R model.Record](
	ctx context.Context,
	repo repository.RecordRepository[R],
	policy DedupPolicy[R],
	key model.ResourceKey,
	index int,
	record R,
	now time.Time,
) (model.ItemOutcome, error) {
	meta := record.Meta()

	var (
		existing R
		found    bool
		err      error
	)
	switch {
	case meta.RemoteID != "":
		existing, found, err = repo.FindByRemoteID(ctx, meta.ConnectionID, meta.RemoteID)
		if err != nil {
			return model.ItemFailed, &model.PersistenceError{Op: "remote_idによる照合", Err: err}
		}
	case policy.RequireRemoteID:
		return model.ItemFailed, &model.MissingRemoteIDError{Key: key, Index: index}
	case policy.NaturalKey != nil:
		nk := policy.NaturalKey(record)
		if nk == "" {
			// 照合できないレコードを作成すると同期のたびに重複する
			return model.ItemFailed, &model.MissingRemoteIDError{Key: key, Index: index}
		}
		existing, found, err = repo.FindByNaturalKey(ctx, meta.ConnectionID, nk)
		if err != nil {
			return model.ItemFailed, &model.PersistenceError{Op: "自然キーによる照合", Err: err}
		}
	}

	if found {
		prev := existing.Meta()
		meta.ID = prev.ID
		meta.CreatedAt = prev.CreatedAt
		meta.ModifiedAt = now
		if err := repo.Update(ctx, record); err != nil {
			return model.ItemFailed, &model.PersistenceError{Op: "レコードの更新", Err: err}
		}
		return model.ItemUpdated, nil
	}

	meta.ID = uuid.New().String()
	meta.CreatedAt = now
	meta.ModifiedAt = now
	if err := repo.Create(ctx, record); err != nil {
		return model.ItemFailed, &model.PersistenceError{Op: "レコードの作成", Err: err}
	}
	return model.ItemCreated, nil
}
