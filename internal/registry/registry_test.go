package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hitoshi/syncman/internal/model"
)

type mockSyncService struct {
	key model.ResourceKey
}

func (m *mockSyncService) Key() model.ResourceKey { return m.key }

func (m *mockSyncService) SyncForLinkedUser(ctx context.Context, provider, linkedUserID string) (*model.RunReport, error) {
	return &model.RunReport{Key: m.key, Provider: provider, LinkedUserID: linkedUserID}, nil
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := New()
	svc := &mockSyncService{key: model.KeyATSJob}

	if err := r.Register(model.KeyATSJob, svc); err != nil {
		t.Fatalf("Registerに失敗: %v", err)
	}

	got, err := r.Resolve(model.KeyATSJob)
	if err != nil {
		t.Fatalf("Resolveに失敗: %v", err)
	}
	if got != svc {
		t.Error("登録したサービスが返されません")
	}
}

func TestRegistry_Resolve_Unregistered(t *testing.T) {
	r := New()

	_, err := r.Resolve(model.KeyTicketingContact)
	var nf *model.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *model.NotFoundError", err)
	}
	if nf.Key != "ticketing.contact" {
		t.Errorf("Key = %q, want %q", nf.Key, "ticketing.contact")
	}
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	r := New()
	r.Register(model.KeyATSJob, &mockSyncService{key: model.KeyATSJob})

	if err := r.Register(model.KeyATSJob, &mockSyncService{key: model.KeyATSJob}); err == nil {
		t.Error("二重登録はエラーになるべきです")
	}
}

func TestRegistry_Register_Nil(t *testing.T) {
	if err := New().Register(model.KeyATSJob, nil); err == nil {
		t.Error("nilの登録はエラーになるべきです")
	}
}

func TestRegistry_Freeze(t *testing.T) {
	r := New()
	r.Freeze()

	err := r.Register(model.KeyATSJob, &mockSyncService{key: model.KeyATSJob})
	if !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("err = %v, want ErrRegistryFrozen", err)
	}
}

func TestRegistry_Keys_Sorted(t *testing.T) {
	r := New()
	for _, k := range []model.ResourceKey{model.KeyTicketingContact, model.KeyATSJob, model.KeyFileStorageDrive} {
		r.Register(k, &mockSyncService{key: k})
	}

	keys := r.Keys()
	want := []string{"ats.job", "filestorage.drive", "ticketing.contact"}
	if len(keys) != len(want) {
		t.Fatalf("len(keys) = %d, want %d", len(keys), len(want))
	}
	for i, k := range keys {
		if k.String() != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, k, want[i])
		}
	}
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	r := New()
	r.Register(model.KeyATSJob, &mockSyncService{key: model.KeyATSJob})
	r.Freeze()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(model.KeyATSJob); err != nil {
				t.Errorf("並行Resolveに失敗: %v", err)
			}
		}()
	}
	wg.Wait()
}
