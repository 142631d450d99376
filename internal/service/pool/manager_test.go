package pool_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tiankong-lab/multichat/backend/internal/model/account"
	"github.com/tiankong-lab/multichat/backend/internal/service/pool"
)

type fakeAccountCache struct {
	accounts map[string]account.Account
	err      error
}

func (f *fakeAccountCache) Get(_ context.Context, email string) (*account.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	acct, ok := f.accounts[email]
	if !ok {
		return nil, nil
	}
	return &acct, nil
}

func writeRoster(t *testing.T, accounts []account.Account) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.json")
	if err := account.SaveRoster(path, accounts); err != nil {
		t.Fatalf("write roster fixture: %v", err)
	}
	return path
}

func TestNewManagerLoadsRoster(t *testing.T) {
	path := writeRoster(t, []account.Account{
		{Email: "a@test.com", Password: "pw-a"},
		{Email: "b@test.com", Password: "pw-b"},
	})

	mgr, err := pool.NewManager(path, &fakeAccountCache{})
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}

	emails := mgr.Emails()
	if len(emails) != 2 || emails[0] != "a@test.com" || emails[1] != "b@test.com" {
		t.Fatalf("unexpected emails: %v", emails)
	}
}

func TestNewManagerRejectsEmptyRoster(t *testing.T) {
	path := writeRoster(t, []account.Account{})

	if _, err := pool.NewManager(path, &fakeAccountCache{}); err == nil {
		t.Fatal("expected an error for an empty roster")
	}
}

func TestResolveUnknownAccount(t *testing.T) {
	path := writeRoster(t, []account.Account{{Email: "a@test.com", Password: "pw"}})
	mgr, err := pool.NewManager(path, &fakeAccountCache{})
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}

	if _, err := mgr.Resolve("nobody@test.com"); !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateCredential(t *testing.T) {
	path := writeRoster(t, []account.Account{{Email: "a@test.com", Password: "pw"}})
	mgr, err := pool.NewManager(path, &fakeAccountCache{})
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}

	updated, err := mgr.UpdateCredential("a@test.com", "fresh-token", 1756700000)
	if err != nil {
		t.Fatalf("UpdateCredential err: %v", err)
	}
	if updated.AccessToken != "fresh-token" || updated.Expiry != 1756700000 {
		t.Fatalf("unexpected updated account: %+v", updated)
	}

	acct, err := mgr.Resolve("a@test.com")
	if err != nil {
		t.Fatalf("Resolve err: %v", err)
	}
	if acct.AccessToken != "fresh-token" {
		t.Fatalf("credential update not visible through Resolve: %+v", acct)
	}
}

func TestPersistRosterPrefersCachedCopy(t *testing.T) {
	path := writeRoster(t, []account.Account{
		{Email: "a@test.com", Password: "pw-a"},
		{Email: "b@test.com", Password: "pw-b"},
	})
	cache := &fakeAccountCache{accounts: map[string]account.Account{
		// 另一个 worker 刷新出来的凭证只在缓存里。
		"a@test.com": {Email: "a@test.com", Password: "pw-a", AccessToken: "cached-token", Expiry: 1756700000},
	}}
	mgr, err := pool.NewManager(path, cache)
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}

	if err := mgr.PersistRoster(context.Background()); err != nil {
		t.Fatalf("PersistRoster err: %v", err)
	}

	saved, err := account.LoadRoster(path)
	if err != nil {
		t.Fatalf("LoadRoster err: %v", err)
	}
	if saved[0].AccessToken != "cached-token" {
		t.Fatalf("expected the cached credential on disk, got %+v", saved[0])
	}
	if saved[1].AccessToken != "" {
		t.Fatalf("account without a cached copy should keep the in-memory state, got %+v", saved[1])
	}
}

func TestPersistRosterSurvivesCacheFailure(t *testing.T) {
	path := writeRoster(t, []account.Account{{Email: "a@test.com", Password: "pw"}})
	mgr, err := pool.NewManager(path, &fakeAccountCache{err: errors.New("redis down")})
	if err != nil {
		t.Fatalf("NewManager err: %v", err)
	}

	if _, err := mgr.UpdateCredential("a@test.com", "memory-token", 1756700000); err != nil {
		t.Fatalf("UpdateCredential err: %v", err)
	}
	if err := mgr.PersistRoster(context.Background()); err != nil {
		t.Fatalf("PersistRoster err: %v", err)
	}

	saved, err := account.LoadRoster(path)
	if err != nil {
		t.Fatalf("LoadRoster err: %v", err)
	}
	if saved[0].AccessToken != "memory-token" {
		t.Fatalf("expected the in-memory credential on disk, got %+v", saved[0])
	}
}
