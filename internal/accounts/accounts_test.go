package accounts_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"emby-panel/internal/access"
	"emby-panel/internal/accounts"
	"emby-panel/internal/apperr"
	"emby-panel/internal/database"
	"emby-panel/internal/emby"
	"emby-panel/internal/emby/embytest"
	"emby-panel/internal/identity"
	"emby-panel/internal/ledger"
	"emby-panel/internal/model"
	"emby-panel/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2025, 1, 20, 9, 30, 0, 0, time.UTC)

func clock() time.Time { return now }

type invalidations struct{ servers []string }

func (i *invalidations) Invalidate(serverID string) { i.servers = append(i.servers, serverID) }

// brokenLedger fails every write after the upstream mutation.
type brokenLedger struct{ *ledger.Ledger }

var errLedger = apperr.Persistence("failed to write subscription", errors.New("disk full"))

func (brokenLedger) SetCreator(context.Context, string, string, string) (*model.Subscription, error) {
	return nil, errLedger
}

func (brokenLedger) SetExpiration(context.Context, string, string, time.Time, *string) (*model.Subscription, error) {
	return nil, errLedger
}

func (brokenLedger) Delete(context.Context, string, string) error {
	return errLedger
}

type fixture struct {
	svc    *accounts.Service
	ledger *ledger.Ledger
	up     *embytest.Server
	cache  *invalidations
	admin  *access.Actor
	r      *access.Actor
	q      *access.Actor
}

func setup(t *testing.T, wrap func(*ledger.Ledger) accounts.Ledger) *fixture {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	up := embytest.New(t, "Main")
	for _, server := range []model.Server{up.Descriptor("s1"), embytest.Unreachable(t, "s2")} {
		require.NoError(t, db.Create(&server).Error)
	}
	for _, u := range []model.PanelUser{
		{ID: "adm", Username: "admin", PasswordHash: "x", Name: "Administrator", Role: model.RoleAdmin},
		{ID: "r", Username: "reseller-r", PasswordHash: "x", Name: "R", Role: model.RoleReseller},
		{ID: "q", Username: "reseller-q", PasswordHash: "x", Name: "Q", Role: model.RoleReseller},
	} {
		require.NoError(t, db.Create(&u).Error)
	}

	log := zap.NewNop()
	l := ledger.New(db, log, ledger.WithClock(clock))
	control := access.New("test-secret", time.Hour, identity.New(db, log), l, access.WithClock(clock))
	var store accounts.Ledger = l
	if wrap != nil {
		store = wrap(l)
	}
	cache := &invalidations{}
	svc := accounts.New(registry.New(db, log), store, control, cache, log, accounts.WithClock(clock))

	return &fixture{
		svc:    svc,
		ledger: l,
		up:     up,
		cache:  cache,
		admin:  &access.Actor{ID: "adm", Username: "admin", Role: model.RoleAdmin},
		r:      &access.Actor{ID: "r", Username: "reseller-r", Role: model.RoleReseller},
		q:      &access.Actor{ID: "q", Username: "reseller-q", Role: model.RoleReseller},
	}
}

func ptr[T any](v T) *T { return &v }

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestResellerOwnershipScenario(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, f.r, accounts.CreateRequest{
		ServerID:       "s1",
		Name:           "yolanda",
		Password:       "secret1",
		ExpirationDate: day(2025, 2, 20),
	})
	require.NoError(t, err)
	y := created.Account.ID

	sub, err := f.ledger.Get(ctx, y, "s1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "r", sub.CreatedByID())
	require.NotNil(t, sub.ExpirationDate)
	assert.True(t, sub.ExpirationDate.Equal(*day(2025, 2, 20)))

	_, err = f.svc.Edit(ctx, f.admin, "s1", y, accounts.EditRequest{Name: ptr("yoli")})
	require.NoError(t, err)
	assert.Equal(t, "yoli", f.up.Name(y))

	_, err = f.svc.Edit(ctx, f.q, "s1", y, accounts.EditRequest{Name: ptr("stolen")})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	assert.Equal(t, "yoli", f.up.Name(y))

	_, err = f.svc.Edit(ctx, f.r, "s1", y, accounts.EditRequest{Password: ptr("changed1")})
	require.NoError(t, err)
	assert.Equal(t, "changed1", f.up.Password(y))
}

func TestCreateWithMissingTemplate(t *testing.T) {
	f := setup(t, nil)

	result, err := f.svc.Create(context.Background(), f.admin, accounts.CreateRequest{
		ServerID:       "s1",
		Name:           "zack",
		ExpirationDate: day(2025, 3, 1),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.True(t, f.up.HasUser(result.Account.ID))
	assert.True(t, result.Account.Policy.EnableAllFolders)

	step, ok := result.Report.Step("template_lookup")
	require.True(t, ok)
	assert.False(t, step.OK)
	assert.Contains(t, step.Error, accounts.DefaultTemplate)
	_, cloned := result.Report.Step("policy")
	assert.False(t, cloned)
	assert.Equal(t, []string{"template_lookup"}, result.Report.Failed())
	assert.Equal(t, []string{"s1"}, f.cache.servers)
}

func TestCreateClonesDefaultTemplate(t *testing.T) {
	f := setup(t, nil)
	f.up.AddUser(accounts.DefaultTemplate, embytest.Folders("lib-1"))

	result, err := f.svc.Create(context.Background(), f.r, accounts.CreateRequest{
		ServerID:       "s1",
		Name:           "carla",
		Libraries:      emby.LibrariesTemplate,
		ExpirationDate: day(2025, 3, 1),
	})
	require.NoError(t, err)
	assert.False(t, result.Account.Policy.EnableAllFolders)
	assert.Equal(t, []string{"lib-1"}, result.Account.Policy.EnabledFolders)
	assert.Empty(t, result.Report.Failed())
}

func TestCreateValidation(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   accounts.CreateRequest
		field string
	}{
		{"short name", accounts.CreateRequest{ServerID: "s1", Name: "  ab  ", ExpirationDate: day(2025, 3, 1)}, "name"},
		{"short password", accounts.CreateRequest{ServerID: "s1", Name: "abc", Password: "12345", ExpirationDate: day(2025, 3, 1)}, "password"},
		{"missing expiration", accounts.CreateRequest{ServerID: "s1", Name: "abc"}, "expiration_date"},
		{"past expiration", accounts.CreateRequest{ServerID: "s1", Name: "abc", ExpirationDate: day(2025, 1, 19)}, "expiration_date"},
		{"unknown library mode", accounts.CreateRequest{ServerID: "s1", Name: "abc", Libraries: "some", ExpirationDate: day(2025, 3, 1)}, "libraries"},
		{"selected without folders", accounts.CreateRequest{ServerID: "s1", Name: "abc", Libraries: emby.LibrariesSelected, ExpirationDate: day(2025, 3, 1)}, "folders"},
		{"missing server", accounts.CreateRequest{Name: "abc", ExpirationDate: day(2025, 3, 1)}, "server_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, f.admin, tt.req)
			require.Error(t, err)
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.KindValidation, e.Kind)
			assert.Equal(t, tt.field, e.Field)
		})
	}
	assert.NotContains(t, f.up.Calls(), "POST /Users/New")
}

func TestCreateExpiringTodayIsAllowed(t *testing.T) {
	f := setup(t, nil)
	_, err := f.svc.Create(context.Background(), f.admin, accounts.CreateRequest{
		ServerID:       "s1",
		Name:           "today",
		ExpirationDate: day(2025, 1, 20),
	})
	require.NoError(t, err)
}

func TestCreateRejections(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	req := accounts.CreateRequest{ServerID: "s1", Name: "abc", ExpirationDate: day(2025, 3, 1)}

	_, err := f.svc.Create(ctx, nil, req)
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))

	admin := req
	admin.IsAdmin = ptr(true)
	_, err = f.svc.Create(ctx, f.r, admin)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	unknown := req
	unknown.ServerID = "nope"
	_, err = f.svc.Create(ctx, f.admin, unknown)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	f.up.AddUser("abc")
	_, err = f.svc.Create(ctx, f.admin, req)
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
}

func TestCreateEnrichmentFailuresAreIsolated(t *testing.T) {
	f := setup(t, func(l *ledger.Ledger) accounts.Ledger { return brokenLedger{l} })

	result, err := f.svc.Create(context.Background(), f.r, accounts.CreateRequest{
		ServerID:       "s1",
		Name:           "isolated",
		Email:          "not-an-email",
		ExpirationDate: day(2025, 3, 1),
	})
	require.NoError(t, err)
	assert.True(t, f.up.HasUser(result.Account.ID))
	assert.Nil(t, result.Subscription)
	assert.ElementsMatch(t,
		[]string{"template_lookup", "connect_link", "register_creator", "set_expiration"},
		result.Report.Failed())
}

func TestCreateLinksConnect(t *testing.T) {
	f := setup(t, nil)

	result, err := f.svc.Create(context.Background(), f.admin, accounts.CreateRequest{
		ServerID:       "s1",
		Name:           "linked",
		Email:          "linked@example.com",
		ExpirationDate: day(2025, 3, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, "linked@example.com", f.up.ConnectUser(result.Account.ID))
	assert.True(t, result.Account.HasConnect())
}

func TestEditConnect(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	id := f.up.AddUser("ivy", embytest.Connect("old@example.com"))

	_, err := f.svc.Edit(ctx, f.admin, "s1", id, accounts.EditRequest{Email: ptr("new@example.com")})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", f.up.ConnectUser(id))

	account, err := f.svc.Edit(ctx, f.admin, "s1", id, accounts.EditRequest{Email: ptr("")})
	require.NoError(t, err)
	assert.Empty(t, f.up.ConnectUser(id))
	assert.False(t, account.HasConnect())

	_, err = f.svc.Edit(ctx, f.admin, "s1", id, accounts.EditRequest{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.Edit(ctx, f.admin, "s1", "missing", accounts.EditRequest{Name: ptr("whoever")})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDelete(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	id := f.up.AddUser("doomed")
	session := f.up.AddSession(id, embytest.Playing("Heat"))
	_, err := f.ledger.SetCreator(ctx, id, "s1", "r")
	require.NoError(t, err)

	err = f.svc.Delete(ctx, f.q, "s1", id)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	assert.True(t, f.up.HasUser(id))

	require.NoError(t, f.svc.Delete(ctx, f.r, "s1", id))
	assert.False(t, f.up.HasUser(id))
	assert.Equal(t, 0, f.up.SessionCount(id), "session %s left open", session)

	sub, err := f.ledger.Get(ctx, id, "s1")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestDeleteSucceedsWhenLedgerFails(t *testing.T) {
	f := setup(t, func(l *ledger.Ledger) accounts.Ledger { return brokenLedger{l} })
	id := f.up.AddUser("doomed")

	require.NoError(t, f.svc.Delete(context.Background(), f.admin, "s1", id))
	assert.False(t, f.up.HasUser(id))
}

func TestUpstreamAdministratorsAreExempt(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	id := f.up.AddUser("root", embytest.Admin())

	err := f.svc.Toggle(ctx, f.admin, "s1", id, false)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	assert.False(t, f.up.IsDisabled(id))

	err = f.svc.Delete(ctx, f.admin, "s1", id)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	assert.True(t, f.up.HasUser(id))
}

func TestToggle(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	id := f.up.AddUser("flip")
	f.up.AddSession(id, embytest.Playing("Heat"))

	require.NoError(t, f.svc.Toggle(ctx, f.admin, "s1", id, false))
	assert.True(t, f.up.IsDisabled(id))
	assert.Equal(t, 0, f.up.SessionCount(id))

	require.NoError(t, f.svc.Toggle(ctx, f.admin, "s1", id, true))
	assert.False(t, f.up.IsDisabled(id))

	err := f.svc.Toggle(ctx, f.r, "s1", id, false)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
}

func TestSetExpirationAndExtend(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	id := f.up.AddUser("sub")

	sub, err := f.svc.SetExpiration(ctx, f.admin, "s1", id, *day(2025, 1, 10))
	require.NoError(t, err)
	assert.True(t, sub.ExpirationDate.Equal(*day(2025, 1, 10)))
	assert.Equal(t, "adm", sub.CreatedByID())

	sub, err = f.svc.Extend(ctx, f.admin, "s1", id, 2)
	require.NoError(t, err)
	assert.True(t, sub.ExpirationDate.Equal(*day(2025, 3, 10)))

	sub, err = f.svc.Extend(ctx, f.admin, "s1", id, 0)
	require.NoError(t, err)
	assert.True(t, sub.ExpirationDate.Equal(*day(2025, 4, 10)))

	_, err = f.svc.Extend(ctx, f.admin, "s1", id, -1)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.SetExpiration(ctx, f.admin, "s1", id, time.Time{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.SetExpiration(ctx, f.r, "s1", id, *day(2025, 6, 1))
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	_, err = f.svc.SetExpiration(ctx, f.admin, "s1", "missing", *day(2025, 6, 1))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSetExpirationKeepsExistingCreator(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	id := f.up.AddUser("owned")
	_, err := f.ledger.SetCreator(ctx, id, "s1", "r")
	require.NoError(t, err)

	sub, err := f.svc.SetExpiration(ctx, f.admin, "s1", id, *day(2025, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, "r", sub.CreatedByID())

	stored, err := f.ledger.Get(ctx, id, "s1")
	require.NoError(t, err)
	assert.Equal(t, "r", stored.CreatedByID())
	assert.True(t, stored.ExpirationDate.Equal(*day(2025, 5, 1)))
}

func TestLedgerEditsNeedReachableServer(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.svc.SetExpiration(ctx, f.admin, "s2", "ghost", *day(2025, 5, 1))
	require.Error(t, err)
	assert.True(t, apperr.IsNetwork(err))

	_, err = f.svc.Extend(ctx, f.admin, "s2", "ghost", 1)
	assert.True(t, apperr.IsNetwork(err))

	sub, err := f.ledger.Get(ctx, "ghost", "s2")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestSessions(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	id := f.up.AddUser("viewer")
	session := f.up.AddSession(id, embytest.Playing("Heat"), embytest.RemoteControl())

	require.NoError(t, f.svc.StopSession(ctx, f.r, "s1", session))
	assert.Contains(t, f.up.Calls(), "POST /Sessions/"+session+"/Playing/Stop")

	_, err := f.svc.ForceLogoutSession(ctx, f.r, "s1", session)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	f.up.Fail(http.MethodPost, "/Sessions/"+session+"/Message", http.StatusInternalServerError)
	report, err := f.svc.ForceLogoutSession(ctx, f.admin, "s1", session)
	require.NoError(t, err)
	assert.Equal(t, []string{"message"}, report.Failed())
	assert.Equal(t, 0, f.up.SessionCount(id))

	err = f.svc.StopSession(ctx, nil, "s1", session)
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))
}

func TestLibraries(t *testing.T) {
	f := setup(t, nil)
	f.up.AddLibrary("lib-1", "Movies", "movies")

	libs, err := f.svc.Libraries(context.Background(), f.r, "s1")
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, "Movies", libs[0].Name)

	_, err = f.svc.Libraries(context.Background(), f.r, "s9")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
