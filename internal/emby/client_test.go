package emby_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"emby-panel/internal/apperr"
	"emby-panel/internal/emby"
	"emby-panel/internal/emby/embytest"
	"emby-panel/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestUsersAreTaggedWithServer(t *testing.T) {
	fake := embytest.New(t, "Main")
	fake.AddUser("alice", embytest.LastActive(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))
	fake.AddUser("root", embytest.Admin())

	c := emby.NewClient(fake.Descriptor("s1"))
	users, err := c.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.Equal(t, "alice", users[0].Name)
	assert.Equal(t, "s1", users[0].ServerID)
	assert.Equal(t, "Main", users[0].ServerName)
	require.NotNil(t, users[0].LastActivityDate)
	assert.True(t, users[1].IsUpstreamAdministrator())
}

func TestWrongCredentialIsUpstreamError(t *testing.T) {
	fake := embytest.New(t, "Main")
	server := fake.Descriptor("s1")
	server.APIKey = "nope"

	_, err := emby.NewClient(server).Users(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Equal(t, http.StatusUnauthorized, emby.StatusOf(err))
	assert.Equal(t, "Access token is invalid or expired.", apperr.PublicMessage(err))
	assert.False(t, apperr.IsNetwork(err))
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err))
}

func TestUnreachableServerIsNetworkError(t *testing.T) {
	c := emby.NewClient(embytest.Unreachable(t, "down"), emby.WithTimeout(2*time.Second))

	_, err := c.Sessions(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.IsNetwork(err))
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
}

func TestHungServerTimesOut(t *testing.T) {
	c := emby.NewClient(embytest.Hung(t, "slow"), emby.WithTimeout(300*time.Millisecond))

	start := time.Now()
	_, err := c.Users(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, apperr.IsNetwork(err))
	assert.Equal(t, http.StatusBadGateway, apperr.HTTPStatus(err))
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestServerErrorIsTransient(t *testing.T) {
	fake := embytest.New(t, "Main")
	fake.Fail(http.MethodGet, "/Users", http.StatusInternalServerError)

	_, err := emby.NewClient(fake.Descriptor("s1")).Users(context.Background())
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.True(t, e.Transient)
	assert.False(t, e.Network)
}

func TestMissingUserIsNotFound(t *testing.T) {
	fake := embytest.New(t, "Main")
	_, err := emby.NewClient(fake.Descriptor("s1")).User(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSetDisabledPreservesUnknownPolicyFields(t *testing.T) {
	fake := embytest.New(t, "Main")
	id := fake.AddUser("bob", embytest.Folders("lib-1"))
	c := emby.NewClient(fake.Descriptor("s1"))
	ctx := context.Background()

	require.NoError(t, c.SetDisabled(ctx, id, true))
	policy := fake.Policy(id)
	assert.Equal(t, true, policy["IsDisabled"])
	assert.Equal(t, true, policy["EnableRemoteAccess"])
	assert.Equal(t, []any{"lib-1"}, policy["EnabledFolders"])

	require.NoError(t, c.SetDisabled(ctx, id, false))
	assert.False(t, fake.IsDisabled(id))
}

func TestDisableLogsOutSessionsFirst(t *testing.T) {
	fake := embytest.New(t, "Main")
	id := fake.AddUser("bob")
	fake.AddSession(id, embytest.Playing("Movie"))
	fake.AddSession(id)
	other := fake.AddUser("carol")
	fake.AddSession(other)

	require.NoError(t, emby.NewClient(fake.Descriptor("s1")).SetDisabled(context.Background(), id, true))

	assert.Zero(t, fake.SessionCount(id))
	assert.Equal(t, 1, fake.SessionCount(other))
	assert.True(t, fake.IsDisabled(id))
}

func TestStopPlaybackWithoutPlaybackIsNotAnError(t *testing.T) {
	fake := embytest.New(t, "Main")
	id := fake.AddUser("bob")
	session := fake.AddSession(id)

	c := emby.NewClient(fake.Descriptor("s1"))
	assert.NoError(t, c.StopPlayback(context.Background(), session))
	assert.NoError(t, c.StopPlayback(context.Background(), "gone"))
}

func TestForceLogoutContinuesPastFailedSteps(t *testing.T) {
	fake := embytest.New(t, "Main")
	id := fake.AddUser("bob")
	session := fake.AddSession(id, embytest.Playing("Show"))
	fake.Fail(http.MethodPost, "/Sessions/"+session+"/Command", http.StatusNotImplemented)
	fake.Fail(http.MethodPost, "/Sessions/"+session+"/Message", http.StatusInternalServerError)

	core, logs := observer.New(zap.InfoLevel)
	c := emby.NewClient(fake.Descriptor("s1"), emby.WithLogger(zap.New(core)))
	report := c.ForceLogout(context.Background(), session)

	assert.ElementsMatch(t, []string{"message", "close_app"}, report.Failed())
	step, ok := report.Step("logout")
	require.True(t, ok)
	assert.True(t, step.OK)
	assert.Zero(t, fake.SessionCount(id))

	warned := logs.FilterMessage("force logout partially failed").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zap.WarnLevel, warned[0].Level)
	assert.Equal(t, session, warned[0].ContextMap()["session_id"])
}

func TestDeleteUserLogsOutBeforeDeleting(t *testing.T) {
	fake := embytest.New(t, "Main")
	id := fake.AddUser("bob")
	session := fake.AddSession(id)

	require.NoError(t, emby.NewClient(fake.Descriptor("s1")).DeleteUser(context.Background(), id))
	assert.False(t, fake.HasUser(id))

	calls := fake.Calls()
	logoutAt, deleteAt := -1, -1
	for i, call := range calls {
		switch call {
		case "DELETE /Sessions/Logout":
			logoutAt = i
		case "DELETE /Users/" + id:
			deleteAt = i
		}
	}
	require.NotEqual(t, -1, logoutAt, "session %s was not logged out", session)
	assert.Less(t, logoutAt, deleteAt)
}

func TestCreateUserClonesTemplate(t *testing.T) {
	fake := embytest.New(t, "Main")
	tpl := fake.AddUser("1 Pantalla", embytest.Folders("lib-1", "lib-2"), embytest.Config("SubtitleMode", "Always"))
	fake.SetDisplayPrefs(tpl, "webclient", map[string]any{"homesection0": "resume"})
	fake.SetDisplayPrefs(tpl, "android", map[string]any{"homesection0": "latest"})
	fake.Fail(http.MethodPost, "/DisplayPreferences/usersettings", http.StatusInternalServerError)

	c := emby.NewClient(fake.Descriptor("s1"))
	user, report, err := c.CreateUser(context.Background(), emby.NewUser{
		Name:      "dave",
		Password:  "secret1",
		Template:  "1 pantalla",
		Libraries: emby.LibrariesTemplate,
	})
	require.NoError(t, err)
	require.NotNil(t, user)

	assert.Equal(t, "dave", user.Name)
	assert.False(t, user.Policy.EnableAllFolders)
	assert.Equal(t, []string{"lib-1", "lib-2"}, user.Policy.EnabledFolders)
	assert.Equal(t, "Always", fake.Configuration(user.ID)["SubtitleMode"])
	assert.Equal(t, "secret1", fake.Password(user.ID))

	// Both display preference copies failed, neither aborted the other or the account.
	assert.ElementsMatch(t, []string{"display_preferences:webclient", "display_preferences:android"}, report.Failed())
	step, ok := report.Step("policy")
	require.True(t, ok)
	assert.True(t, step.OK)
}

func TestCreateUserWithMissingTemplate(t *testing.T) {
	fake := embytest.New(t, "Main")
	c := emby.NewClient(fake.Descriptor("s1"))

	user, report, err := c.CreateUser(context.Background(), emby.NewUser{Name: "erin", Template: "Gold"})
	require.NoError(t, err)
	assert.True(t, fake.HasUser(user.ID))
	assert.True(t, user.Policy.EnableAllFolders)
	assert.Equal(t, []string{"template_lookup"}, report.Failed())
	_, cloned := report.Step("policy")
	assert.False(t, cloned)
}

func TestCreateUserAppliesOverrides(t *testing.T) {
	fake := embytest.New(t, "Main")
	c := emby.NewClient(fake.Descriptor("s1"))
	admin := true

	user, _, err := c.CreateUser(context.Background(), emby.NewUser{
		Name:      "frank",
		IsAdmin:   &admin,
		Libraries: emby.LibrariesSelected,
		Folders:   []string{"lib-9"},
	})
	require.NoError(t, err)
	assert.True(t, user.Policy.IsAdministrator)
	assert.False(t, user.Policy.EnableAllFolders)
	assert.Equal(t, []string{"lib-9"}, user.Policy.EnabledFolders)
}

func TestCreateDuplicateNameSurfacesUpstreamMessage(t *testing.T) {
	fake := embytest.New(t, "Main")
	fake.AddUser("gina")

	_, _, err := emby.NewClient(fake.Descriptor("s1")).CreateUser(context.Background(), emby.NewUser{Name: "gina"})
	require.Error(t, err)
	assert.Contains(t, apperr.PublicMessage(err), "already exists")
}

func TestUpdateUserAndPassword(t *testing.T) {
	fake := embytest.New(t, "Main")
	id := fake.AddUser("hank")
	c := emby.NewClient(fake.Descriptor("s1"))
	ctx := context.Background()

	require.NoError(t, c.UpdateUser(ctx, id, "henry"))
	require.NoError(t, c.UpdatePassword(ctx, id, "n3wpass"))
	assert.Equal(t, "henry", fake.Name(id))
	assert.Equal(t, "n3wpass", fake.Password(id))
}

func TestConnectLinking(t *testing.T) {
	fake := embytest.New(t, "Main")
	id := fake.AddUser("ivy")
	c := emby.NewClient(fake.Descriptor("s1"))
	ctx := context.Background()

	err := c.LinkConnect(ctx, id, "not-an-email")
	require.Error(t, err)
	assert.Equal(t, "connect email is invalid or already in use", apperr.PublicMessage(err))

	require.NoError(t, c.LinkConnect(ctx, id, "ivy@example.com"))
	assert.Equal(t, "ivy@example.com", fake.ConnectUser(id))

	require.NoError(t, c.UnlinkConnect(ctx, id))
	assert.Empty(t, fake.ConnectUser(id))
}

func TestLibrariesAndSystemInfo(t *testing.T) {
	fake := embytest.New(t, "Main")
	fake.AddLibrary("lib-1", "Movies", "movies")
	c := emby.NewClient(fake.Descriptor("s1"))

	libs, err := c.Libraries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Library{{ItemID: "lib-1", Name: "Movies", CollectionType: "movies"}}, libs)

	info, err := c.SystemInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Main", info.ServerName)
	assert.NotEmpty(t, info.Version)
}

func TestFanOutDropsFailingServer(t *testing.T) {
	a := embytest.New(t, "A")
	a.AddUser("one")
	a.AddUser("two")
	b := embytest.New(t, "B")
	b.AddUser("three")

	servers := []model.Server{
		a.Descriptor("a"),
		embytest.Unreachable(t, "down"),
		b.Descriptor("b"),
	}
	users, failures := emby.FanOut(context.Background(), servers, emby.NewFactory(emby.WithTimeout(2*time.Second)),
		func(ctx context.Context, c *emby.Client) ([]model.Account, error) {
			return c.Users(ctx)
		})

	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.ServerID+"/"+u.Name)
	}
	assert.Equal(t, []string{"a/one", "a/two", "b/three"}, names)
	require.Len(t, failures, 1)
	assert.Equal(t, "down", failures[0].ServerID)
}
