package client

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigspider/rpsledger/rpsgame"
	"github.com/bigspider/rpsledger/server"
)

func testLogger(t *testing.T) slog.Logger {
	t.Helper()
	log := slog.NewBackend(os.Stdout).Logger("TEST")
	if testing.Verbose() {
		log.SetLevel(slog.LevelDebug)
	} else {
		log.SetLevel(slog.LevelCritical)
	}
	return log
}

// syncHarness runs a real ledger server behind httptest plus one synchronizer
// per named account, all sharing an adjustable clock.
type syncHarness struct {
	ts  *httptest.Server
	now time.Time
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()
	h := &syncHarness{now: time.Unix(1_700_000_000, 0)}
	srv, err := server.NewServer(server.ServerConfig{
		ListenAddr: "127.0.0.1:0",
		PriceAtoms: 100,
		BondAtoms:  10,
		Window:     time.Minute,
		Log:        testLogger(t),
		Clock:      func() time.Time { return h.now },
	})
	require.NoError(t, err)
	h.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(h.ts.Close)
	return h
}

func (h *syncHarness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *syncHarness) newSync(t *testing.T, account string) *StateSync {
	t.Helper()
	c, err := NewClient(ClientCfg{ServerAddr: h.ts.URL, Log: testLogger(t)})
	require.NoError(t, err)
	secrets, err := OpenSecretStore(filepath.Join(t.TempDir(), account+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { secrets.Close() })

	s, err := NewStateSync(StateSyncCfg{
		Client:   c,
		Secrets:  secrets,
		Accounts: StaticAccount(account),
		Clock:    func() time.Time { return h.now },
		Log:      testLogger(t),
	})
	require.NoError(t, err)
	return s
}

func TestStateSync_ReloadState(t *testing.T) {
	h := newSyncHarness(t)
	s := h.newSync(t, "alice")
	ctx := context.Background()

	assert.False(t, s.View().Ready, "view starts not ready")

	s.ReloadState(ctx, true)
	v := s.View()
	assert.True(t, v.Ready)
	assert.Equal(t, "alice", v.Account)
	assert.Equal(t, rpsgame.PhaseInit, v.Game.Phase)
	assert.EqualValues(t, 100, v.PriceAtoms)
	assert.EqualValues(t, 10, v.BondAtoms)
	assert.Equal(t, time.Minute, v.Window)

	// An unchanged reload does not signal an update.
	select {
	case <-s.UpdatesCh:
	default:
		t.Fatal("expected an update signal after the first load")
	}
	s.ReloadState(ctx, false)
	select {
	case <-s.UpdatesCh:
		t.Fatal("unchanged reload must not signal an update")
	default:
	}
}

func TestStateSync_ReloadState_ServerGone(t *testing.T) {
	h := newSyncHarness(t)
	s := h.newSync(t, "alice")
	ctx := context.Background()

	s.ReloadState(ctx, true)
	require.True(t, s.View().Ready)

	// A failed fetch keeps the previous view so the UI does not flash.
	h.ts.Close()
	s.ReloadState(ctx, false)
	assert.True(t, s.View().Ready)
	assert.Equal(t, "alice", s.View().Account)
}

// Two synchronized clients play a complete game against one real ledger.
func TestStateSync_FullGame(t *testing.T) {
	h := newSyncHarness(t)
	alice := h.newSync(t, "alice")
	bob := h.newSync(t, "bob")
	ctx := context.Background()

	alice.ReloadState(ctx, true)
	bob.ReloadState(ctx, true)

	require.NoError(t, alice.Register(ctx))
	require.NoError(t, bob.Register(ctx))

	// Both sides observe the commit phase after their own refetch.
	alice.ReloadState(ctx, false)
	v := alice.View()
	assert.Equal(t, rpsgame.PhaseCommit, v.Game.Phase)
	assert.Equal(t, [2]string{"alice", "bob"}, v.Game.Players)

	// Registering twice fails the ledger's guard, surfaced as the sentinel.
	assert.ErrorIs(t, alice.Register(ctx), rpsgame.ErrAlreadyRegistered)

	require.NoError(t, alice.CommitMove(ctx, rpsgame.Paper))
	require.NoError(t, bob.CommitMove(ctx, rpsgame.Rock))

	bob.ReloadState(ctx, false)
	require.Equal(t, rpsgame.PhaseReveal, bob.View().Game.Phase)

	require.NoError(t, alice.RevealMove(ctx))
	require.NoError(t, bob.RevealMove(ctx))

	// Game over: the slot reset and the result is in lastGame.
	v = bob.View()
	assert.Equal(t, rpsgame.PhaseInit, v.Game.Phase)
	assert.EqualValues(t, 2, v.Game.GameNumber)
	require.NotNil(t, v.LastGame)
	assert.Equal(t, 0, v.LastGame.Winner, "paper beats rock")
	assert.Equal(t, rpsgame.ReasonNormal, v.LastGame.Reason)
	assert.Equal(t, [2]rpsgame.Choice{rpsgame.Paper, rpsgame.Rock}, v.LastGame.Choices)
}

func TestStateSync_CommitGuards(t *testing.T) {
	h := newSyncHarness(t)
	s := h.newSync(t, "alice")
	ctx := context.Background()
	s.ReloadState(ctx, true)

	assert.Error(t, s.CommitMove(ctx, rpsgame.Choice(9)))
	assert.ErrorIs(t, s.CommitMove(ctx, rpsgame.Rock), rpsgame.ErrNotAPlayer,
		"cannot commit before registering")
	assert.ErrorIs(t, s.RevealMove(ctx), rpsgame.ErrNotAPlayer)
}

// A player whose secret store lost the nonce cannot reveal; the failure is
// local and terminal for the game.
func TestStateSync_RevealWithoutSecret(t *testing.T) {
	h := newSyncHarness(t)
	alice := h.newSync(t, "alice")
	bob := h.newSync(t, "bob")
	ctx := context.Background()

	alice.ReloadState(ctx, true)
	bob.ReloadState(ctx, true)
	require.NoError(t, alice.Register(ctx))
	require.NoError(t, bob.Register(ctx))
	alice.ReloadState(ctx, false)
	bob.ReloadState(ctx, false)
	require.NoError(t, alice.CommitMove(ctx, rpsgame.Rock))
	require.NoError(t, bob.CommitMove(ctx, rpsgame.Scissors))

	// Simulate the loss with a fresh synchronizer whose store is empty.
	amnesiac := h.newSync(t, "bob")
	amnesiac.ReloadState(ctx, true)
	assert.ErrorIs(t, amnesiac.RevealMove(ctx), ErrSecretMissing)

	// The opponent can still reveal and, after the window, claim forfeiture.
	require.NoError(t, alice.RevealMove(ctx))

	assert.False(t, alice.CanForfeit())
	h.advance(time.Minute + time.Second)
	assert.True(t, alice.CanForfeit())
	require.NoError(t, alice.ForfeitGame(ctx))

	v := alice.View()
	require.NotNil(t, v.LastGame)
	assert.Equal(t, 0, v.LastGame.Winner)
	assert.Equal(t, rpsgame.ReasonForfeit, v.LastGame.Reason)
}

func TestStateSync_Abort(t *testing.T) {
	h := newSyncHarness(t)
	s := h.newSync(t, "alice")
	ctx := context.Background()
	s.ReloadState(ctx, true)

	require.NoError(t, s.Register(ctx))
	s.ReloadState(ctx, false)

	assert.False(t, s.CanAbort(), "window still open")
	assert.ErrorIs(t, s.AbortGame(ctx), rpsgame.ErrTimeoutNotReached)

	h.advance(time.Minute + time.Second)
	assert.True(t, s.CanAbort())
	require.NoError(t, s.AbortGame(ctx))

	v := s.View()
	assert.Equal(t, rpsgame.PhaseInit, v.Game.Phase)
	require.NotNil(t, v.LastGame)
	assert.Equal(t, rpsgame.ReasonAbort, v.LastGame.Reason)
}

// Run drives reconciliation on its own: the event stream and the poll both
// converge the view without explicit reloads.
func TestStateSync_RunConverges(t *testing.T) {
	h := newSyncHarness(t)
	alice := h.newSync(t, "alice")
	alice.poll = 25 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		alice.Run(ctx)
	}()

	waitFor := func(cond func(View) bool, what string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			if cond(alice.View()) {
				return
			}
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for %s", what)
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	waitFor(func(v View) bool { return v.Ready }, "initial load")

	// A second party acts through its own client; alice's background
	// reconciliation picks the changes up.
	bob := h.newSync(t, "bob")
	bob.ReloadState(context.Background(), true)
	require.NoError(t, bob.Register(context.Background()))

	waitFor(func(v View) bool { return v.Game.PlayerCount() == 1 }, "bob's registration")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
