package backend

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cosmicvoyage/star-economy/internal/chain"
	"github.com/cosmicvoyage/star-economy/internal/game"
	"github.com/cosmicvoyage/star-economy/internal/reconcile"
	"github.com/cosmicvoyage/star-economy/internal/store"
)

type fixture struct {
	svc     *Service
	chain   *chain.Simulator
	db      *store.DB
	catalog *game.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := game.LoadCatalog("../../catalog.yaml")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	db, err := store.Open(filepath.Join(t.TempDir(), "backend.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sim := chain.NewSimulator(0)
	return &fixture{svc: NewService(db, c, sim), chain: sim, db: db, catalog: c}
}

func rejectionCode(t *testing.T, err error) (game.Code, *reconcile.Rejection) {
	t.Helper()
	var rej *reconcile.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("err=%v, want a rejection", err)
	}
	return rej.Code, rej
}

var day1 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func TestClaimGenesis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reply, err := f.svc.ClaimGenesis(ctx, reconcile.GenesisRequest{Wallet: "0xab12cd", Email: "a@b.c", At: day1})
	if err != nil {
		t.Fatalf("ClaimGenesis: %v", err)
	}
	if reply.Balance != game.STAR(10) || !strings.HasPrefix(reply.ReferralCode, "AB12") || len(reply.ReferralCode) != 8 {
		t.Fatalf("reply=%+v", reply)
	}
	if reply.ReferralCode != strings.ToUpper(reply.ReferralCode) {
		t.Fatalf("code not upper-cased: %s", reply.ReferralCode)
	}

	if _, err := f.svc.ClaimGenesis(ctx, reconcile.GenesisRequest{Wallet: "0xab12cd", At: day1}); err != nil {
		t.Fatalf("redelivery should be accepted: %v", err)
	}
	_, err = f.svc.ClaimGenesis(ctx, reconcile.GenesisRequest{Wallet: "0xab12cd", At: day1.Add(time.Hour)})
	code, rej := rejectionCode(t, err)
	if code != game.CodeAlreadyClaimed || *rej.Truth.StarBalance != game.STAR(10) || !rej.Truth.GenesisClaimedAt.Equal(day1) {
		t.Fatalf("rejection=%+v", rej)
	}
}

func TestClaimDailyLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	got, err := f.svc.ClaimDailyLogin(ctx, reconcile.DailyLoginRequest{Wallet: "w", At: day1})
	if err != nil || got.Streak != 1 || got.Reward != game.STAR(1) {
		t.Fatalf("day1=%+v err=%v", got, err)
	}
	if _, err := f.svc.ClaimDailyLogin(ctx, reconcile.DailyLoginRequest{Wallet: "w", At: day1}); err != nil {
		t.Fatalf("redelivery err=%v", err)
	}
	_, err = f.svc.ClaimDailyLogin(ctx, reconcile.DailyLoginRequest{Wallet: "w", At: day1.Add(5 * time.Hour)})
	code, rej := rejectionCode(t, err)
	if code != game.CodeAlreadyClaimedDay || *rej.Truth.DailyStreak != 1 {
		t.Fatalf("rejection=%+v", rej)
	}
	got, err = f.svc.ClaimDailyLogin(ctx, reconcile.DailyLoginRequest{Wallet: "w", At: day1.Add(24 * time.Hour)})
	if err != nil || got.Streak != 2 {
		t.Fatalf("day2=%+v err=%v", got, err)
	}
}

func TestUpdateBalance_Revisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.UpdateBalance(ctx, reconcile.BalanceRequest{Wallet: "w", Balance: game.STAR(50), Revision: 2}); err != nil {
		t.Fatalf("rev 2: %v", err)
	}
	if err := f.svc.UpdateBalance(ctx, reconcile.BalanceRequest{Wallet: "w", Balance: game.STAR(50), Revision: 2}); err != nil {
		t.Fatalf("redelivered rev 2: %v", err)
	}
	code, rej := rejectionCode(t, f.svc.UpdateBalance(ctx, reconcile.BalanceRequest{Wallet: "w", Balance: game.STAR(70), Revision: 1}))
	if code != game.CodeStale || *rej.Truth.Revision != 2 || *rej.Truth.StarBalance != game.STAR(50) {
		t.Fatalf("stale rejection=%+v", rej)
	}
	code, _ = rejectionCode(t, f.svc.UpdateBalance(ctx, reconcile.BalanceRequest{Wallet: "w", Balance: game.STAR(49), Revision: 2}))
	if code != game.CodeStale {
		t.Fatalf("conflicting rev 2 code=%s", code)
	}
}

func TestRecordMintAndBurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := reconcile.MintRequest{Wallet: "w", Body: "Mercury", TxRef: "tx-1", At: day1}
	if err := f.svc.RecordMint(ctx, req); err != nil {
		t.Fatalf("RecordMint: %v", err)
	}
	if err := f.svc.RecordMint(ctx, req); err != nil {
		t.Fatalf("redelivered mint: %v", err)
	}
	req.TxRef = "tx-2"
	if code, _ := rejectionCode(t, f.svc.RecordMint(ctx, req)); code != game.CodeAlreadyMinted {
		t.Fatalf("code=%s", code)
	}
	if code, _ := rejectionCode(t, f.svc.RecordMint(ctx, reconcile.MintRequest{Wallet: "w", Body: "Vulcan"})); code != game.CodeUnknownBody {
		t.Fatalf("code=%s", code)
	}
	if err := f.svc.RecordDiscovery(ctx, reconcile.DiscoveryRequest{Wallet: "w", Body: "Mercury", Order: 1, Reward: game.STAR(10), At: day1}); err != nil {
		t.Fatalf("RecordDiscovery: %v", err)
	}
	burn := reconcile.BurnRequest{Wallet: "w", UtilityID: "void-jump", Key: "void-jump#1", Amount: game.STAR(100), At: day1}
	for i := 0; i < 2; i++ {
		if err := f.svc.RecordBurn(ctx, burn); err != nil {
			t.Fatalf("RecordBurn %d: %v", i, err)
		}
	}
	if code, _ := rejectionCode(t, f.svc.RecordBurn(ctx, reconcile.BurnRequest{Wallet: "w", UtilityID: "warp", Key: "warp#1"})); code != game.CodeUnknownUtility {
		t.Fatalf("code=%s", code)
	}
}

func TestRequestTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := reconcile.TransferRequest{Wallet: "w", Amount: game.STAR(10), Key: "bonus#1"}
	first, err := f.svc.RequestTransfer(ctx, req)
	if err != nil {
		t.Fatalf("RequestTransfer: %v", err)
	}
	again, err := f.svc.RequestTransfer(ctx, req)
	if err != nil || again.TxRef != first.TxRef {
		t.Fatalf("replay tx=%q want=%q err=%v", again.TxRef, first.TxRef, err)
	}
	if n := len(f.chain.Receipts("w")); n != 1 {
		t.Fatalf("chain transfers=%d want=1", n)
	}

	f.chain.FailNext(1)
	_, err = f.svc.RequestTransfer(ctx, reconcile.TransferRequest{Wallet: "w", Amount: game.STAR(1), Key: "bonus#2"})
	if code, _ := rejectionCode(t, err); code != game.CodeTransferFailed {
		t.Fatalf("code=%s", code)
	}
	_, err = f.svc.RequestTransfer(ctx, reconcile.TransferRequest{Wallet: "w", Amount: 0, Key: "bonus#3"})
	if code, _ := rejectionCode(t, err); code != game.CodeBadRequest {
		t.Fatalf("code=%s", code)
	}
}

func TestReferrals_TiersCapAndSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var hooked []ReferralReceipt
	f.svc.OnReferral = func(r ReferralReceipt) { hooked = append(hooked, r) }

	alice, err := f.svc.ClaimGenesis(ctx, reconcile.GenesisRequest{Wallet: "0xa11ce", At: day1})
	if err != nil {
		t.Fatalf("alice genesis: %v", err)
	}
	for i := 0; i < 12; i++ {
		w := fmt.Sprintf("0xb0b%02d", i)
		if _, err := f.svc.ClaimGenesis(ctx, reconcile.GenesisRequest{Wallet: w, Referral: strings.ToLower(alice.ReferralCode), At: day1}); err != nil {
			t.Fatalf("referee %s: %v", w, err)
		}
	}
	stats, err := f.svc.ReferralStats(ctx, "0xa11ce")
	if err != nil {
		t.Fatalf("ReferralStats: %v", err)
	}
	if stats.ReferralCount != 12 || stats.BonusEarned != game.STAR(50) || stats.Remaining != 0 || stats.NextBonus != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	if len(hooked) != 12 || hooked[0].Bonus != game.STAR(5) || hooked[3].Bonus != game.STAR(7) || hooked[8].Bonus != 0 {
		t.Fatalf("hook receipts=%+v", hooked)
	}

	_, err = f.svc.RecordReferral(ctx, alice.ReferralCode, "0xb0b00")
	if code, _ := rejectionCode(t, err); code != game.CodeAlreadyReferred {
		t.Fatalf("repeat referee code=%s", code)
	}
	_, err = f.svc.RecordReferral(ctx, alice.ReferralCode, "0xA11CE")
	if code, _ := rejectionCode(t, err); code != game.CodeInvalidReferral {
		t.Fatalf("self referral code=%s", code)
	}
	_, err = f.svc.RecordReferral(ctx, "NOPE0000", "0xc0de")
	if code, _ := rejectionCode(t, err); code != game.CodeInvalidReferral {
		t.Fatalf("unknown code=%s", code)
	}

	top, err := f.svc.Leaderboard(ctx)
	if err != nil || len(top) != 1 || top[0].Wallet != "0xa11ce" {
		t.Fatalf("leaderboard=%+v err=%v", top, err)
	}
	bob, _ := f.svc.Profile(ctx, "0xb0b00")
	if bob.ReferredBy != "0xa11ce" {
		t.Fatalf("referred_by=%q", bob.ReferredBy)
	}
}

func TestReferrals_ConcurrentNeverExceedCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, err := f.svc.Profile(ctx, "0xa11ce")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.RecordReferral(ctx, alice.ReferralCode, fmt.Sprintf("0xf%03d", i)); err != nil {
				t.Errorf("referral %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	stats, _ := f.svc.ReferralStats(ctx, "0xa11ce")
	if stats.ReferralCount != 20 || stats.BonusEarned != game.STAR(50) {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestReconcile_RejectedGenesisDoesNotOverwriteServerBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const wallet = "0xfeed01"
	if _, err := f.svc.ClaimGenesis(ctx, reconcile.GenesisRequest{Wallet: wallet, At: day1}); err != nil {
		t.Fatalf("ClaimGenesis: %v", err)
	}
	if err := f.svc.UpdateBalance(ctx, reconcile.BalanceRequest{Wallet: wallet, Balance: game.STAR(30), Revision: 2}); err != nil {
		t.Fatalf("UpdateBalance: %v", err)
	}

	// A second device starts from an empty progression and claims again.
	now := day1.Add(48 * time.Hour)
	var ledger *game.Ledger
	gw := reconcile.NewGateway(f.svc, f.db.Outbox(), func(w string) (reconcile.Target, bool) {
		if w == wallet {
			return ledger, true
		}
		return nil, false
	}, reconcile.Config{})
	ledger = game.NewLedger(f.catalog, game.NewProgression(wallet, now), game.Deps{
		Clock:      func() time.Time { return now },
		Dispatcher: gw,
	})
	if _, err := ledger.ClaimGenesis("", ""); err != nil {
		t.Fatalf("local ClaimGenesis: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := ledger.Spend(game.STAR(1), "test"); err != nil {
			t.Fatalf("Spend: %v", err)
		}
	}

	rep, err := gw.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if rep.Rejected != 1 || rep.Accepted != 0 {
		t.Fatalf("report=%+v", rep)
	}
	server, err := f.svc.Profile(ctx, wallet)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	local := ledger.Snapshot()
	if server.StarBalance != game.STAR(30) || local.StarBalance != server.StarBalance {
		t.Fatalf("local=%s server=%s", local.StarBalance, server.StarBalance)
	}
	if n, _ := f.db.Outbox().Pending(); n != 0 || len(local.Unconfirmed) != 0 {
		t.Fatalf("pending=%d unconfirmed=%v", n, local.Unconfirmed)
	}

	// Changes made after adopting the server's balance still sync.
	if _, err := ledger.Spend(game.STAR(1), "test"); err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if rep, err := gw.Flush(ctx); err != nil || rep.Accepted != 1 {
		t.Fatalf("report=%+v err=%v", rep, err)
	}
	server, _ = f.svc.Profile(ctx, wallet)
	if local := ledger.Snapshot(); server.StarBalance != game.STAR(29) || local.StarBalance != server.StarBalance || local.Revision != server.Revision {
		t.Fatalf("local=%s/%d server=%s/%d", local.StarBalance, local.Revision, server.StarBalance, server.Revision)
	}
}

func TestMarkReferredReportsStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.markReferred(ctx, "0xreferee", "0xreferrer"); err != nil {
		t.Fatalf("markReferred: %v", err)
	}
	if p, _ := f.svc.Profile(ctx, "0xreferee"); p.ReferredBy != "0xreferrer" {
		t.Fatalf("referred_by=%q", p.ReferredBy)
	}
	if err := f.db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.svc.markReferred(ctx, "0xreferee", "0xother"); err == nil {
		t.Fatalf("markReferred on a closed store returned nil")
	}
}
