// Command cancel-withdrawal is an operator tool: force-fail one or more
// stuck withdrawals and unfreeze their reserved funds back to available.
// Adapted from the teacher's cmd/batch-cancel-withdraw/main.go, which
// walked withdraw_requests by status filter and called
// WithdrawRequestService.CancelWithdrawRequest; this version walks the
// "withdrawal:" key prefix and calls straight into internal/ledger,
// since there is no service layer left to delegate to once the
// business API is out of scope (spec §1).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nnlgsakib/crypto-manager-engine/internal/config"
	"github.com/nnlgsakib/crypto-manager-engine/internal/ledger"
	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
	"github.com/nnlgsakib/crypto-manager-engine/internal/store"
)

const withdrawalKeyPrefix = "withdrawal:"

func main() {
	var (
		chainName  = flag.String("chain", "", "Chain identifier as configured (e.g. mind)")
		state      = flag.String("state", "", "Filter by withdrawal state (created, added_to_bucket, processing)")
		ids        = flag.String("ids", "", "Comma-separated list of withdrawal IDs to cancel")
		dryRun     = flag.Bool("dry-run", false, "Only show what would be cancelled, don't actually cancel")
		configPath = flag.String("config", "", "Path to config file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	l := ledger.New(st)
	ctx := context.Background()

	var toCancel []*models.Withdrawal

	if *ids != "" {
		for _, id := range strings.Split(*ids, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			w, err := loadWithdrawal(ctx, st, id)
			if err != nil {
				log.Printf("failed to load withdrawal %s: %v", id, err)
				continue
			}
			if w.State.Terminal() {
				log.Printf("withdrawal %s is already %s, skipping", id, w.State)
				continue
			}
			toCancel = append(toCancel, w)
		}
	} else {
		all, err := scanWithdrawals(ctx, st)
		if err != nil {
			log.Fatalf("failed to scan withdrawals: %v", err)
		}
		for _, w := range all {
			if *chainName != "" && w.Chain != *chainName {
				continue
			}
			if *state != "" && string(w.State) != *state {
				continue
			}
			if !w.State.Terminal() {
				toCancel = append(toCancel, w)
			}
		}
	}

	if len(toCancel) == 0 {
		fmt.Println("no withdrawals found to cancel")
		return
	}

	fmt.Printf("found %d withdrawal(s) to cancel:\n", len(toCancel))
	for _, w := range toCancel {
		fmt.Printf("  - id=%s user=%s chain=%s currency=%s reserved=%s state=%s bucket=%s\n",
			w.ID, w.Username, w.Chain, w.Currency, w.Reserved.String(), w.State, w.BucketID)
	}

	if *dryRun {
		fmt.Println("dry run: no withdrawals were actually cancelled")
		return
	}

	fmt.Print("are you sure you want to cancel these withdrawals? (yes/no): ")
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		fmt.Println("cancelled by operator, no action taken")
		return
	}

	successCount, failCount := 0, 0
	for _, w := range toCancel {
		if err := cancelOne(ctx, st, l, w); err != nil {
			log.Printf("failed to cancel withdrawal %s: %v", w.ID, err)
			failCount++
			continue
		}
		successCount++
	}

	fmt.Printf("summary: cancelled=%d failed=%d total=%d\n", successCount, failCount, len(toCancel))
}

func cancelOne(ctx context.Context, st store.Store, l *ledger.Ledger, w *models.Withdrawal) error {
	if err := l.Unfreeze(ctx, w.Username, w.Chain, w.Currency, w.Reserved); err != nil {
		return err
	}
	w.State = models.WithdrawalFailed
	w.FailureReason = "cancelled by operator"
	return saveWithdrawal(ctx, st, w)
}

func loadWithdrawal(ctx context.Context, st store.Store, id string) (*models.Withdrawal, error) {
	raw, err := st.Get(ctx, models.WithdrawalKey(id))
	if err != nil {
		return nil, err
	}
	var w models.Withdrawal
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func saveWithdrawal(ctx context.Context, st store.Store, w *models.Withdrawal) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return st.Put(ctx, models.WithdrawalKey(w.ID), raw)
}

func scanWithdrawals(ctx context.Context, st store.Store) ([]*models.Withdrawal, error) {
	entries, err := st.ScanPrefix(ctx, withdrawalKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Withdrawal, 0, len(entries))
	for _, raw := range entries {
		var w models.Withdrawal
		if err := json.Unmarshal(raw, &w); err != nil {
			logrus.WithError(err).Warn("skipping unreadable withdrawal record")
			continue
		}
		wCopy := w
		out = append(out, &wCopy)
	}
	return out, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("cancel-withdrawal requires store.dsn to be configured")
	}
	return store.Open(cfg.DSN)
}
