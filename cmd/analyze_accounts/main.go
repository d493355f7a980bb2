package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vyaesop/eeee/config"
	"github.com/vyaesop/eeee/internal/accrual"
	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/ledger"
	"github.com/vyaesop/eeee/internal/settlement"
	"github.com/vyaesop/eeee/internal/tiers"
)

type TierStats struct {
	Tier         string
	Accounts     int
	Principal    decimal.Decimal
	Earnings     decimal.Decimal
	Pending      decimal.Decimal
	Stale        int
	AutoCompound int
}

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	settle := flag.Bool("settle", false, "settle stale accounts after the report")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseConfig.Driver != "postgres" {
		fmt.Println("this tool reads the PostgreSQL store; set DB_DRIVER=postgres")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := database.NewDB(ctx, cfg.DatabaseConfig.Database())
	if err != nil {
		fmt.Printf("failed to connect: %v\n", err)
		os.Exit(1)
	}
	store := database.NewRepository(db, nil)
	defer store.Close()

	table, err := cfg.TierTable()
	if err != nil {
		fmt.Printf("invalid tier table: %v\n", err)
		os.Exit(1)
	}

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		fmt.Printf("failed to list accounts: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	stats := collect(table, accounts, now, cfg.SettlementConfig.Threshold)
	report(stats, len(accounts), now)

	if !*settle {
		return
	}

	policy, err := cfg.LedgerPolicy()
	if err != nil {
		fmt.Printf("invalid ledger policy: %v\n", err)
		os.Exit(1)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	svc, err := ledger.NewService(store, table, policy, ledger.WithLogger(logger))
	if err != nil {
		fmt.Printf("failed to create ledger: %v\n", err)
		os.Exit(1)
	}

	batch := settlement.NewBatchSettler(store, svc, nil, nil, logger)
	result, err := batch.SettleAllStale(ctx, now, cfg.SettlementConfig.Threshold)
	if err != nil {
		fmt.Printf("settlement failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nSettled %d of %d stale accounts, accrued %s (%d failed) in %s\n",
		result.Settled, result.Scanned-result.Skipped, result.Accrued.StringFixed(2), result.Failed(), result.Duration)
	for _, f := range result.Failures {
		fmt.Printf("  %s after %d attempts: %s\n", f.AccountID, f.Attempts, f.Error)
	}
}

func collect(table *tiers.Table, accounts []*database.Account, now time.Time, threshold time.Duration) []*TierStats {
	byTier := make(map[string]*TierStats)
	for _, t := range table.Tiers() {
		byTier[t.Name] = &TierStats{Tier: t.Name}
	}

	for _, a := range accounts {
		st, ok := byTier[a.TierName]
		if !ok {
			st = &TierStats{Tier: a.TierName}
			byTier[a.TierName] = st
		}
		st.Accounts++
		st.Principal = st.Principal.Add(a.Principal)
		st.Earnings = st.Earnings.Add(a.EarningsBalance)
		st.Pending = st.Pending.Add(accrual.Settle(table, ledger.StateOf(a), now).Accrued)
		if settlement.IsStale(a, now, threshold) {
			st.Stale++
		}
		if a.AutoCompound {
			st.AutoCompound++
		}
	}

	out := make([]*TierStats, 0, len(byTier))
	for _, st := range byTier {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Principal.GreaterThan(out[j].Principal)
	})
	return out
}

func report(stats []*TierStats, total int, now time.Time) {
	fmt.Printf("Membership ledger report as of %s (%d accounts)\n\n", now.Format(time.RFC3339), total)
	fmt.Printf("%-26s %8s %14s %14s %12s %6s %6s\n", "TIER", "ACCOUNTS", "PRINCIPAL", "EARNINGS", "PENDING", "STALE", "AUTO")

	principal, earnings, pending := decimal.Zero, decimal.Zero, decimal.Zero
	for _, st := range stats {
		if st.Accounts == 0 {
			continue
		}
		fmt.Printf("%-26s %8d %14s %14s %12s %6d %6d\n",
			st.Tier, st.Accounts, st.Principal.StringFixed(2), st.Earnings.StringFixed(2),
			st.Pending.StringFixed(2), st.Stale, st.AutoCompound)
		principal = principal.Add(st.Principal)
		earnings = earnings.Add(st.Earnings)
		pending = pending.Add(st.Pending)
	}
	fmt.Printf("%-26s %8d %14s %14s %12s\n", "TOTAL", total,
		principal.StringFixed(2), earnings.StringFixed(2), pending.StringFixed(2))
}
