// Command ledgerctl inspects the execution ledger offline: it verifies stored
// positions against a replay of their actions, lists action history and prints
// a performance report of closed positions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"execledger/config"
	"execledger/internal/adapters/logger"
	"execledger/internal/adapters/sqlstore"
	"execledger/internal/analytics"
	"execledger/internal/domain"
	"execledger/internal/ledger"
	"execledger/internal/ports"
)

const usage = `usage: ledgerctl [-config file] <command> [flags]

commands:
  verify     [-position id]          compare stored positions with a replay of their actions
  actions    [-position id] [-symbol s] [-limit n]
  positions  [-status open|closed|all]
  report                             performance of closed positions
`

func main() {
	configPath := flag.String("config", os.Getenv("EXECLEDGER_CONFIG"), "path to an optional TOML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	if cfg.Database.Driver == "memory" {
		log.Fatal("ledgerctl needs a persistent ledger; DB_DRIVER is memory")
	}
	appLogger, err := logger.New(logger.Config{Level: "warn", Encoding: "console"})
	if err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}

	repo, err := sqlstore.NewRepository(sqlstore.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Logger: appLogger})
	if err != nil {
		log.Fatalf("Error opening ledger: %v", err)
	}
	led, err := ledger.New(ledger.Config{Store: repo, Logger: appLogger, InitialCash: config.Decimal(cfg.Ledger.InitialCash)})
	if err != nil {
		log.Fatalf("Error opening ledger: %v", err)
	}

	ctx := context.Background()
	cmd, args := flag.Arg(0), flag.Args()[1:]
	code, err := runCommand(ctx, led, cmd, args, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl %s: %v\n", cmd, err)
	}
	_ = repo.Close()
	os.Exit(code)
}

// runCommand returns the process exit code: 1 for mismatches or errors, 2 for
// usage problems.
func runCommand(ctx context.Context, led *ledger.Ledger, cmd string, args []string, out io.Writer) (int, error) {
	switch cmd {
	case "verify":
		fs := flag.NewFlagSet("verify", flag.ContinueOnError)
		id := fs.String("position", "", "verify one position")
		if err := fs.Parse(args); err != nil {
			return 2, err
		}
		return verify(ctx, led, *id, out)

	case "actions":
		fs := flag.NewFlagSet("actions", flag.ContinueOnError)
		id := fs.String("position", "", "actions of one position")
		symbol := fs.String("symbol", "", "actions on one symbol")
		limit := fs.Int("limit", 0, "most recent n actions")
		if err := fs.Parse(args); err != nil {
			return 2, err
		}
		return 0, printActions(ctx, led, ports.ActionFilter{PositionID: *id, Symbol: *symbol, Limit: *limit}, out)

	case "positions":
		fs := flag.NewFlagSet("positions", flag.ContinueOnError)
		status := fs.String("status", "all", "open, closed or all")
		if err := fs.Parse(args); err != nil {
			return 2, err
		}
		filter := ports.PositionFilter{}
		switch *status {
		case "all":
		case "open":
			filter.OpenOnly = true
		case "closed":
			filter.Closed = true
		default:
			return 2, fmt.Errorf("unknown status %q", *status)
		}
		return 0, printPositions(ctx, led, filter, out)

	case "report":
		return 0, printReport(ctx, led, out)
	}
	return 2, fmt.Errorf("unknown command %q", cmd)
}

func verify(ctx context.Context, led *ledger.Ledger, id string, out io.Writer) (int, error) {
	var mismatches map[string][]string
	if id != "" {
		diffs, err := led.Verify(ctx, id)
		if err != nil {
			return 1, err
		}
		mismatches = map[string][]string{}
		if len(diffs) > 0 {
			mismatches[id] = diffs
		}
	} else {
		var err error
		if mismatches, err = led.VerifyAll(ctx); err != nil {
			return 1, err
		}
	}
	if len(mismatches) == 0 {
		fmt.Fprintln(out, "OK: stored positions match their action history")
		return 0, nil
	}
	ids := make([]string, 0, len(mismatches))
	for id := range mismatches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "MISMATCH %s\n", id)
		for _, d := range mismatches[id] {
			fmt.Fprintf(out, "  %s\n", d)
		}
	}
	return 1, errors.New("ledger mismatches found")
}

func printActions(ctx context.Context, led *ledger.Ledger, f ports.ActionFilter, out io.Writer) error {
	actions, err := led.Actions(ctx, f)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTime\tType\tQty\tPrice\tPnL\tStop\tTP\tReason")
	for _, a := range actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID,
			a.Timestamp.Format(time.RFC3339),
			a.Type,
			a.Qty.String(),
			a.Price.String(),
			a.RealizedPnL.StringFixed(2),
			a.StopPrice.String(),
			a.TakeProfit.String(),
			a.Reason,
		)
	}
	return w.Flush()
}

func printPositions(ctx context.Context, led *ledger.Ledger, f ports.PositionFilter, out io.Writer) error {
	positions, err := led.Positions(ctx, f)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSymbol\tDir\tStatus\tOpen\tAvg\tStop\tTP\tPnL\tOutcome")
	for _, p := range positions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.Symbol, p.Direction, p.Status,
			p.OpenQty.String(), p.AvgEntryPrice.StringFixed(2),
			p.StopPrice.String(), p.TakeProfit.String(),
			p.RealizedPnL.StringFixed(2), p.Outcome,
		)
	}
	return w.Flush()
}

func printReport(ctx context.Context, led *ledger.Ledger, out io.Writer) error {
	closed, err := led.Positions(ctx, ports.PositionFilter{Closed: true})
	if err != nil {
		return err
	}
	m := analytics.AnalyzePerformance(closed, led.InitialCash())

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Trades\t%d (%d won, %d lost)\n", m.TotalTrades, m.WinningTrades, m.LosingTrades)
	fmt.Fprintf(w, "Win rate\t%.2f%%\n", m.WinRate*100)
	fmt.Fprintf(w, "Total PnL\t%s\n", m.TotalProfit.StringFixed(2))
	fmt.Fprintf(w, "Profit factor\t%.2f\n", m.ProfitFactor)
	fmt.Fprintf(w, "Avg win / loss\t%s / %s\n", m.AverageWin.StringFixed(2), m.AverageLoss.StringFixed(2))
	fmt.Fprintf(w, "Max drawdown\t%.2f%%\n", m.MaxDrawdown*100)
	fmt.Fprintf(w, "Return\t%.2f%%\n", m.Return*100)
	fmt.Fprintf(w, "Balance\t%s -> %s\n", m.InitialBalance.StringFixed(2), m.FinalBalance.StringFixed(2))
	fmt.Fprintf(w, "Avg duration\t%s\n", m.AverageTradeDuration.Round(time.Second))
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n## Monthly")
	for _, mr := range m.GetMonthlyReturns() {
		fmt.Fprintf(out, "%s\t%s\n", mr.Month.Format("2006-01"), mr.Return.StringFixed(2))
	}

	fmt.Fprintln(out, "\n## Exit reasons")
	reasons := make([]string, 0, len(m.ExitReasons))
	for r := range m.ExitReasons {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(out, "%s\t%d\n", r, m.ExitReasons[domain.Reason(r)])
	}
	return nil
}
