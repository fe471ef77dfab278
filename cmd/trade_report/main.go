// Command trade_report prints a summary of the closed trades recorded in the
// journal: the recent trades themselves, per-exit-reason statistics and the
// overall realized P&L.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"breakoutbot/internal/adapters/logger"
	"breakoutbot/internal/adapters/sqlite"
	"breakoutbot/internal/domain"
)

func main() {
	dbPath := flag.String("db", "./data/breakout_bot.db", "path to the journal database")
	limit := flag.Int("limit", 50, "number of recent trades to list")
	flag.Parse()

	appLogger := logger.NewStdLogger(logger.LevelWarn)
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("Error opening journal: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	trades, err := repo.FindRecent(ctx, *limit)
	if err != nil {
		log.Fatalf("Error reading trades: %v", err)
	}
	if len(trades) == 0 {
		log.Println("No closed trades recorded yet.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "ID\tSymbol\tSide\tEntry\tExit\tReason\tPnL\tClosed\t")
	for _, trade := range trades {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\t%.2f\t%s\t%.2f\t%s\t\n",
			trade.ID,
			trade.Symbol,
			trade.Side,
			trade.EntryPrice,
			trade.ExitPrice,
			trade.ExitReason,
			trade.PNL,
			trade.ExitTime.Local().Format(time.DateTime),
		)
	}
	w.Flush()

	printReasonBreakdown(trades)

	total, err := repo.GetTotalProfit(ctx)
	if err != nil {
		log.Fatalf("Error computing total profit: %v", err)
	}
	fmt.Printf("\nTotal realized P&L (all recorded trades): %.2f\n", total)
}

// printReasonBreakdown aggregates the listed trades by exit reason.
func printReasonBreakdown(trades []*domain.Trade) {
	counts := make(map[domain.ExitReason]int)
	pnls := make(map[domain.ExitReason]float64)
	wins := 0
	for _, trade := range trades {
		counts[trade.ExitReason]++
		pnls[trade.ExitReason] += trade.PNL
		if trade.PNL > 0 {
			wins++
		}
	}

	var reasons []domain.ExitReason
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool {
		return string(reasons[i]) < string(reasons[j])
	})

	fmt.Println("\nExit Reason\tCount\tTotal PnL\tAvg PnL")
	for _, reason := range reasons {
		count := counts[reason]
		total := pnls[reason]
		fmt.Printf("%s\t%d\t%.2f\t%.2f\n", reason, count, total, total/float64(count))
	}

	fmt.Printf("\nWin rate over listed trades: %.1f%% (%d of %d)\n",
		float64(wins)/float64(len(trades))*100, wins, len(trades))
}
