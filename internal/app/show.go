package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent alerts and intents.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}

	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
	} else {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tSubscriber\tDeposit\tKind\tEdge%\tThreshold%")
		for _, alert := range alerts {
			fmt.Fprintf(
				writer,
				"%s\t%s\t%d\t%s\t%s\t%s\n",
				alert.CreatedAt.UTC().Format(time.RFC3339),
				alert.SubscriberID,
				alert.DepositID,
				alert.Kind,
				alert.EdgePct.StringFixed(3),
				alert.ThresholdPct.StringFixed(3),
			)
		}
		writer.Flush()
	}

	intents, err := store.ListRecentIntents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		fmt.Fprintln(os.Stdout, "no intents found")
		return nil
	}

	fmt.Fprintln(os.Stdout)
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tIntent\tDeposit\tAmount\tCurrency\tStatus")
	for _, intent := range intents {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%d\t%s\t%s\n",
			intent.CreatedAt.UTC().Format(time.RFC3339),
			shortInline(intent.IntentHash),
			intent.DepositID,
			intent.Amount,
			intent.Currency,
			intent.Status,
		)
	}
	writer.Flush()
	return nil
}

func shortInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	if len(cleaned) > 14 {
		return cleaned[:10] + "…" + cleaned[len(cleaned)-4:]
	}
	return cleaned
}
