package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"
)

// RunHistory prints a host's recent ruleset applies.
func RunHistory(args []string) error {
	fs, configFile := newFlagSet("history")
	hostID := fs.String("host", "", "Host to show")
	limit := fs.Int("n", 20, "Number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openStack(*configFile)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireHost(*hostID); err != nil {
		return err
	}

	recs, err := s.store.ApplyHistory(context.Background(), *hostID, *limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		Printer.Printf("No applies recorded for %s\n", *hostID)
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRULES\tDURATION\tRESULT")
	for _, rec := range recs {
		result := "ok"
		if rec.Error != "" {
			result = rec.Error
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			rec.AppliedAt.Local().Format(time.DateTime), rec.Rules, rec.Duration, result)
	}
	return w.Flush()
}
