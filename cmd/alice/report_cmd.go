package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/alicehq/alice/internal/config"
	"github.com/alicehq/alice/internal/report"
	"github.com/alicehq/alice/internal/store"
)

var reportDay string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write a usage report for one day",
	Long:  `Aggregates indexed sessions into a daily usage report. The daemon also writes one automatically every night.`,
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportDay, "day", time.Now().Format("2006-01-02"), "day to report on (YYYY-MM-DD)")
}

func runReport(cmd *cobra.Command, args []string) error {
	s, err := store.New(filepath.Join(config.Dir(), "alice.db"))
	if err != nil {
		return err
	}
	defer s.Close()

	r := report.New(s, filepath.Join(config.Dir(), "reports"))
	path, err := r.WriteDaily(reportDay)
	if err != nil {
		return err
	}
	fmt.Println("Wrote", path)
	return nil
}
