package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/terminus/agent/internal/audit"
	"github.com/terminus/agent/internal/vault"
)

var verifyAudit bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sealed recordings in the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()

		v := vault.New(cfg.VaultRoot())
		entries, err := v.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("No recordings in %s\n", v.Root)
			return nil
		}

		var total uint64
		orphans := 0
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEM\tSIZE\tRECORDED\tMETADATA")
		for _, e := range entries {
			recorded := "-"
			if start, _, err := vault.ParseStem(e.Stem); err == nil {
				recorded = humanize.Time(start)
			}
			meta := "ok"
			if e.Orphan() {
				meta = "missing"
				orphans++
			}
			total += uint64(e.SizeBytes)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Stem, humanize.IBytes(uint64(e.SizeBytes)), recorded, meta)
		}
		w.Flush()
		fmt.Printf("\n%s recordings, %s total", humanize.Comma(int64(len(entries))), humanize.IBytes(total))
		if orphans > 0 {
			fmt.Printf(", %d without metadata", orphans)
		}
		fmt.Println()
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [stem...]",
	Short: "Re-digest sealed recordings and compare them with their metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := loadConfig()
		if err != nil {
			return err
		}
		defer closer.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		started := time.Now()
		v := vault.New(cfg.VaultRoot())
		var reports []vault.Report
		if len(args) == 0 {
			if reports, err = v.VerifyAll(ctx, cfg.VerifyWorkers); err != nil {
				return err
			}
		} else {
			for _, stem := range args {
				reports = append(reports, vault.Report{Stem: stem, Err: v.Verify(stem)})
			}
		}

		failed := 0
		for _, r := range reports {
			if r.Err != nil {
				failed++
				fmt.Printf("FAIL  %s: %v\n", r.Stem, r.Err)
				continue
			}
			fmt.Printf("OK    %s\n", r.Stem)
		}
		fmt.Printf("\n%d verified, %d failed (%s)\n", len(reports)-failed, failed, time.Since(started).Round(time.Millisecond))

		var errs []error
		if failed > 0 {
			errs = append(errs, fmt.Errorf("%d recordings failed verification", failed))
		}
		if verifyAudit {
			if err := verifyAuditChain(filepath.Join(cfg.DataDir, audit.FileName)); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAudit, "audit", false, "also verify the audit trail hash chain")
}

func verifyAuditChain(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	defer f.Close()

	n, err := audit.VerifyChain(f)
	if err != nil {
		fmt.Printf("FAIL  audit trail after %d entries: %v\n", n, err)
		return err
	}
	fmt.Printf("OK    audit trail (%d entries)\n", n)
	return nil
}
