package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/pulse/sweep"
)

// SweepCmd runs one sweep pass outside the server
var SweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Abandon stale runs and expire idempotency leases once",
	Long: `Run a single sweep: job runs stuck in running, or never started, for
longer than sweep.stale_after_seconds are failed, and pending idempotency
claims whose lease ran out are released. The sweep itself is recorded as a
"sweep" run.`,
	RunE: runSweep,
}

var sweepStaleAfter time.Duration

func init() {
	SweepCmd.Flags().DurationVar(&sweepStaleAfter, "stale-after", 0, "Override sweep.stale_after_seconds (e.g. 30m)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	staleAfter := time.Duration(a.cfg.Sweep.StaleAfterSeconds) * time.Second
	if sweepStaleAfter > 0 {
		staleAfter = sweepStaleAfter
	}
	sw := sweep.New(cmd.Context(), a.ledger, a.registry, sweep.Config{StaleAfter: staleAfter})

	res, err := sw.SweepOnce(cmd.Context())
	if err != nil {
		return errors.Wrap(err, "sweep failed")
	}
	if res.Skipped {
		pterm.Info.Println("Another sweep already covered this window")
		return nil
	}
	pterm.Success.Printf("Sweep %s: %d runs abandoned, %d leases expired\n",
		shortID(res.RunID), res.Abandoned, res.LeasesExpired)
	return nil
}
