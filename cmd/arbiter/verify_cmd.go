package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/config"
	"github.com/arbiter-labs/arbiter/pkg/observer"
)

// runVerifyChainCmd re-verifies the observer log hash chain directly
// against the configured store, without going through the server.
func runVerifyChainCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.Int64("from", 1, "first sequence number to verify")
	to := fs.Int64("to", 0, "last sequence number to verify (0 = latest)")
	asJSON := fs.Bool("json", false, "emit the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, db, err := openEventStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open event store: %v\n", err)
		return 1
	}
	defer db.Close()

	obsLog := observer.NewLog(store, []byte(cfg.SigningKey))

	hi := *to
	if hi == 0 {
		latest, err := obsLog.Query(ctx, observer.Filter{Limit: 1, Direction: observer.Backward})
		if err != nil {
			fmt.Fprintf(stderr, "Failed to read log head: %v\n", err)
			return 1
		}
		if len(latest) == 0 {
			fmt.Fprintln(stdout, "Log is empty; nothing to verify")
			return 0
		}
		hi = latest[0].Sequence
	}

	verifyErr := obsLog.VerifyChain(ctx, *from, hi)

	if *asJSON {
		result := map[string]any{
			"valid": verifyErr == nil,
			"from":  *from,
			"to":    hi,
		}
		if verifyErr != nil {
			result["error"] = verifyErr.Error()
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else if verifyErr != nil {
		fmt.Fprintf(stderr, "Chain verification FAILED [%d..%d]: %v\n", *from, hi, verifyErr)
	} else {
		fmt.Fprintf(stdout, "Chain verified: sequences %d..%d intact\n", *from, hi)
	}

	if verifyErr != nil {
		return 1
	}
	return 0
}
