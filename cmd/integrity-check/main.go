// Command integrity-check reports file records without content and stored
// files without records, and optionally removes them.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm/logger"

	"github.com/konorlevich/medlog/internal/attachment-service/database"
	"github.com/konorlevich/medlog/internal/attachment-service/storage"
	"github.com/konorlevich/medlog/internal/config"
	"github.com/konorlevich/medlog/internal/integrity-check/audit"
)

// exit codes
const (
	exitHealthy = 0
	exitFailed  = 1
	exitIssues  = 2
)

var errBadMinOrphanAge = errors.New("negative min orphan age")

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(exitHealthy)
		}
		os.Exit(exitFailed)
	}
	os.Exit(run(opts, os.Stdin, os.Stdout, os.Stderr))
}

type options struct {
	repair    audit.RepairOptions
	assumeYes bool
	asJSON    bool
}

func parseFlags(args []string, errOut io.Writer) (options, error) {
	fs := flag.NewFlagSet("integrity-check", flag.ContinueOnError)
	fs.SetOutput(errOut)
	repairDangling := fs.Bool("repair-dangling", false, "remove records whose content is missing")
	repairOrphans := fs.Bool("repair-orphans", false, "delete stored files no record points to")
	allowSuspicious := fs.Bool("allow-suspicious", false, "repair even when no record has its content or no record exists")
	minOrphanAge := fs.Duration("min-orphan-age", audit.DefaultMinOrphanAge,
		"keep orphaned files modified more recently than this; 0 only when no upload can be running")
	assumeYes := fs.Bool("yes", false, "do not ask for confirmation")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if *minOrphanAge < 0 {
		fmt.Fprintln(errOut, "-min-orphan-age must not be negative")
		return options{}, errBadMinOrphanAge
	}
	return options{
		repair: audit.RepairOptions{
			Dangling:        *repairDangling,
			Orphans:         *repairOrphans,
			AllowSuspicious: *allowSuspicious,
			MinOrphanAge:    *minOrphanAge,
		},
		assumeYes: *assumeYes,
		asJSON:    *asJSON,
	}, nil
}

// run writes the report to out. Prompts and status lines go to errOut when
// out carries JSON.
func run(opts options, in io.Reader, out, errOut io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("invalid configuration")
		return exitFailed
	}
	base := cfg.NewLogger()
	base.SetOutput(errOut)
	l := base.WithFields(log.Fields{"db_file": cfg.DbFile, "files_path": cfg.FilesPath})

	msg := out
	if opts.asJSON {
		msg = errOut
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenDb(cfg.DbFile, logger.Warn)
	if err != nil {
		l.WithError(err).Error("failed to open database")
		return exitFailed
	}
	blobs, err := storage.OpenStorage(cfg.FilesPath, l)
	if err != nil {
		l.WithError(err).Error("failed to open file storage")
		return exitFailed
	}

	a := audit.New(database.NewRepository(db), blobs, cfg.AuditBatchSize, l)
	report, err := a.Run(ctx)
	if err != nil {
		l.WithError(err).Error("integrity check failed")
		return exitFailed
	}
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(report)
	} else {
		err = report.WriteText(out)
	}
	if err != nil {
		l.WithError(err).Error("can't print report")
		return exitFailed
	}

	if !opts.repair.Dangling && !opts.repair.Orphans {
		if report.Healthy() {
			return exitHealthy
		}
		return exitIssues
	}

	if nothingToRepair(report, opts.repair) {
		fmt.Fprintln(msg, "nothing to repair")
		if report.Healthy() {
			return exitHealthy
		}
		return exitIssues
	}

	opts.repair.Confirm = confirm(in, errOut, opts.assumeYes)
	res, err := a.Repair(ctx, report, opts.repair)
	switch {
	case errors.Is(err, audit.ErrNotConfirmed):
		fmt.Fprintln(msg, "nothing changed")
		return exitIssues
	case err != nil:
		l.WithError(err).Error("repair failed")
		return exitFailed
	}
	fmt.Fprintf(msg, "removed %d records and %d stored files\n", res.RecordsRemoved, res.BlobsRemoved)
	for _, s := range res.Skipped {
		fmt.Fprintln(msg, "skipped", s)
	}
	for _, e := range res.Errors {
		fmt.Fprintln(msg, "failed", e)
	}
	if len(res.Errors) > 0 {
		return exitFailed
	}
	return exitHealthy
}

func nothingToRepair(r *audit.Report, opts audit.RepairOptions) bool {
	return (!opts.Dangling || len(r.Dangling) == 0) && (!opts.Orphans || len(r.Orphans) == 0)
}

// confirm asks the operator to type "yes". The question goes to prompt.
func confirm(in io.Reader, prompt io.Writer, assumeYes bool) func(string) bool {
	return func(summary string) bool {
		if assumeYes {
			return true
		}
		fmt.Fprintf(prompt, "About to %s. Type \"yes\" to continue: ", summary)
		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false
		}
		return strings.TrimSpace(strings.ToLower(answer)) == "yes"
	}
}
