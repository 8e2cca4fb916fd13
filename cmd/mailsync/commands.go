package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/sync"
)

var (
	allFlag = &cli.BoolFlag{
		Name:  "all",
		Usage: "run for every configured account",
	}
	includeFlag = &cli.StringSliceFlag{
		Name:  "include",
		Usage: "only sync these folders",
	}
	excludeFlag = &cli.StringSliceFlag{
		Name:  "exclude",
		Usage: "skip these folders",
	}
)

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "synchronize the account once",
		Flags: []cli.Flag{
			allFlag, includeFlag, excludeFlag,
			&cli.BoolFlag{Name: "dry-run", Aliases: []string{"n"}, Usage: "compute the patch without applying it"},
		},
		Action: func(c *cli.Context) error {
			return runOnce(c, c.Bool("dry-run"), func(report *sync.Report) {
				if report.DryRun {
					fmt.Print(report.Patch.Preview())
					return
				}
				sync.RenderReport(os.Stdout, report)
			})
		},
	}
}

func previewCommand() *cli.Command {
	return &cli.Command{
		Name:  "preview",
		Usage: "show the patch a sync would apply",
		Flags: []cli.Flag{allFlag, includeFlag, excludeFlag},
		Action: func(c *cli.Context) error {
			return runOnce(c, true, func(report *sync.Report) {
				fmt.Printf("%s:\n", report.Account)
				sync.RenderPatch(os.Stdout, report.Patch)
			})
		},
	}
}

func runOnce(c *cli.Context, dryRun bool, show func(*sync.Report)) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()

	filter, err := filterFlags(c)
	if err != nil {
		return err
	}
	accounts, err := e.accounts(c, c.Bool("all"))
	if err != nil {
		return err
	}

	failed := false
	for _, acc := range accounts {
		s, err := e.syncer(acc)
		if err != nil {
			e.logger.WithError(err).WithField("account", acc.Name).Error("Failed to open account")
			failed = true
			continue
		}
		report, err := s.Sync(c.Context, filter, dryRun)
		if err != nil {
			e.logger.WithError(err).WithField("account", acc.Name).Error("Sync failed")
			failed = true
			continue
		}
		show(report)
		if !report.OK() {
			failed = true
		}
	}
	if failed {
		return cli.Exit("sync finished with errors", 1)
	}
	return nil
}

func filterFlags(c *cli.Context) (sync.FolderFilter, error) {
	include, exclude := c.StringSlice("include"), c.StringSlice("exclude")
	switch {
	case len(include) > 0 && len(exclude) > 0:
		return sync.FolderFilter{}, fmt.Errorf("--include and --exclude are mutually exclusive")
	case len(include) > 0:
		return sync.IncludeFolders(include...), nil
	case len(exclude) > 0:
		return sync.ExcludeFolders(exclude...), nil
	}
	return sync.FolderFilter{}, nil
}

// syncer opens both sides of acc and its cached state.
func (e *env) syncer(acc *config.AccountConfig) (*sync.Syncer, error) {
	policy, err := sync.ParseFlagPolicy(acc.FlagPolicy)
	if err != nil {
		return nil, err
	}
	account, err := e.manager.GetAccount(acc.Name)
	if err != nil {
		return nil, err
	}
	state, err := e.store.Account(acc.Name)
	if err != nil {
		return nil, err
	}
	return sync.NewSyncer(account.Local, account.Remote, state, sync.Options{
		Account:     acc.Name,
		Concurrency: e.cfg.Concurrency,
		FlagPolicy:  policy,
		DeleteMode:  acc.DeleteMode,
		Filter:      sync.FilterFromConfig(acc.Folders),
		Handler:     progress(e.logger, acc.Name),
	}, e.logger), nil
}

// progress logs sync events.
func progress(logger *logrus.Logger, account string) sync.Handler {
	log := logger.WithField("account", account)
	return func(ev sync.Event) {
		switch ev.Kind {
		case sync.ListedAllFolders:
			log.WithField("folders", ev.Total).Info("Listed folders")
		case sync.GeneratedEmailPatch:
			log.WithFields(logrus.Fields{"folder": ev.Folder, "hunks": ev.Total}).Debug("Generated email patch")
		case sync.ProcessedFolderHunk, sync.ProcessedEmailHunk:
			entry := log.WithFields(logrus.Fields{
				"folder":   ev.Folder,
				"progress": fmt.Sprintf("%d/%d", ev.Done, ev.Total),
				"status":   ev.Result.Status.String(),
			})
			if ev.Result.Err != nil {
				entry = entry.WithError(ev.Result.Err)
			}
			entry.Debug(ev.Result.Hunk.String())
		case sync.ProcessedAllEmailHunks:
			log.WithFields(logrus.Fields{"folder": ev.Folder, "applied": ev.Done, "hunks": ev.Total}).Debug("Processed email patch")
		case sync.ExpungedAllFolders:
			log.WithField("folders", ev.Total).Debug("Expunged folders")
		}
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "sync accounts on their schedule until interrupted",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "now", Usage: "also sync once at startup"},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			accounts, err := e.accounts(c, c.String("account") == "")
			if err != nil {
				return err
			}

			logger := cron.PrintfLogger(e.logger)
			scheduler := cron.New(cron.WithChain(
				cron.SkipIfStillRunning(logger),
				cron.Recover(logger),
			))

			var jobs []cron.Job
			for _, acc := range accounts {
				s, err := e.syncer(acc)
				if err != nil {
					return fmt.Errorf("failed to open account %s: %w", acc.Name, err)
				}
				job := syncJob(c.Context, e.logger, acc.Name, s)
				if _, err := scheduler.AddJob(acc.Schedule, job); err != nil {
					return fmt.Errorf("invalid schedule %q for account %s: %w", acc.Schedule, acc.Name, err)
				}
				jobs = append(jobs, job)
				e.logger.WithFields(logrus.Fields{"account": acc.Name, "schedule": acc.Schedule}).Info("Scheduled sync")
			}

			if c.Bool("now") {
				for _, job := range jobs {
					job.Run()
				}
			}

			scheduler.Start()
			<-c.Context.Done()
			e.logger.Info("Stopping scheduler")
			<-scheduler.Stop().Done()
			return nil
		},
	}
}

func syncJob(ctx context.Context, logger *logrus.Logger, account string, s *sync.Syncer) cron.Job {
	return cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		report, err := s.Sync(ctx, sync.FolderFilter{}, false)
		if err != nil {
			logger.WithError(err).WithField("account", account).Error("Sync failed")
			return
		}
		entry := logger.WithField("account", account)
		if report.OK() {
			entry.Info(sync.SummaryLine(report))
		} else {
			entry.Warn(sync.SummaryLine(report))
		}
	})
}

func foldersCommand() *cli.Command {
	return &cli.Command{
		Name:  "folders",
		Usage: "list folders of both sides and the last synced set",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			accounts, err := e.accounts(c, false)
			if err != nil {
				return err
			}
			acc := accounts[0]
			account, err := e.manager.GetAccount(acc.Name)
			if err != nil {
				return err
			}
			state, err := e.store.Account(acc.Name)
			if err != nil {
				return err
			}

			var local, remote, known []string
			g, ctx := errgroup.WithContext(c.Context)
			g.Go(func() (err error) { local, err = account.Local.ListFolders(ctx); return err })
			g.Go(func() (err error) { remote, err = account.Remote.ListFolders(ctx); return err })
			g.Go(func() (err error) { known, err = state.KnownFolders(ctx); return err })
			if err := g.Wait(); err != nil {
				return err
			}

			sides := make(map[string][3]bool)
			for i, names := range [][]string{local, remote, known} {
				for _, name := range names {
					row := sides[name]
					row[i] = true
					sides[name] = row
				}
			}
			names := make([]string, 0, len(sides))
			for name := range sides {
				names = append(names, name)
			}
			sort.Strings(names)

			filter := sync.FilterFromConfig(acc.Folders)
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Folder", "Local", "Remote", "Synced", "Included"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, name := range names {
				row := sides[name]
				table.Append([]string{name, mark(row[0]), mark(row[1]), mark(row[2]), mark(filter.Match(name))})
			}
			table.Render()
			return nil
		},
	}
}

func mark(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "resolve a short message alias to the backend id",
		ArgsUsage: "ALIAS",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "folder", Value: "INBOX", Usage: "folder of the message"},
			&cli.StringFlag{Name: "side", Value: "remote", Usage: "local or remote"},
		},
		Action: func(c *cli.Context) error {
			alias := c.Args().First()
			if alias == "" {
				return cli.Exit("missing alias", 2)
			}
			side := c.String("side")
			if side != sync.Local.String() && side != sync.Remote.String() {
				return fmt.Errorf("unknown side %q", side)
			}

			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			accounts, err := e.accounts(c, false)
			if err != nil {
				return err
			}
			state, err := e.store.Account(accounts[0].Name)
			if err != nil {
				return err
			}
			id, err := state.Mapper(side, c.String("folder")).Find(alias)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func accountsCommand() *cli.Command {
	return &cli.Command{
		Name:  "accounts",
		Usage: "list configured accounts",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Name", "IMAP", "Maildir", "Folders", "Policy", "Delete", "Schedule"})
			table.SetBorder(false)
			table.SetAutoWrapText(false)
			for _, acc := range e.cfg.Accounts {
				table.Append([]string{
					acc.Name,
					acc.IMAPHost + ":" + strconv.Itoa(acc.IMAPPort),
					acc.MaildirPath,
					sync.FilterFromConfig(acc.Folders).String(),
					acc.FlagPolicy,
					acc.DeleteMode,
					acc.Schedule,
				})
			}
			table.Render()
			return nil
		},
	}
}
