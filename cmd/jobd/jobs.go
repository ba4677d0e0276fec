package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/service"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "administrative job operations",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsCancelCmd(), newJobsRequeueCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			jobs, err := service.NewJobService(store, nil, log).List(ctx, status, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRESOURCE\tKIND\tPRIO\tSTATUS\tPROGRESS\tATTEMPT\tERROR")
			for _, j := range jobs {
				errMsg := ""
				if j.ErrorMessage != nil {
					errMsg = *j.ErrorMessage
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%d%%\t%d\t%s\n",
					j.ID, j.ResourceID, j.Kind, j.Priority, j.Status, j.ProgressPct, j.Attempt, errMsg)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func newJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			bus, err := openCancelBus(ctx, cfg, log)
			if err != nil {
				return err
			}

			j, err := service.NewJobService(store, busOrNil(bus), log).Cancel(ctx, id)
			if err != nil {
				return err
			}
			if j.Status == entity.StatusFailed {
				fmt.Printf("job %d cancelled\n", id)
			} else {
				fmt.Printf("job %d cancel requested (status %s)\n", id, j.Status)
			}
			return nil
		},
	}
}

func newJobsRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "return a failed job to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := service.NewJobService(store, nil, log).Requeue(ctx, id); err != nil {
				return err
			}
			fmt.Printf("job %d requeued\n", id)
			return nil
		},
	}
}
