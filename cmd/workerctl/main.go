package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

var apiAddr string

func main() {
	root := &cobra.Command{
		Use:   "workerctl",
		Short: "workerctl submits jobs to a coordinator and watches them run",
	}
	root.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:9980", "coordinator API address")

	root.AddCommand(submitCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(balanceCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(workersCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func submitCmd() *cobra.Command {
	var userID, language, codeFile string
	var timeoutSeconds int
	var watch bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "submit a job and optionally watch it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			var code string
			if codeFile == "-" || codeFile == "" {
				data, err := readStdin()
				if err != nil {
					return err
				}
				code = data
			} else {
				data, err := os.ReadFile(codeFile)
				if err != nil {
					return err
				}
				code = string(data)
			}

			c := NewClient(apiAddr)
			jobID, reserved, err := c.SubmitJob(userID, code, language, timeoutSeconds)
			if err != nil {
				return err
			}
			fmt.Printf("submitted job %s (reserved %.4f credits)\n", jobID, reserved)
			if !watch {
				return nil
			}
			return watchJob(c, jobID)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&userID, "user", "", "submitting user ID")
	flags.StringVar(&language, "language", "python", "job language")
	flags.StringVar(&codeFile, "file", "-", "path to source file, or - for stdin")
	flags.IntVar(&timeoutSeconds, "timeout", 0, "job timeout in seconds, 0 for the coordinator default")
	flags.BoolVar(&watch, "watch", true, "watch the job until it reaches a terminal status")
	cmd.MarkFlagRequired("user")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "print a job's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewClient(apiAddr)
			job, err := c.GetJob(args[0])
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
	return cmd
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance [user-id]",
		Short: "print a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewClient(apiAddr)
			bal, err := c.Balance(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %.4f credits\n", args[0], bal)
			return nil
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [user-id]",
		Short: "print a user's recent job history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewClient(apiAddr)
			jobs, err := c.JobHistory(args[0], limit)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				printJob(j)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to list")
	return cmd
}

func workersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "list every worker the coordinator has on record",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewClient(apiAddr)
			workers, err := c.ListWorkers()
			if err != nil {
				return err
			}
			for _, w := range workers {
				fmt.Printf("%v\t%v\t%v\n", w["worker_id"], w["status"], w["restriction"])
			}
			return nil
		},
	}
	return cmd
}

func printJob(j Job) {
	fmt.Printf("job %s: status=%s worker=%s exit_code=%d\n", j.JobID, j.Status, j.AssignedWorker, j.ExitCode)
	if j.Stdout != "" {
		fmt.Println("stdout:")
		fmt.Println(j.Stdout)
	}
	if j.Stderr != "" {
		fmt.Println("stderr:")
		fmt.Println(j.Stderr)
	}
}

// watchJob polls a job's status and renders a live progress bar until the
// job reaches a terminal status. Since the coordinator has no notion of
// fractional job progress, the bar advances 5% per poll (capped at 95% until
// the job is terminal) rather than showing a true percentage, the same tradeoff the teacher
// makes for renter uploads whose remote completion time is unknown ahead of
// time.
func watchJob(c *Client, jobID string) error {
	p := mpb.New(mpb.WithWidth(48))
	bar := p.AddBar(100,
		mpb.PrependDecorators(decor.Name(jobID+" ")),
		mpb.AppendDecorators(decor.Name("running")),
	)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	progress := 0
	for range ticker.C {
		job, err := c.GetJob(jobID)
		if err != nil {
			bar.Abort(false)
			p.Wait()
			return err
		}
		if progress < 95 {
			progress += 5
		}
		bar.SetCurrent(int64(progress))
		if job.isTerminal() {
			bar.SetCurrent(100)
			p.Wait()
			printJob(job)
			return nil
		}
	}
	return nil
}

func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
