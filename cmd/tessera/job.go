package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/tessera/internal/controlplane"
	"github.com/fentz26/tessera/internal/models"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit -- <command> [args...]",
	Short: "Submit a job",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJobSubmit,
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

var jobStatusCmd = &cobra.Command{
	Use:     "status [job-id]",
	Aliases: []string{"progress"},
	Short:   "Show job status and progress",
	Args:    cobra.ExactArgs(1),
	RunE:    runJobStatus,
}

var jobTasksCmd = &cobra.Command{
	Use:   "tasks [job-id]",
	Short: "Show the execution attempts of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobTasks,
}

var jobLogCmd = &cobra.Command{
	Use:   "log [job-id]",
	Short: "Show job log lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobLog,
}

var jobKillCmd = &cobra.Command{
	Use:   "kill [job-id]",
	Short: "Kill a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobKill,
}

var (
	jobName        string
	jobExecuteUser string
	jobEngine      string
	jobStatus      string
	jobSize        int
	jobPage        int
	logFrom        int
	logSize        int
	logLast        int
	logOnly        string
	logIgnore      string
)

func init() {
	jobCmd.AddCommand(jobSubmitCmd, jobListCmd, jobShowCmd, jobStatusCmd, jobTasksCmd, jobLogCmd, jobKillCmd)

	jobSubmitCmd.Flags().StringVar(&jobName, "name", "", "Job name (defaults to the command)")
	jobSubmitCmd.Flags().StringVar(&jobExecuteUser, "execute-user", "", "User the job runs as (defaults to --user)")
	jobSubmitCmd.Flags().StringVar(&jobEngine, "engine", "", "Engine label recorded on the job")

	jobListCmd.Flags().StringVar(&jobStatus, "status", "", "Filter by status (queued, running, succeeded, failed, killed)")
	jobListCmd.Flags().StringVar(&jobName, "name", "", "Filter by name substring")
	jobListCmd.Flags().IntVar(&jobSize, "size", 20, "Page size")
	jobListCmd.Flags().IntVar(&jobPage, "page", 1, "Page number")

	jobLogCmd.Flags().IntVar(&logFrom, "from", 1, "First line to show")
	jobLogCmd.Flags().IntVar(&logSize, "size", 100, "Number of lines to show")
	jobLogCmd.Flags().IntVar(&logLast, "last", 0, "Show only the last N lines")
	jobLogCmd.Flags().StringVar(&logOnly, "only", "", "Comma-separated keywords a line must contain")
	jobLogCmd.Flags().StringVar(&logIgnore, "ignore", "", "Comma-separated keywords that drop a line")
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	req := controlplane.SubmitRequest{
		Name:        jobName,
		ExecuteUser: jobExecuteUser,
		Engine:      jobEngine,
		Command:     args[0],
		Args:        args[1:],
	}
	resp, err := apiPost("/jobs", req)
	if err != nil {
		return err
	}

	var result struct {
		JobExecutionID string `json:"jobExecutionId"`
		Tenancy        string `json:"tenancy"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Submitted job: %s (tenancy %s)\n", result.JobExecutionID, result.Tenancy)
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if jobStatus != "" {
		q.Set("status", jobStatus)
	}
	if jobName != "" {
		q.Set("name", jobName)
	}
	q.Set("size", strconv.Itoa(jobSize))
	q.Set("current", strconv.Itoa(jobPage))

	resp, err := apiGet("/jobs?" + q.Encode())
	if err != nil {
		return err
	}

	var list struct {
		JobList []models.Job `json:"jobList"`
		Total   int          `json:"total"`
	}
	if err := json.Unmarshal(resp, &list); err != nil {
		return err
	}

	if len(list.JobList) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTENANCY\tSTATUS\tPROGRESS\tUSER\tSUBMITTED")
	for _, j := range list.JobList {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			truncateID(j.ID), truncate(j.Name, 30), j.Tenancy, j.State, j.Progress*100,
			j.ExecuteUser, formatTime(&j.SubmittedAt))
	}
	w.Flush()
	fmt.Printf("\nPage %d, %d of %d jobs\n", jobPage, len(list.JobList), list.Total)
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/jobs/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var j models.Job
	if err := json.Unmarshal(resp, &j); err != nil {
		return err
	}

	fmt.Printf("ID:           %s\n", j.ID)
	fmt.Printf("Name:         %s\n", j.Name)
	fmt.Printf("Tenancy:      %s\n", j.Tenancy)
	fmt.Printf("Status:       %s\n", j.State)
	fmt.Printf("Progress:     %.0f%%\n", j.Progress*100)
	fmt.Printf("Execute User: %s\n", j.ExecuteUser)
	fmt.Printf("Create User:  %s\n", j.CreateUser)
	if j.Engine != "" {
		fmt.Printf("Engine:       %s\n", j.Engine)
	}
	fmt.Printf("Command:      %s\n", strings.TrimSpace(j.Command+" "+strings.Join(j.Args, " ")))
	if j.ExecutorID != "" {
		fmt.Printf("Executor:     %s\n", j.ExecutorID)
	}
	fmt.Printf("Submitted:    %s\n", formatTime(&j.SubmittedAt))
	fmt.Printf("Started:      %s\n", formatTime(j.StartedAt))
	fmt.Printf("Finished:     %s\n", formatTime(j.FinishedAt))
	if j.State.IsTerminal() && j.State != models.JobStateSucceeded {
		fmt.Printf("Exit Code:    %d\n", j.ExitCode)
	}
	if j.Error != "" {
		fmt.Printf("Error:        %s\n", j.Error)
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/jobs/" + url.PathEscape(args[0]) + "/status")
	if err != nil {
		return err
	}

	var p controlplane.JobProgress
	if err := json.Unmarshal(resp, &p); err != nil {
		return err
	}
	fmt.Printf("%s %.0f%%\n", p.Status, p.Progress*100)
	return nil
}

func runJobTasks(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/jobs/" + url.PathEscape(args[0]) + "/tasks")
	if err != nil {
		return err
	}

	var runs []models.Run
	if err := json.Unmarshal(resp, &runs); err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tEXECUTOR\tSTATUS\tEXIT\tSTARTED\tENDED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(r.ID), r.ExecutorID, r.State, r.ExitCode, formatTime(&r.StartedAt), formatTime(r.EndedAt))
	}
	w.Flush()
	return nil
}

func runJobLog(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("fromLine", strconv.Itoa(logFrom))
	q.Set("pageSize", strconv.Itoa(logSize))
	if logLast > 0 {
		q.Set("lastRows", strconv.Itoa(logLast))
	}
	if logOnly != "" {
		q.Set("onlyKeywords", logOnly)
	}
	if logIgnore != "" {
		q.Set("ignoreKeywords", logIgnore)
	}

	resp, err := apiGet("/jobs/" + url.PathEscape(args[0]) + "/log?" + q.Encode())
	if err != nil {
		return err
	}

	var page models.LogPage
	if err := json.Unmarshal(resp, &page); err != nil {
		return err
	}

	for _, line := range page.Logs {
		fmt.Println(line)
	}
	if !page.IsEnd && logLast == 0 {
		fmt.Fprintf(os.Stderr, "-- more: --from %d\n", page.EndLine+1)
	}
	return nil
}

func runJobKill(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/jobs/"+url.PathEscape(args[0])+"/kill", nil); err != nil {
		return err
	}
	fmt.Printf("Killed job %s\n", args[0])
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
