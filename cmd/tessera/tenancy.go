package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/tessera/internal/models"
)

var tenancyCmd = &cobra.Command{
	Use:   "tenancy",
	Short: "Inspect tenancy groups",
}

var tenancyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live tenancy groups",
	RunE:  runTenancyList,
}

func init() {
	tenancyCmd.AddCommand(tenancyListCmd)
}

func runTenancyList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tenancies")
	if err != nil {
		return err
	}

	var stats []models.TenancyStats
	if err := json.Unmarshal(resp, &stats); err != nil {
		return err
	}

	if len(stats) == 0 {
		fmt.Println("No active tenancies")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANCY\tRUNNING\tQUEUED\tLAST ACTIVE")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d/%d\t%d/%d\t%s\n",
			s.Tenancy, s.Running, s.MaxRunning, s.Queued, s.MaxCapacity, formatTime(&s.LastActive))
	}
	w.Flush()
	return nil
}
