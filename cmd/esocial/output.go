package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sstlabs/esocial-engine/internal/certvault"
	"github.com/sstlabs/esocial-engine/internal/lifecycle"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/ui"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func printEventList(evs []*model.Event, total int) {
	w := newTable()
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tEMPLOYEE\tBATCH\tRECEIPT\tCREATED")
	for _, e := range evs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			ui.RenderStatus(e.Status.String()),
			e.Type,
			e.EmployeeID,
			e.BatchID,
			e.ReceiptNumber,
			e.CreatedAt.Local().Format(timeLayout),
		)
	}
	w.Flush()
	fmt.Printf("\n%d events (%d total)\n", len(evs), total)
}

func printEvent(e *model.Event) {
	fmt.Printf("ID:          %s\n", e.ID)
	fmt.Printf("Type:        %s\n", e.Type)
	fmt.Printf("Status:      %s\n", ui.RenderStatus(e.Status.String()))
	fmt.Printf("Employer:    %s\n", e.EmployerID)
	if e.EmployeeID != "" {
		fmt.Printf("Employee:    %s\n", e.EmployeeID)
	}
	if e.XMLID != "" {
		fmt.Printf("XML ID:      %s\n", e.XMLID)
	}
	if e.BatchID != "" {
		fmt.Printf("Batch:       %s\n", e.BatchID)
	}
	if e.ReceiptNumber != "" {
		fmt.Printf("Receipt:     %s\n", e.ReceiptNumber)
	}
	for _, msg := range e.ProcessingErrors {
		fmt.Printf("Error:       %s\n", ui.RenderFail(msg))
	}
	if e.CreatedBy != "" {
		fmt.Printf("Created By:  %s\n", e.CreatedBy)
	}
	fmt.Printf("Created At:  %s\n", e.CreatedAt.Local().Format(timeLayout))
	if e.ProcessedAt != nil {
		fmt.Printf("Processed:   %s\n", e.ProcessedAt.Local().Format(timeLayout))
	}
}

func printOutcomes(outcomes []lifecycle.Outcome) {
	w := newTable()
	fmt.Fprintln(w, "EVENT\tSTATUS\tRECEIPT\tERRORS")
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			o.EventID,
			ui.RenderStatus(o.Status.String()),
			o.ReceiptNumber,
			strings.Join(o.Errors, "; "),
		)
	}
	w.Flush()
}

func printSubmitResult(res *lifecycle.SubmitResult) {
	state := ui.RenderOK("accepted")
	if !res.Accepted {
		state = ui.RenderFail("not accepted")
	}
	fmt.Printf("Batch %s (#%d) %s", ui.RenderAccent(res.BatchID), res.Seq, state)
	if res.Receipt != "" {
		fmt.Printf(", receipt %s", res.Receipt)
	}
	fmt.Println()
	printOutcomes(res.Outcomes)
}

func printPollResult(res *lifecycle.PollResult) {
	note := ""
	if res.Cached {
		note = ui.RenderMuted(" (stored)")
	}
	fmt.Printf("Batch %s: %s%s\n", ui.RenderAccent(res.BatchID), res.State, note)
	printOutcomes(res.Outcomes)
}

func printJobs(jobs []*model.SyncJob) {
	w := newTable()
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tEMPLOYER\tCREATED\tFINISHED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID,
			j.Kind,
			ui.RenderStatus(string(j.Status)),
			j.EmployerTaxID,
			j.CreatedAt.Local().Format(timeLayout),
			formatOptTime(j.FinishedAt),
			j.Error,
		)
	}
	w.Flush()
}

func printJob(j *model.SyncJob) {
	fmt.Printf("ID:          %s\n", j.ID)
	fmt.Printf("Kind:        %s\n", j.Kind)
	fmt.Printf("Status:      %s\n", ui.RenderStatus(string(j.Status)))
	fmt.Printf("Employer:    %s\n", j.EmployerTaxID)
	fmt.Printf("Created At:  %s\n", j.CreatedAt.Local().Format(timeLayout))
	if j.StartedAt != nil {
		fmt.Printf("Started At:  %s\n", formatOptTime(j.StartedAt))
	}
	if j.FinishedAt != nil {
		fmt.Printf("Finished At: %s\n", formatOptTime(j.FinishedAt))
	}
	if j.Error != "" {
		fmt.Printf("Error:       %s\n", ui.RenderFail(j.Error))
	}
	if j.Result != nil {
		data, _ := json.Marshal(j.Result)
		fmt.Printf("Result:      %s\n", data)
	}
}

func printReport(r *certvault.Report) {
	fmt.Printf("Status:      %s\n", ui.RenderStatus(string(r.Status)))
	if r.Meta.Subject != "" {
		fmt.Printf("Subject:     %s\n", r.Meta.Subject)
	}
	if r.Meta.Issuer != "" {
		fmt.Printf("Issuer:      %s\n", r.Meta.Issuer)
	}
	if r.Meta.OwnerTaxID != "" {
		fmt.Printf("Owner:       %s (%s)\n", r.Meta.OwnerTaxID, r.Meta.OwnerKind)
	}
	if !r.Meta.NotAfter.IsZero() {
		fmt.Printf("Valid Until: %s (%d days)\n", r.Meta.NotAfter.Local().Format(time.DateOnly), r.Meta.DaysRemaining)
	}
	if r.Meta.KeyAlgorithm != "" {
		fmt.Printf("Key:         %s %d bits, %s\n", r.Meta.KeyAlgorithm, r.Meta.KeyBits, r.Meta.SignatureAlgorithm)
	}
	for _, c := range r.Failures() {
		fmt.Printf("  %s %s: %s\n", ui.RenderFail("✗"), c.Name, c.Message)
	}
	for _, c := range r.Warnings() {
		fmt.Printf("  %s %s: %s\n", ui.RenderWarn("!"), c.Name, c.Message)
	}
	if r.Summary != "" {
		fmt.Println(r.Summary)
	}
}

func formatOptTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(timeLayout)
}
