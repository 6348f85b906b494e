package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type campaignStatus struct {
	RecordID   string   `json:"recordId"`
	SurveyID   string   `json:"surveyId"`
	SurveyName string   `json:"surveyName"`
	Backend    string   `json:"backend"`
	Tasks      []string `json:"tasks"`
	Valid      int      `json:"valid"`
	Rejected   int      `json:"rejected"`
	Target     int      `json:"target"`
	Done       bool     `json:"done"`
	ReportPath string   `json:"reportPath"`
	Published  string   `json:"published"`
}

func fetchStatus(c *client) (campaignStatus, error) {
	var st campaignStatus
	status, resp, err := c.request("GET", "/v1/crowdq/campaign", nil)
	if err != nil {
		return st, err
	}
	if status >= 300 {
		return st, fmt.Errorf("error (%d): %s", status, string(resp))
	}
	if !into(resp, &st) {
		return st, errors.New("unexpected campaign status payload")
	}
	return st, nil
}

func statusCmd(api func() *client, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show campaign progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api().call("Fetching campaign...", "GET", "/v1/crowdq/campaign", nil)
			if err != nil {
				return err
			}
			var st campaignStatus
			if !into(resp, &st) {
				return nil
			}
			fmt.Printf("%s %s (%s) on %s\n", ui.title("survey"), st.SurveyName, st.SurveyID, st.Backend)
			fmt.Printf("%s: %d/%d | %s: %d | %s: %d\n",
				ui.ok("VALID"), st.Valid, st.Target,
				ui.warn("REJECTED"), st.Rejected,
				ui.info("TASKS"), len(st.Tasks),
			)
			fmt.Printf("%s %s\n", ui.dim("record"), st.RecordID)
			fmt.Printf("%s %s\n", ui.dim("report"), st.ReportPath)
			if st.Done {
				fmt.Printf("%s Campaign complete: %s\n", ui.ok("[OK]"), emptyOr(st.Published, st.ReportPath))
			}
			return nil
		},
	}
}

func watchCmd(api func() *client, ui *ui) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Follow campaign progress until it completes",
		Example: "crowdq watch --interval 10s",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				interval = 5 * time.Second
			}
			c := api()
			st, err := fetchStatus(c)
			if err != nil {
				return err
			}
			bar := progressbar.NewOptions(st.Target,
				progressbar.OptionSetDescription("Valid responses"),
				progressbar.OptionSetWidth(30),
				progressbar.OptionShowCount(),
				progressbar.OptionSetPredictTime(false),
			)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				_ = bar.Set(min(st.Valid, st.Target))
				bar.Describe(fmt.Sprintf("Valid responses (%d rejected)", st.Rejected))
				if st.Done {
					_ = bar.Finish()
					fmt.Printf("\n%s Campaign complete: %s\n", ui.ok("[OK]"), emptyOr(st.Published, st.ReportPath))
					return nil
				}
				select {
				case <-ctx.Done():
					fmt.Println()
					fmt.Println(ui.warn("[WARN]"), "Stopped watching; the campaign keeps running")
					return nil
				case <-ticker.C:
				}
				next, err := fetchStatus(c)
				if err != nil {
					fmt.Fprintln(os.Stderr, ui.warn("[WARN]"), err)
					continue
				}
				st = next
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Refresh interval")
	return cmd
}

func responsesCmd(api func() *client, ui *ui) *cobra.Command {
	var list string
	cmd := &cobra.Command{
		Use:   "responses",
		Short: "List classified responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api().call("Fetching responses...", "GET", "/v1/crowdq/campaign/responses?list="+url.QueryEscape(list), nil)
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&list, "list", "valid", "Which list: valid|rejected")
	return cmd
}

func auditCmd(api func() *client, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Show the classification ledger of the current run",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api().call("Fetching ledger...", "GET", "/v1/crowdq/audit", nil)
			if err != nil {
				return err
			}
			var out struct {
				RecordID    string           `json:"recordId"`
				Entries     []map[string]any `json:"entries"`
				Verified    bool             `json:"verified"`
				VerifyError string           `json:"verifyError"`
			}
			if !into(resp, &out) {
				return nil
			}
			for _, e := range out.Entries {
				verdict := ui.warn("rejected")
				if v, _ := e["valid"].(bool); v {
					verdict = ui.ok("valid")
				}
				fmt.Printf("%v %s %v score=%v threshold=%v\n", e["seq"], verdict, e["responseId"], e["score"], e["threshold"])
			}
			if !out.Verified {
				return fmt.Errorf("ledger of %s failed verification: %s", out.RecordID, out.VerifyError)
			}
			fmt.Printf("%s %d entries, hash chain intact\n", ui.ok("[OK]"), len(out.Entries))
			return nil
		},
	}
}
