package main

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func taskCmd(api func() *client, ui *ui) *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Marketplace task operations",
	}

	var (
		title          string
		description    string
		reward         float64
		maxSubmissions int
		lifetime       int
		idempotencyKey string
	)
	create := &cobra.Command{
		Use:     "create",
		Short:   "Post an extra task for the running campaign",
		Example: "crowdq task create --max-submissions 20 --reward 0.15",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxSubmissions <= 0 {
				return errors.New("--max-submissions must be positive")
			}
			body := map[string]any{"maxSubmissions": maxSubmissions}
			if title != "" {
				body["title"] = title
			}
			if description != "" {
				body["description"] = description
			}
			if reward > 0 {
				body["reward"] = reward
			}
			if lifetime > 0 {
				body["lifetimeSeconds"] = lifetime
			}
			if idempotencyKey != "" {
				body["idempotencyKey"] = idempotencyKey
			}
			resp, err := api().call("Posting task...", "POST", "/v1/crowdq/tasks", body)
			if err != nil {
				return err
			}
			var out struct {
				TaskID string `json:"taskId"`
			}
			if into(resp, &out) {
				fmt.Printf("%s Task created: %s\n", ui.ok("[OK]"), out.TaskID)
			}
			return nil
		},
	}
	create.Flags().StringVar(&title, "title", "", "Title (defaults to the campaign template)")
	create.Flags().StringVar(&description, "description", "", "Description")
	create.Flags().Float64Var(&reward, "reward", 0, "Reward per submission")
	create.Flags().IntVar(&maxSubmissions, "max-submissions", 0, "Number of submission slots")
	create.Flags().IntVar(&lifetime, "lifetime-seconds", 0, "Lifetime in seconds")
	create.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := api().call("Fetching task...", "GET", "/v1/crowdq/tasks/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}

	var (
		extraCapacity int
		extraSeconds  int
	)
	extend := &cobra.Command{
		Use:     "extend <id>",
		Short:   "Add submission slots and lifetime to a task",
		Example: "crowdq task extend 3XKQ1 --slots 5 --seconds 3600",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"extraCapacity": extraCapacity, "extraSeconds": extraSeconds}
			if _, err := api().call("Extending task...", "POST", "/v1/crowdq/tasks/"+url.PathEscape(args[0])+"/extend", body); err != nil {
				return err
			}
			fmt.Printf("%s Task %s extended\n", ui.ok("[OK]"), args[0])
			return nil
		},
	}
	extend.Flags().IntVar(&extraCapacity, "slots", 0, "Extra submission slots")
	extend.Flags().IntVar(&extraSeconds, "seconds", 0, "Extra lifetime in seconds")

	expire := &cobra.Command{
		Use:   "expire <id>",
		Short: "Stop a task from accepting submissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := api().call("Expiring task...", "POST", "/v1/crowdq/tasks/"+url.PathEscape(args[0])+"/expire", nil); err != nil {
				return err
			}
			fmt.Printf("%s Task %s expired\n", ui.ok("[OK]"), args[0])
			return nil
		},
	}

	task.AddCommand(create, get, extend, expire)
	return task
}

func bonusCmd(api func() *client, ui *ui) *cobra.Command {
	var (
		amount float64
		reason string
	)
	cmd := &cobra.Command{
		Use:     "bonus <response-id>",
		Short:   "Pay a bonus to the worker behind a response",
		Example: "crowdq bonus A1B2C3 --amount 0.50 --reason \"detailed answers\"",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return errors.New("--amount must be positive")
			}
			body := map[string]any{"amount": amount, "reason": reason}
			if _, err := api().call("Granting bonus...", "POST", "/v1/crowdq/responses/"+url.PathEscape(args[0])+"/bonus", body); err != nil {
				return err
			}
			fmt.Printf("%s Bonus of %.2f granted to %s\n", ui.ok("[OK]"), amount, args[0])
			return nil
		},
	}
	cmd.Flags().Float64Var(&amount, "amount", 0, "Bonus amount")
	cmd.Flags().StringVar(&reason, "reason", "", "Message shown to the worker")
	return cmd
}

func reclassifyCmd(api func() *client, ui *ui) *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "reclassify <response-id>",
		Short: "Re-run the classifier on a response, optionally with a new threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if cmd.Flags().Changed("threshold") {
				body = map[string]any{"threshold": threshold}
			}
			resp, err := api().call("Reclassifying...", "POST", "/v1/crowdq/responses/"+url.PathEscape(args[0])+"/reclassify", body)
			if err != nil {
				return err
			}
			var out struct {
				List string `json:"list"`
			}
			if into(resp, &out) {
				fmt.Printf("%s %s is now %s\n", ui.ok("[OK]"), args[0], ui.info(out.List))
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Rebind the classifier with this threshold first")
	return cmd
}
