package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"budgetline/internal/app"
	"budgetline/internal/config"
	"budgetline/internal/db"
	"budgetline/internal/domain"
	"budgetline/internal/engine"
	"budgetline/internal/migrate"
	"budgetline/internal/repo"
	"budgetline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Budgetline CLI",
	Long: `Budgetline tracks agreements and the budget lines that fund them.
- Agreements: contracts, grants, and other vehicles with a project officer and team.
- Budget lines: the money; each carries an amount, a CAN, and a need-by date,
  moving DRAFT -> PLANNED -> IN_EXECUTION -> OBLIGATED only through approved reviews.
- CANs: accounts holding fiscal-year funding; planned and executing lines draw it down.
- Workflows: bulk submissions of budget lines that a reviewer approves or declines.
- Change requests: edits to money fields on planned lines park here until reviewed.
- Event log: diary of everything that happened, view with 'bl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BUDGETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("portfolio", "", "portfolio id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("portfolio", rootCmd.PersistentFlags().Lookup("portfolio"))
}

func registerCommands() {
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(bliCmd())
	rootCmd.AddCommand(scCmd())
	rootCmd.AddCommand(canCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(changesCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(portfolioCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func agreementCmd() *cobra.Command {
	ag := &cobra.Command{
		Use:   "agreement",
		Short: "Manage agreements",
		Long:  "Agreements own budget lines. They stay editable by the creator, the project officer, and team members; money fields on PLANNED lines change only through change requests.",
	}
	ag.AddCommand(agreementCreateCmd())
	ag.AddCommand(agreementListCmd())
	ag.AddCommand(agreementShowCmd())
	ag.AddCommand(agreementUpdateCmd())
	ag.AddCommand(agreementDeleteCmd())
	ag.AddCommand(agreementValidateCmd())
	ag.AddCommand(agreementSummaryCmd())
	return ag
}

func agreementCreateCmd() *cobra.Command {
	var opts engine.AgreementCreateOptions
	var team []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = viper.GetString("user-id")
			opts.TeamMembers = team
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgreement(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "agreement id (optional)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "agreement name")
	cmd.Flags().StringVar(&opts.Type, "type", "CONTRACT", "agreement type (CONTRACT, GRANT, DIRECT_ALLOCATION, IAA, MISCELLANEOUS)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "agreement reason (NEW_REQ, RECOMPETE, LOGICAL_FOLLOW_ON)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&opts.ProductServiceCode, "psc", "", "product service code")
	cmd.Flags().StringVar(&opts.NAICS, "naics", "", "NAICS code")
	cmd.Flags().StringVar(&opts.SupportCode, "support-code", "", "program support code")
	cmd.Flags().StringVar(&opts.ProcurementShop, "shop", "", "procurement shop abbreviation")
	cmd.Flags().StringVar(&opts.ProjectOfficerID, "officer", "", "project officer user id")
	cmd.Flags().StringArrayVar(&team, "team-member", []string{}, "team member user id (repeatable)")
	cmd.Flags().BoolVar(&opts.Severable, "severable", false, "severable services")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agreementListCmd() *cobra.Command {
	var f repo.AgreementFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agreements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgreements(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Shop", "Officer"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Type, a.ProcurementShop, a.ProjectOfficerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.ProjectOfficer, "officer", "", "project officer filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func agreementShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agreement with its budget lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgreement(ctx, id)
				if err != nil {
					return err
				}
				lines, err := e.Repo.ListBudgetLines(ctx, repo.BudgetLineFilters{AgreementID: id})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"agreement":         a,
					"budget_line_items": lines,
				})
			})
		},
	}
	return cmd
}

func agreementUpdateCmd() *cobra.Command {
	var name, reason, description, notes, psc, naics, supportCode, shop, officer string
	var team []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.AgreementUpdateOptions{
				ID:             args[0],
				UserID:         viper.GetString("user-id"),
				AddTeamMembers: team,
			}
			set := func(flag string, dst **string, v *string) {
				if cmd.Flags().Changed(flag) {
					*dst = v
				}
			}
			set("name", &opts.Name, &name)
			set("reason", &opts.Reason, &reason)
			set("description", &opts.Description, &description)
			set("notes", &opts.Notes, &notes)
			set("psc", &opts.ProductServiceCode, &psc)
			set("naics", &opts.NAICS, &naics)
			set("support-code", &opts.SupportCode, &supportCode)
			set("shop", &opts.ProcurementShop, &shop)
			set("officer", &opts.ProjectOfficerID, &officer)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAgreement(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agreement name")
	cmd.Flags().StringVar(&reason, "reason", "", "agreement reason")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().StringVar(&psc, "psc", "", "product service code")
	cmd.Flags().StringVar(&naics, "naics", "", "NAICS code")
	cmd.Flags().StringVar(&supportCode, "support-code", "", "program support code")
	cmd.Flags().StringVar(&shop, "shop", "", "procurement shop abbreviation")
	cmd.Flags().StringVar(&officer, "officer", "", "project officer user id")
	cmd.Flags().StringArrayVar(&team, "add-team-member", []string{}, "add team member (repeatable)")
	return cmd
}

func agreementDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an agreement (all lines must be DRAFT)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAgreement(ctx, id, viper.GetString("user-id"))
			})
		},
	}
	return cmd
}

func agreementValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <id>",
		Short: "Run the readiness check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, err := e.ValidateAgreement(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"valid":    result.IsValid(),
						"messages": result.Messages(),
					})
				}
				if result.IsValid() {
					fmt.Println("agreement is ready for submission")
					return nil
				}
				for _, key := range result.Keys() {
					for _, msg := range result.Messages()[key] {
						fmt.Printf("%s: %s\n", key, msg)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func agreementSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <id>",
		Short: "Budget totals by status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SummarizeAgreement(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func bliCmd() *cobra.Command {
	bli := &cobra.Command{
		Use:   "bli",
		Short: "Manage budget line items",
		Long:  "Budget line items carry the money. DRAFT lines are freely editable; once PLANNED, edits to amount, CAN, or need-by date become change requests.",
	}
	bli.AddCommand(bliAddCmd())
	bli.AddCommand(bliListCmd())
	bli.AddCommand(bliShowCmd())
	bli.AddCommand(bliUpdateCmd())
	bli.AddCommand(bliDeleteCmd())
	return bli
}

func bliAddCmd() *cobra.Command {
	var opts engine.BudgetLineCreateOptions
	var amount string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a budget line item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = viper.GetString("user-id")
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount must be a decimal: %w", err)
			}
			opts.Amount = amt
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBudgetLine(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "line id (optional)")
	cmd.Flags().StringVar(&opts.AgreementID, "agreement", "", "agreement id")
	cmd.Flags().StringVar(&opts.CANID, "can", "", "CAN id")
	cmd.Flags().StringVar(&opts.ServicesComponentID, "sc", "", "services component id")
	cmd.Flags().StringVar(&opts.Description, "description", "", "line description")
	cmd.Flags().StringVar(&opts.Comments, "comments", "", "comments")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, e.g. 250000.00")
	cmd.Flags().StringVar(&opts.DateNeeded, "date-needed", "", "need-by date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("agreement")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func bliListCmd() *cobra.Command {
	var f repo.BudgetLineFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List budget line items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lines, err := e.Repo.ListBudgetLines(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lines)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agreement", "CAN", "Amount", "Date Needed", "Status", "In Review"})
				for _, b := range lines {
					tw.AppendRow(table.Row{b.ID, b.AgreementID, b.CANID, b.Amount.String(), b.DateNeeded, b.Status, b.InReview()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AgreementID, "agreement", "", "agreement filter")
	cmd.Flags().StringVar(&f.CANID, "can", "", "CAN filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func bliShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a budget line item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBudgetLine(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func bliUpdateCmd() *cobra.Command {
	var description, comments, canID, dateNeeded, amount string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a budget line item",
		Long:  "On DRAFT lines changes apply immediately. On PLANNED or in-review lines, amount, CAN, and need-by date edits park as change requests.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.BudgetLineUpdateOptions{
				ID:     args[0],
				UserID: viper.GetString("user-id"),
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("comments") {
				opts.Comments = &comments
			}
			if cmd.Flags().Changed("can") {
				opts.CANID = &canID
			}
			if cmd.Flags().Changed("date-needed") {
				opts.DateNeeded = &dateNeeded
			}
			if cmd.Flags().Changed("amount") {
				amt, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("--amount must be a decimal: %w", err)
				}
				opts.Amount = &amt
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, pending, err := e.UpdateBudgetLine(ctx, opts)
				if err != nil {
					return err
				}
				if len(pending) > 0 {
					return printJSONOrTable(map[string]any{
						"budget_line_item": b,
						"change_requests":  pending,
					})
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "line description")
	cmd.Flags().StringVar(&comments, "comments", "", "comments")
	cmd.Flags().StringVar(&canID, "can", "", "CAN id")
	cmd.Flags().StringVar(&dateNeeded, "date-needed", "", "need-by date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&amount, "amount", "", "amount")
	return cmd
}

func bliDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a DRAFT budget line item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteBudgetLine(ctx, id, viper.GetString("user-id"))
			})
		},
	}
	return cmd
}

func scCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "sc",
		Short: "Manage services components",
	}
	sc.AddCommand(scAddCmd())
	sc.AddCommand(scListCmd())
	return sc
}

func scAddCmd() *cobra.Command {
	var opts engine.ServicesComponentCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a services component to an agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = viper.GetString("user-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateServicesComponent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgreementID, "agreement", "", "agreement id")
	cmd.Flags().IntVar(&opts.Number, "number", 1, "component number")
	cmd.Flags().BoolVar(&opts.Optional, "optional", false, "optional component")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.PeriodStart, "period-start", "", "period start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.PeriodEnd, "period-end", "", "period end (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("agreement")
	return cmd
}

func scListCmd() *cobra.Command {
	var agreementID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List services components",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgreement(ctx, agreementID)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListServicesComponents(ctx, agreementID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Optional", "Period"})
				for _, sc := range items {
					name := engine.ServicesComponentName(a.Severable, sc.Number, sc.Optional)
					tw.AppendRow(table.Row{sc.ID, name, sc.Optional, sc.PeriodStart + ".." + sc.PeriodEnd})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agreementID, "agreement", "", "agreement id")
	_ = cmd.MarkFlagRequired("agreement")
	return cmd
}

func canCmd() *cobra.Command {
	can := &cobra.Command{
		Use:   "can",
		Short: "Manage CANs and fiscal-year funding",
		Long:  "CANs hold the money budget lines draw against. Funding is set per fiscal year; available funding counts PLANNED and beyond, never DRAFT.",
	}
	can.AddCommand(canCreateCmd())
	can.AddCommand(canListCmd())
	can.AddCommand(canFundCmd())
	can.AddCommand(canFundingCmd())
	return can
}

func canCreateCmd() *cobra.Command {
	var number, description, nickname string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a CAN",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCAN(ctx, number, description, nickname, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&number, "number", "", "CAN number, e.g. G994426")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&nickname, "nickname", "", "nickname")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func canListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List CANs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCANs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Nickname", "Description"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Number, c.Nickname, c.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func canFundCmd() *cobra.Command {
	var canID, total, received string
	var year int
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Set fiscal-year funding on a CAN",
		RunE: func(cmd *cobra.Command, args []string) error {
			totalAmt, err := decimal.NewFromString(total)
			if err != nil {
				return fmt.Errorf("--total must be a decimal: %w", err)
			}
			receivedAmt := decimal.Zero
			if received != "" {
				receivedAmt, err = decimal.NewFromString(received)
				if err != nil {
					return fmt.Errorf("--received must be a decimal: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fy, err := e.SetCANFunding(ctx, canID, year, totalAmt, receivedAmt, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(fy)
			})
		},
	}
	cmd.Flags().StringVar(&canID, "can", "", "CAN id")
	cmd.Flags().IntVar(&year, "year", 0, "fiscal year")
	cmd.Flags().StringVar(&total, "total", "", "total funding")
	cmd.Flags().StringVar(&received, "received", "", "received funding")
	_ = cmd.MarkFlagRequired("can")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

func canFundingCmd() *cobra.Command {
	var canID string
	var year int
	cmd := &cobra.Command{
		Use:   "funding",
		Short: "Show a CAN's fiscal-year funding summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CANFunding(ctx, canID, year)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&canID, "can", "", "CAN id")
	cmd.Flags().IntVar(&year, "year", 0, "fiscal year")
	_ = cmd.MarkFlagRequired("can")
	_ = cmd.MarkFlagRequired("year")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Submit and review budget line transitions",
		Long:  "A submission proposes one bulk status transition over selected budget lines. The agreement must pass validation, and the reviewer cannot be the submitter.",
	}
	wf.AddCommand(workflowSubmitCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowApproveCmd())
	wf.AddCommand(workflowDeclineCmd())
	return wf
}

func workflowSubmitCmd() *cobra.Command {
	var opts engine.WorkflowSubmitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit budget lines for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.UserID = viper.GetString("user-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, step, err := e.SubmitWorkflow(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"workflow": w,
					"step":     step,
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgreementID, "agreement", "", "agreement id")
	cmd.Flags().StringVar(&opts.Action, "action", "", "workflow action (DRAFT_TO_PLANNED, PLANNED_TO_EXECUTING)")
	cmd.Flags().StringArrayVar(&opts.LineIDs, "bli", []string{}, "budget line id (repeatable)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "submitter notes")
	_ = cmd.MarkFlagRequired("agreement")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorkflow(ctx, id)
				if err != nil {
					return err
				}
				steps, err := e.Repo.ListSteps(ctx, w.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"workflow": w,
					"steps":    steps,
				})
			})
		},
	}
	return cmd
}

func workflowApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <step-id>",
		Short: "Approve a pending workflow step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				step, err := e.ApproveStep(ctx, id, viper.GetString("user-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(step)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}

func workflowDeclineCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "decline <step-id>",
		Short: "Decline a pending workflow step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				step, err := e.DeclineStep(ctx, id, viper.GetString("user-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(step)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}

func changesCmd() *cobra.Command {
	ch := &cobra.Command{
		Use:   "changes",
		Short: "Review parked change requests",
	}
	ch.AddCommand(changesListCmd())
	ch.AddCommand(changesReviewCmd())
	return ch
}

func changesListCmd() *cobra.Command {
	var f repo.ChangeRequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List change requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListChangeRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Line", "Field", "Old", "New", "Status"})
				for _, cr := range items {
					tw.AppendRow(table.Row{cr.ID, cr.BudgetLineID, cr.FieldName, cr.OldValue, cr.NewValue, cr.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BudgetLineID, "bli", "", "budget line filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (IN_REVIEW, APPROVED, REJECTED)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func changesReviewCmd() *cobra.Command {
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Approve or reject a change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cr, err := e.ReviewChangeRequest(ctx, engine.ChangeRequestReviewOptions{
					ID:      id,
					Approve: approve,
					UserID:  viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(cr)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "apply the requested change")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the requested change")
	return cmd
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "notify",
		Short: "Notifications",
	}
	n.AddCommand(notifyListCmd())
	n.AddCommand(notifyReadCmd())
	return n
}

func notifyListCmd() *cobra.Command {
	var unreadOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListNotifications(ctx, viper.GetString("user-id"), unreadOnly)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "only unread")
	return cmd
}

func notifyReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.MarkNotificationRead(ctx, id)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect portfolio config",
		Long:  "Config is the rulebook stored in the DB: procurement shop catalog with fee rates, reviewer lists per workflow action, and webhook subscriptions. Import from budgetline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import portfolio config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			portfolioID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if portfolioID == "" {
					portfolioID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertPortfolioConfig(ctx, portfolioID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func portfolioCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "portfolio",
		Short: "Portfolio selection",
	}
	p.AddCommand(portfolioUseCmd())
	return p
}

func portfolioUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current portfolio for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			portfolioID := strings.TrimSpace(args[0])
			if portfolioID == "" {
				return fmt.Errorf("portfolio id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "BUDGETLINE_PORTFOLIO", portfolioID); err != nil {
				return err
			}
			fmt.Printf("Set BUDGETLINE_PORTFOLIO=%s in %s/.env\n", portfolioID, workspace)
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: agreement edits, line transitions, reviews, funding changes.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var agreementID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, agreementID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&agreementID, "agreement", "", "agreement filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString()
				now := time.Now().UTC().Format(time.RFC3339)
				userID := viper.GetString("user-id")
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureUser(ctx, tx, userID, now); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    userID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "api_key": raw})
				}
				fmt.Printf("API key %s created. Store this value, it is not shown again:\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				for i := range items {
					items[i].KeyHash = "" // never print hashes
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolvePortfolioAndConfig(cmd.Context(), viper.GetString("portfolio"), viper.GetString("user-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("BUDGETLINE_JWT_SECRET"),
				AllowLegacyUserHeader: legacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BUDGETLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), e, cfg.Webhooks, nil)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Budgetline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-user-header", false, "accept X-User-Id header as identity (local dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolvePortfolioAndConfig(ctx, viper.GetString("portfolio"), viper.GetString("user-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
