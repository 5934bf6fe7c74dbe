package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"dedupe/internal/detection"
	"dedupe/internal/rules"
	"dedupe/internal/service"
)

func newRulesCommand(ctx *commandContext) *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:     "rules",
		Aliases: []string{"rule"},
		Short:   "Manage detection rules",
		Long: `Detection rules bind a method to a threshold, optionally for one repository.
While any rule is enabled, scans and checks evaluate enabled rules in priority
order instead of scan.methods and scan.threshold.`,
	}

	rulesCmd.AddCommand(newRulesListCommand(ctx))
	rulesCmd.AddCommand(newRulesAddCommand(ctx))
	rulesCmd.AddCommand(newRulesEditCommand(ctx))
	rulesCmd.AddCommand(newRulesRemoveCommand(ctx))

	return rulesCmd
}

type ruleJSON struct {
	ID           int64        `json:"id"`
	RepositoryID *int64       `json:"repository_id,omitempty"`
	Name         string       `json:"name"`
	Method       string       `json:"method"`
	Threshold    float64      `json:"threshold"`
	Config       rules.Config `json:"config"`
	Enabled      bool         `json:"enabled"`
	Blocking     bool         `json:"blocking"`
	Priority     int          `json:"priority"`
	UpdatedAt    string       `json:"updated_at"`
}

func ruleView(rule rules.Rule) ruleJSON {
	return ruleJSON{
		ID:           rule.ID,
		RepositoryID: rule.RepositoryID,
		Name:         rule.Name,
		Method:       string(rule.Method),
		Threshold:    rule.Threshold,
		Config:       rule.Config,
		Enabled:      rule.Enabled,
		Blocking:     rule.Blocking,
		Priority:     rule.Priority,
		UpdatedAt:    formatTime(rule.UpdatedAt),
	}
}

func newRulesListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List detection rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				list, err := svc.Rules(runCtx)
				if err != nil {
					return err
				}
				if jsonOutput {
					views := make([]ruleJSON, 0, len(list))
					for _, rule := range list {
						views = append(views, ruleView(rule))
					}
					return writeJSON(cmd, views)
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No detection rules; scans use scan.methods")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, rule := range list {
					minLength := "-"
					if rule.Config.MinLength > 0 {
						minLength = strconv.Itoa(rule.Config.MinLength)
					}
					rows = append(rows, []string{
						strconv.FormatInt(rule.ID, 10),
						strconv.Itoa(rule.Priority),
						rule.Name,
						string(rule.Method),
						formatScore(rule.Threshold),
						formatOptionalID(rule.RepositoryID),
						minLength,
						orDash(rule.Config.Algorithm),
						yesNo(rule.Enabled),
						yesNo(rule.Blocking),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Priority", "Name", "Method", "Threshold", "Repository", "Min length", "Algorithm", "Enabled", "Blocking"},
					rows,
					[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// ruleFlags binds the editable rule fields to flags shared by add and edit.
type ruleFlags struct {
	name         string
	method       string
	threshold    float64
	repositoryID int64
	minLength    int
	algorithm    string
	priority     int
	blocking     bool
	disabled     bool
}

func (f *ruleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Rule name")
	cmd.Flags().StringVar(&f.method, "method", "", "Detection method (exact-identifier, fuzzy-identifier, fuzzy-title, attachment-hash, composite)")
	cmd.Flags().Float64Var(&f.threshold, "threshold", rules.DefaultThreshold, "Minimum score in [0,1]")
	cmd.Flags().Int64Var(&f.repositoryID, "repository", 0, "Limit the rule to one repository (0 applies it everywhere)")
	cmd.Flags().IntVar(&f.minLength, "min-length", 0, "Skip fuzzy-title comparisons of shorter titles")
	cmd.Flags().StringVar(&f.algorithm, "algorithm", "", "Title algorithm for fuzzy-title (defaults to scan.title_algorithm)")
	cmd.Flags().IntVar(&f.priority, "priority", rules.DefaultPriority, "Higher priorities are evaluated first")
	cmd.Flags().BoolVar(&f.blocking, "blocking", false, "Flag matches as blocking in duplicate checks")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "Store the rule without enabling it")
}

// apply copies the flags the user set onto rule. With all set, every flag
// is applied, including defaults.
func (f *ruleFlags) apply(cmd *cobra.Command, rule *rules.Rule, all bool) {
	changed := func(name string) bool {
		return all || cmd.Flags().Changed(name)
	}
	if changed("name") {
		rule.Name = f.name
	}
	if changed("method") {
		rule.Method = detection.Method(f.method)
	}
	if changed("threshold") {
		rule.Threshold = f.threshold
	}
	if changed("repository") {
		rule.RepositoryID = nil
		if f.repositoryID != 0 {
			id := f.repositoryID
			rule.RepositoryID = &id
		}
	}
	if changed("min-length") {
		rule.Config.MinLength = f.minLength
	}
	if changed("algorithm") {
		rule.Config.Algorithm = f.algorithm
	}
	if changed("priority") {
		rule.Priority = f.priority
	}
	if changed("blocking") {
		rule.Blocking = f.blocking
	}
	if changed("disabled") {
		rule.Enabled = !f.disabled
	}
}

func newRulesAddCommand(ctx *commandContext) *cobra.Command {
	var flags ruleFlags

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a detection rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rule rules.Rule
			flags.apply(cmd, &rule, true)
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				created, err := svc.CreateRule(runCtx, rule)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created rule %d (%s, %s >= %s)\n", created.ID, created.Name, created.Method, formatScore(created.Threshold))
				return nil
			})
		},
	}
	flags.register(cmd)
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

func newRulesEditCommand(ctx *commandContext) *cobra.Command {
	var (
		flags  ruleFlags
		enable bool
	)

	cmd := &cobra.Command{
		Use:   "edit <ruleId>",
		Short: "Change fields of a detection rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("rule", args[0])
			if err != nil {
				return err
			}
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				rule, err := svc.Rule(runCtx, id)
				if err != nil {
					return err
				}
				flags.apply(cmd, rule, false)
				if cmd.Flags().Changed("enable") {
					rule.Enabled = enable
				}
				updated, err := svc.UpdateRule(runCtx, *rule)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated rule %d (%s, enabled: %s)\n", updated.ID, updated.Name, yesNo(updated.Enabled))
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable (or with =false, disable) the rule")
	return cmd
}

func newRulesRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <ruleId>",
		Aliases: []string{"rm", "delete"},
		Short:   "Delete a detection rule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("rule", args[0])
			if err != nil {
				return err
			}
			return ctx.withService(cmd, func(runCtx context.Context, svc *service.Service) error {
				if err := svc.DeleteRule(runCtx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted rule %d\n", id)
				return nil
			})
		},
	}
}
