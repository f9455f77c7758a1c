package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/rules"
)

func rulesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and edit rule documents",
	}
	cmd.AddCommand(rulesValidateCmd())
	cmd.AddCommand(rulesKindsCmd())
	cmd.AddCommand(rulesAddCmd(flags))
	return cmd
}

func rulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check that every rule in a document builds",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				if err := validateRuleFile(out, path); err != nil {
					failed++
					fmt.Fprintf(out, "%s %s: %v\n", color.New(color.FgRed).Sprint("FAIL"), path, err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d rule documents invalid", failed, len(args))
			}
			return nil
		},
	}
}

func validateRuleFile(out io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	configs, err := rules.Validate(rules.DefaultFactory(), data)
	if err != nil {
		return err
	}
	enabled := 0
	for _, c := range configs {
		if c.IsEnabled() {
			enabled++
		}
	}
	fmt.Fprintf(out, "%s %s: %d rules, %d enabled\n", color.New(color.FgGreen).Sprint("OK  "), path, len(configs), enabled)
	return nil
}

func rulesKindsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the rule kinds this build knows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tDESCRIPTION")
			for _, k := range rules.DefaultFactory().Kinds() {
				fmt.Fprintf(tw, "%s\t%s\n", k.Name, k.Description)
			}
			return tw.Flush()
		},
	}
}

func rulesAddCmd(flags *globalFlags) *cobra.Command {
	var (
		file     string
		cfg      rules.RuleConfig
		params   string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a rule to a rule document",
		Long: `Add validates the new rule against the document, then rewrites the document
with the rule appended. A missing document is created.`,
		Example: `  dockwatch rules add --file rules.yaml --name door --kind DoorSensorRule \
    --params '{"stuck_open_after": "30m"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				cfg.Parameters = json.RawMessage(params)
			}
			if disabled {
				off := false
				cfg.Enabled = &off
			}

			logger := setupLogger(cmd.ErrOrStderr(), flags.logLevel, flags.logFormat)
			mgr := rules.NewManager(nil, rules.FileStore{Path: file}, rules.WithLogger(logger))
			if _, err := mgr.Load(cmd.Context()); err != nil && !stderrors.Is(err, errors.ErrConfigNotFound) {
				return err
			}
			if err := mgr.AddRule(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s) to %s, %d rules\n", cfg.Name, cfg.Kind, file, len(mgr.Configs()))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "rules.yaml", "rule document to edit")
	f.StringVar(&cfg.Name, "name", "", "rule name, unique within the document")
	f.StringVar(&cfg.Kind, "kind", "", "rule kind (see 'dockwatch rules kinds')")
	f.StringVar(&cfg.Description, "description", "", "free text description")
	f.StringVar(&params, "params", "", "rule parameters as a JSON object")
	f.BoolVar(&disabled, "disabled", false, "add the rule disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}
