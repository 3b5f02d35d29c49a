package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/lectures/pipeline-go/internal/model"
	"github.com/example/lectures/pipeline-go/internal/templates"
)

func newTemplatesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List, show and import job templates",
	}
	cmd.AddCommand(newTemplatesListCmd(a))
	cmd.AddCommand(newTemplatesShowCmd(a))
	cmd.AddCommand(newTemplatesImportCmd(a))
	return cmd
}

func newTemplatesListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates in catalog order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(); err != nil {
				return err
			}
			list, err := a.templates.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No templates.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBLOCKS\tDESCRIPTION")
			for _, t := range list {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.ID, t.Name, strings.Join(t.Blocks, ";"), t.Description)
			}
			return w.Flush()
		},
	}
}

func newTemplatesShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a template body and the variables a caller must set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			tpl, err := a.templates.ByName(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("template %s: %w", args[0], err)
			}
			body, err := a.templates.Body(tpl.Name)
			if err != nil {
				return err
			}
			required, err := a.templates.RequiredVariables(tpl.Name, a.cfg.TokenDefaults())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s (id %d)\n", tpl.Name, tpl.ID)
			fmt.Fprintf(out, "# blocks:   %s\n", strings.Join(tpl.Blocks, " -> "))
			fmt.Fprintf(out, "# required: %s\n\n", strings.Join(required, ", "))
			fmt.Fprint(out, body)
			return nil
		},
	}
}

func newTemplatesImportCmd(a *app) *cobra.Command {
	var (
		blocks      string
		description string
		name        string
	)
	cmd := &cobra.Command{
		Use:   "import <file.ini>",
		Short: "Add an .ini file to the template catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[0])
			}
			tpl, err := a.templates.Create(cmd.Context(), model.Template{
				Name:        name,
				Description: description,
				Blocks:      templates.ParseBlocks(blocks),
			}, string(body))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s as template %d (variables: %s)\n",
				tpl.Name, tpl.ID, strings.Join(templates.ExtractVariables(string(body)), ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&blocks, "blocks", "", "semicolon-separated block list (required)")
	cmd.Flags().StringVar(&description, "description", "", "template description")
	cmd.Flags().StringVar(&name, "name", "", "catalog name (defaults to the file name)")
	_ = cmd.MarkFlagRequired("blocks")
	return cmd
}
