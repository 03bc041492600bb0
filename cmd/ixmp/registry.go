package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newUnitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "units",
		Short: "List registered units",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlatform()
			if err != nil {
				return err
			}
			defer p.Close()
			units, err := p.Units(cmd.Context())
			if err != nil {
				return err
			}
			for _, u := range units {
				fmt.Println(u)
			}
			return nil
		},
	}

	var comment string
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlatform()
			if err != nil {
				return err
			}
			defer p.Close()
			return p.AddUnit(cmd.Context(), args[0], comment)
		},
	}
	add.Flags().StringVar(&comment, "comment", "", "unit description")
	cmd.AddCommand(add)
	return cmd
}

func newRegionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "List registered regions",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlatform()
			if err != nil {
				return err
			}
			defer p.Close()
			regions, err := p.Regions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REGION\tMAPPED TO\tPARENT\tHIERARCHY")
			for _, r := range regions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Region, r.MappedTo, r.Parent, r.Hierarchy)
			}
			return w.Flush()
		},
	}

	var (
		hierarchy string
		parent    string
	)
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlatform()
			if err != nil {
				return err
			}
			defer p.Close()
			return p.AddRegion(cmd.Context(), args[0], hierarchy, parent)
		},
	}
	add.Flags().StringVar(&hierarchy, "hierarchy", "common", "region hierarchy")
	add.Flags().StringVar(&parent, "parent", "", "parent region")
	cmd.AddCommand(add)
	return cmd
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List registered model names",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlatform()
			if err != nil {
				return err
			}
			defer p.Close()
			models, err := p.ModelNames(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Println(m)
			}
			return nil
		},
	}
}
