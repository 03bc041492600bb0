package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newPlatformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List configured platforms",
		RunE: func(cmd *cobra.Command, args []string) error {
			platforms := viper.GetStringMap("platforms")
			if len(platforms) == 0 {
				fmt.Println("local (built-in file backend)")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tBACKEND")
			for name := range platforms {
				backend := viper.GetString("platforms." + name + ".backend")
				fmt.Fprintf(w, "%s\t%s\n", name, backend)
			}
			return w.Flush()
		},
	}
}

func newScenariosCmd() *cobra.Command {
	var (
		model       string
		scenario    string
		defaultOnly bool
	)
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "List stored runs on a platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlatform()
			if err != nil {
				return err
			}
			defer p.Close()

			rows, err := p.Scenarios(cmd.Context(), defaultOnly, model, scenario)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tSCENARIO\tVERSION\tDEFAULT\tLOCKED\tUPDATED\tANNOTATION")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%v\t%s\t%s\n",
					r.Model, r.Scenario, r.Version, r.IsDefault, r.IsLocked,
					r.UpdateDate.Format("2006-01-02 15:04"), r.Annotation)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "restrict to one model")
	cmd.Flags().StringVar(&scenario, "scenario", "", "restrict to one scenario name")
	cmd.Flags().BoolVar(&defaultOnly, "default", false, "only default versions")
	return cmd
}
