package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/born-ml/saliency/internal/gradcam"
)

var archsCmd = &cobra.Command{
	Use:   "archs [variant...]",
	Short: "List registered architectures and their target layers",
	Long: `Lists the architecture registry, including configured variants. With
arguments, resolves each identifier the way explain does (scra_ and _poly
decorations are ignored).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := cfg.NewRegistry()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VARIANT\tLAYER\tPREPROCESSING")

		ids := args
		if len(ids) == 0 {
			for _, v := range reg.Variants() {
				ids = append(ids, string(v))
			}
		}
		var failed error
		for _, id := range ids {
			spec, err := reg.Resolve(id)
			if err != nil {
				fmt.Fprintf(tw, "%s\t-\t%v\n", id, gradcam.KindOf(err))
				failed = err
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", id, spec.Layer, spec.Preprocessing)
		}
		if fb := reg.Fallback(); fb != "" && len(args) == 0 {
			fmt.Fprintf(tw, "*\t%s\t%s\n", fb, "native")
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		return failed
	},
}
