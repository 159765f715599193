package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/saliency/internal/loader"
	"github.com/born-ml/saliency/internal/nn"
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Inspect and export model weights",
}

var weightsExportCmd = &cobra.Command{
	Use:   "export <manifest> <out.safetensors>",
	Short: "Write the parameters of a manifest model to a SafeTensors file",
	Long: `Builds the model of a manifest (loading its weights file, if any) and writes
every parameter as float32, keyed "<node path>/<param>".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, m, err := loader.Load(args[0])
		if err != nil {
			return err
		}
		state := nn.StateDict(model)
		meta := map[string]string{"name": m.Name, "architecture": m.Architecture}
		if err := loader.WriteSafeTensors(args[1], state, meta); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors to %s\n", len(state), args[1])
		return nil
	},
}

var weightsListCmd = &cobra.Command{
	Use:   "list <file.safetensors>",
	Short: "List the tensors of a SafeTensors file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := loader.NewSafeTensorsReader(args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		for _, name := range r.TensorNames() {
			info, err := r.TensorInfo(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%v\n", name, info.DType, info.Shape)
		}
		return nil
	},
}

func init() {
	weightsCmd.AddCommand(weightsExportCmd, weightsListCmd)
}
