package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/labhya/labhya/pkg/models"
)

var (
	gpuName        string
	gpuModel       string
	gpuMemory      int
	gpuPrice       float64
	gpuLocation    string
	gpuAvailable   bool
	gpuUnavailable bool
)

var gpusCmd = &cobra.Command{
	Use:     "gpus",
	Aliases: []string{"gpu"},
	Short:   "Browse and manage GPU listings",
}

var gpusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List GPUs (a host sees its own listings)",
	RunE:  runGPUsList,
}

var gpusAvailableCmd = &cobra.Command{
	Use:   "available",
	Short: "List GPUs that can be rented now",
	RunE:  runGPUsAvailable,
}

var gpusGetCmd = &cobra.Command{
	Use:   "get <gpu-id>",
	Short: "Show one GPU",
	Args:  cobra.ExactArgs(1),
	RunE:  runGPUsGet,
}

var gpusCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "List a new GPU (hosts only)",
	RunE:  runGPUsCreate,
}

var gpusUpdateCmd = &cobra.Command{
	Use:   "update <gpu-id>",
	Short: "Change fields of a GPU listing (hosts only)",
	Long: `Change fields of a GPU listing. Only the flags given are sent.

Examples:
  labhya gpus update 3 --price 45
  labhya gpus update 3 --unavailable`,
	Args: cobra.ExactArgs(1),
	RunE: runGPUsUpdate,
}

var gpusDeleteCmd = &cobra.Command{
	Use:   "delete <gpu-id>",
	Short: "Remove a GPU listing (hosts only)",
	Args:  cobra.ExactArgs(1),
	RunE:  runGPUsDelete,
}

func init() {
	rootCmd.AddCommand(gpusCmd)
	gpusCmd.AddCommand(gpusListCmd)
	gpusCmd.AddCommand(gpusAvailableCmd)
	gpusCmd.AddCommand(gpusGetCmd)
	gpusCmd.AddCommand(gpusCreateCmd)
	gpusCmd.AddCommand(gpusUpdateCmd)
	gpusCmd.AddCommand(gpusDeleteCmd)

	for _, c := range []*cobra.Command{gpusCreateCmd, gpusUpdateCmd} {
		c.Flags().StringVar(&gpuName, "name", "", "GPU name")
		c.Flags().StringVar(&gpuModel, "model", "", "GPU model")
		c.Flags().IntVar(&gpuMemory, "memory", 0, "GPU memory in GB")
		c.Flags().Float64Var(&gpuPrice, "price", 0, "Price per hour")
		c.Flags().StringVar(&gpuLocation, "location", "", "Location")
	}
	gpusCreateCmd.Flags().BoolVar(&gpuUnavailable, "unavailable", false, "List the GPU as unavailable")
	gpusCreateCmd.MarkFlagRequired("name")
	gpusCreateCmd.MarkFlagRequired("model")
	gpusCreateCmd.MarkFlagRequired("memory")
	gpusCreateCmd.MarkFlagRequired("price")
	gpusCreateCmd.MarkFlagRequired("location")

	gpusUpdateCmd.Flags().BoolVar(&gpuAvailable, "available", false, "Mark the GPU available")
	gpusUpdateCmd.Flags().BoolVar(&gpuUnavailable, "unavailable", false, "Mark the GPU unavailable")
	gpusUpdateCmd.MarkFlagsMutuallyExclusive("available", "unavailable")
}

func runGPUsList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		if err := a.cache.FetchGPUs(ctx); err != nil {
			return fmt.Errorf("failed to list GPUs: %w", err)
		}
		return printGPUs(a.cache.GPUs().Data)
	})
}

func runGPUsAvailable(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		if err := a.cache.FetchMarketplace(ctx); err != nil {
			return fmt.Errorf("failed to list available GPUs: %w", err)
		}
		return printGPUs(a.cache.Marketplace().Data)
	})
}

func runGPUsGet(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		gpu, err := a.client.GetGPU(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get GPU: %w", err)
		}
		return printGPUs([]models.GPU{*gpu})
	})
}

func runGPUsCreate(cmd *cobra.Command, args []string) error {
	input := models.GPUInput{
		Name:         gpuName,
		Model:        gpuModel,
		MemoryGB:     gpuMemory,
		PricePerHour: gpuPrice,
		Location:     gpuLocation,
		Available:    !gpuUnavailable,
	}

	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		gpu, err := a.cache.CreateGPU(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to create GPU: %w", err)
		}
		if jsonOutput() {
			return printJSON(gpu)
		}
		fmt.Fprintf(stdout, "Created GPU %s (%s, %s/hr).\n", gpu.ID, gpu.Name, money(gpu.PricePerHour))
		return nil
	})
}

// gpuPatchFromFlags builds a patch holding only the flags the user set
func gpuPatchFromFlags(cmd *cobra.Command) models.GPUPatch {
	var patch models.GPUPatch
	flags := cmd.Flags()
	if flags.Changed("name") {
		patch.Name = &gpuName
	}
	if flags.Changed("model") {
		patch.Model = &gpuModel
	}
	if flags.Changed("memory") {
		patch.MemoryGB = &gpuMemory
	}
	if flags.Changed("price") {
		patch.PricePerHour = &gpuPrice
	}
	if flags.Changed("location") {
		patch.Location = &gpuLocation
	}
	switch {
	case flags.Changed("available"):
		v := gpuAvailable
		patch.Available = &v
	case flags.Changed("unavailable"):
		v := !gpuUnavailable
		patch.Available = &v
	}
	return patch
}

func runGPUsUpdate(cmd *cobra.Command, args []string) error {
	patch := gpuPatchFromFlags(cmd)
	if patch == (models.GPUPatch{}) {
		return fmt.Errorf("nothing to update; pass at least one field flag")
	}

	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		gpu, err := a.cache.PatchGPU(ctx, args[0], patch)
		if err != nil {
			return fmt.Errorf("failed to update GPU: %w", err)
		}
		if jsonOutput() {
			return printJSON(gpu)
		}
		fmt.Fprintf(stdout, "Updated GPU %s.\n", gpu.ID)
		return nil
	})
}

func runGPUsDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, true, func(ctx context.Context, a *app) error {
		if err := a.cache.DeleteGPU(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete GPU: %w", err)
		}
		fmt.Fprintf(stdout, "Deleted GPU %s.\n", args[0])
		return nil
	})
}
