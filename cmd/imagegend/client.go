package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/imagegend/pkg/client"
	"github.com/cuemby/imagegend/pkg/events"
	"github.com/cuemby/imagegend/pkg/types"
)

// defaultServerURL is where a locally launched backend listens
const defaultServerURL = "http://127.0.0.1:8960"

func newClient(cmd *cobra.Command) (*client.Client, error) {
	serverURL, _ := cmd.Flags().GetString("server")
	c, err := client.New(serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %v", err)
	}
	return c, nil
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Submit a generation task and follow its progress",
	Long: `Submit a generation task to a running backend and stream progress
until it finishes.

Examples:
  # Two images from the default provider
  imagegend generate --provider gemini --model gemini-2.5-flash-image \
    --prompt "a watercolor lighthouse at dusk" --count 2`,
	RunE: runGenerate,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage tasks on a running backend",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks with their images",
	RunE:  runTasksList,
}

var tasksGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksGet,
}

var tasksDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Cancel a running task or delete a finished one",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksDelete,
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List providers on a running backend",
	RunE:  runProvidersList,
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List prompt templates from the catalog",
	RunE:  runTemplatesList,
}

func init() {
	for _, cmd := range []*cobra.Command{generateCmd, tasksListCmd, tasksGetCmd, tasksDeleteCmd, providersCmd, templatesCmd} {
		cmd.Flags().String("server", defaultServerURL, "Backend address")
	}

	generateCmd.Flags().String("provider", "", "Provider name (required)")
	generateCmd.Flags().String("model", "", "Model identifier (required)")
	generateCmd.Flags().String("prompt", "", "Generation prompt (required)")
	generateCmd.Flags().Int("count", 1, "Number of images")
	generateCmd.Flags().String("aspect-ratio", "", "Aspect ratio, e.g. 1:1 or 16:9")
	generateCmd.Flags().String("image-size", "", "Resolution tier, e.g. 1K or 2K")
	_ = generateCmd.MarkFlagRequired("provider")
	_ = generateCmd.MarkFlagRequired("model")
	_ = generateCmd.MarkFlagRequired("prompt")

	tasksListCmd.Flags().Int("page", 1, "Page number")
	tasksListCmd.Flags().Int("page-size", 20, "Tasks per page")
	tasksListCmd.Flags().String("keyword", "", "Filter by prompt substring")

	templatesCmd.Flags().String("category", "", "Filter by category")
	templatesCmd.Flags().String("keyword", "", "Filter by name or prompt substring")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)
	tasksCmd.AddCommand(tasksDeleteCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	provider, _ := cmd.Flags().GetString("provider")
	model, _ := cmd.Flags().GetString("model")
	prompt, _ := cmd.Flags().GetString("prompt")
	count, _ := cmd.Flags().GetInt("count")
	aspectRatio, _ := cmd.Flags().GetString("aspect-ratio")
	imageSize, _ := cmd.Flags().GetString("image-size")

	task, err := c.Generate(cmd.Context(), types.GenerateRequest{
		Provider: provider,
		Model:    model,
		Params: types.GenerateParams{
			Prompt:      prompt,
			AspectRatio: types.AspectRatio(aspectRatio),
			Resolution:  types.Resolution(imageSize),
			Count:       count,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to submit task: %v", err)
	}
	fmt.Printf("✓ Task submitted: %s\n", task.ID)

	stream, err := c.Stream(cmd.Context(), task.ID)
	if err != nil {
		return fmt.Errorf("failed to open progress stream: %v", err)
	}
	for event := range stream {
		switch event.Kind {
		case events.KindStart:
			fmt.Printf("  generating %d image(s)...\n", event.Total)
		case events.KindProgress:
			fmt.Printf("  %d/%d done\n", event.Completed, event.Total)
		case events.KindComplete:
			fmt.Printf("✓ Completed with %d image(s)\n", event.ImagesCount)
		case events.KindError:
			fmt.Fprintf(os.Stderr, "✗ Failed: %s\n", event.Message)
		}
	}

	item, err := c.GetTask(cmd.Context(), task.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch result: %v", err)
	}
	for _, img := range item.Images {
		if img.Status == types.ImageStatusSuccess {
			fmt.Printf("  %s  %dx%d  %s\n", img.ID, img.Width, img.Height, img.ContentPath)
		}
	}
	return nil
}

func runTasksList(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	page, _ := cmd.Flags().GetInt("page")
	pageSize, _ := cmd.Flags().GetInt("page-size")
	keyword, _ := cmd.Flags().GetString("keyword")

	result, err := c.ListImages(cmd.Context(), types.TaskFilter{
		Page:     page,
		PageSize: pageSize,
		Keyword:  keyword,
	})
	if err != nil {
		return fmt.Errorf("failed to list tasks: %v", err)
	}

	fmt.Printf("%d task(s), page %d\n", result.Total, result.Page)
	for _, item := range result.Items {
		printTask(item)
	}
	return nil
}

func runTasksGet(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	item, err := c.GetTask(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get task: %v", err)
	}
	printTask(item)
	return nil
}

func runTasksDelete(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	if err := c.DeleteTask(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete task: %v", err)
	}
	fmt.Printf("✓ Task deleted: %s\n", args[0])
	return nil
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	infos, err := c.ListProviders(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list providers: %v", err)
	}
	for _, info := range infos {
		state := "disabled"
		if info.Enabled && info.Configured {
			state = "ready"
		} else if info.Enabled {
			state = "no API key"
		}
		fmt.Printf("  %-12s %-20s %s\n", info.Name, info.DisplayName, state)
	}
	return nil
}

func runTemplatesList(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	category, _ := cmd.Flags().GetString("category")
	keyword, _ := cmd.Flags().GetString("keyword")

	catalog, err := c.ListTemplates(cmd.Context(), client.TemplateQuery{
		Category: category,
		Keyword:  keyword,
	})
	if err != nil {
		return fmt.Errorf("failed to list templates: %v", err)
	}

	fmt.Printf("%d template(s), updated %s\n", catalog.Meta.Total, catalog.Meta.UpdatedAt.Format("2006-01-02"))
	for _, tpl := range catalog.Items {
		fmt.Printf("  %-24s %-12s %q\n", tpl.Name, tpl.Category, truncate(tpl.Prompt, 56))
	}
	return nil
}

func printTask(item *types.TaskWithImages) {
	task := item.Task
	fmt.Printf("%s  %-10s  %d/%d  %q\n", task.ID, task.Status, task.CompletedCount, task.TotalCount, truncate(task.Prompt, 48))
	if task.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", task.ErrorMessage)
	}
	for _, img := range item.Images {
		fmt.Printf("  %s  %-8s  %s\n", img.ID, img.Status, img.ContentPath)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
