package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	logutil "github.com/docker/poolkit/pkg/log"
	provider "github.com/docker/poolkit/pkg/provider/aws"
	group_plugin "github.com/docker/poolkit/pkg/provider/aws/plugin/group"
	instance_plugin "github.com/docker/poolkit/pkg/provider/aws/plugin/instance"
	"github.com/docker/poolkit/pkg/spi/instance"
)

func main() {
	var (
		logLevel  int
		logFormat string
		namespace map[string]string

		builder = &provider.Builder{}
	)

	cmd := &cobra.Command{
		Use:   "poolkit",
		Short: "Provision and tear down pools of EC2 instances by virtual instance id",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logutil.Configure(&logutil.Options{Level: logLevel, Format: logFormat})
		},
	}
	cmd.PersistentFlags().IntVar(&logLevel, "log", logutil.DefaultLogLevel, "Logging level. 0 is least verbose. Max is 5")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "term", "Log format: term, json or plain")
	cmd.PersistentFlags().StringToStringVar(&namespace, "namespace-tags", nil, "Tags to scope all objects to this deployment, as key=value")
	cmd.PersistentFlags().AddFlagSet(builder.Flags())

	cmd.AddCommand(allocateCommand(builder, &namespace))
	cmd.AddCommand(destroyCommand(builder, &namespace))
	cmd.AddCommand(statusCommand(builder, &namespace))
	cmd.AddCommand(groupCommand(builder, &namespace))

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, so that an
// interruption propagates into the allocator's wait loops as a cancellation
// and triggers rollback instead of stranding remote state.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildAllocator(builder *provider.Builder, namespace map[string]string, options instance_plugin.Options) (instance.Allocator, error) {
	client, err := builder.BuildEC2Client()
	if err != nil {
		return nil, err
	}
	return instance_plugin.NewAllocator(client, namespace, options), nil
}

func readSpec(path string, tags map[string]string, groupName string) (instance.Spec, error) {
	properties, err := os.ReadFile(path)
	if err != nil {
		return instance.Spec{}, fmt.Errorf("unable to read spec file: %w", err)
	}
	if !json.Valid(properties) {
		return instance.Spec{}, fmt.Errorf("spec file %s is not valid JSON", path)
	}
	return instance.Spec{
		Properties: properties,
		Tags:       tags,
		GroupName:  groupName,
	}, nil
}

func allocateCommand(builder *provider.Builder, namespace *map[string]string) *cobra.Command {
	var (
		groupName string
		minCount  int
		specPath  string
		tags      map[string]string
		timeout   time.Duration
		interval  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "allocate <virtual id> [<virtual id> ...]",
		Short: "Allocate one instance per virtual id, or roll everything back",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readSpec(specPath, tags, groupName)
			if err != nil {
				return err
			}
			alloc, err := buildAllocator(builder, *namespace, instance_plugin.Options{
				RequestExpiration: timeout,
				PollInterval:      interval,
			})
			if err != nil {
				return err
			}

			ids := make([]instance.VirtualID, len(args))
			for i, arg := range args {
				ids[i] = instance.VirtualID(arg)
			}

			ctx, cancel := signalContext()
			defer cancel()

			descriptions, err := alloc.Allocate(ctx, spec, ids, minCount)
			if err != nil {
				return err
			}
			for _, d := range descriptions {
				fmt.Printf("%s\t%s\t%s\n", d.VirtualID, d.ID, d.PrivateIPAddress)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&groupName, "group", "", "Name of the pool the instances belong to")
	cmd.Flags().IntVar(&minCount, "min", 0, "Smallest number of ready instances that constitutes success; defaults to all of them")
	cmd.Flags().StringVar(&specPath, "spec", "", "Path to the JSON launch description")
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "Extra tags for created objects, as key=value")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "How long requests stay valid before the session gives up")
	cmd.Flags().DurationVar(&interval, "poll-interval", 5*time.Second, "Sleep between provider polls")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if minCount == 0 && !cmd.Flags().Changed("min") {
			minCount = len(args)
		}
		return nil
	}
	return cmd
}

func destroyCommand(builder *provider.Builder, namespace *map[string]string) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <virtual id> [<virtual id> ...]",
		Short: "Cancel requests and terminate instances tagged with the virtual ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := buildAllocator(builder, *namespace, instance_plugin.Options{})
			if err != nil {
				return err
			}
			ids := make([]instance.VirtualID, len(args))
			for i, arg := range args {
				ids[i] = instance.VirtualID(arg)
			}
			ctx, cancel := signalContext()
			defer cancel()
			return alloc.Deallocate(ctx, ids)
		},
	}
}

func statusCommand(builder *provider.Builder, namespace *map[string]string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <virtual id> [<virtual id> ...]",
		Short: "Show the instances currently tagged with the virtual ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := buildAllocator(builder, *namespace, instance_plugin.Options{})
			if err != nil {
				return err
			}
			ids := make([]instance.VirtualID, len(args))
			for i, arg := range args {
				ids[i] = instance.VirtualID(arg)
			}
			ctx, cancel := signalContext()
			defer cancel()
			descriptions, err := alloc.DescribeAllocated(ctx, ids)
			if err != nil {
				return err
			}
			for _, d := range descriptions {
				fmt.Printf("%s\t%s\t%s\n", d.VirtualID, d.ID, d.PrivateIPAddress)
			}
			return nil
		},
	}
}

func groupCommand(builder *provider.Builder, namespace *map[string]string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage one Auto Scaling group standing in for a pool",
	}

	buildGroupAllocator := func() (instance.GroupAllocator, error) {
		client, err := builder.BuildAutoScalingClient()
		if err != nil {
			return nil, err
		}
		return group_plugin.NewGroupAllocator(client, *namespace), nil
	}

	var (
		templateName string
		size         int
		minSize      int
		specPath     string
		tags         map[string]string
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create the launch template and a group referencing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := buildGroupAllocator()
			if err != nil {
				return err
			}
			spec := instance.GroupSpec{
				Name:         args[0],
				TemplateName: templateName,
				Size:         size,
				MinSize:      minSize,
				Tags:         tags,
			}
			if specPath != "" {
				properties, err := os.ReadFile(specPath)
				if err != nil {
					return fmt.Errorf("unable to read spec file: %w", err)
				}
				spec.Properties = properties
			}
			ctx, cancel := signalContext()
			defer cancel()
			handle, err := g.AllocateGroup(ctx, spec)
			if err != nil {
				return err
			}
			fmt.Println(handle)
			return nil
		},
	}
	create.Flags().StringVar(&templateName, "template", "", "Name of the launch configuration to create")
	create.Flags().IntVar(&size, "size", 1, "Desired number of instances in the group")
	create.Flags().IntVar(&minSize, "min-size", 0, "Smallest group size that constitutes success")
	create.Flags().StringVar(&specPath, "spec", "", "Path to the JSON group configuration")
	create.Flags().StringToStringVar(&tags, "tag", nil, "Extra tags for the group, as key=value")

	var resizeTo int
	resize := &cobra.Command{
		Use:   "resize <name>",
		Short: "Change the desired size of an existing group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := buildGroupAllocator()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return g.ResizeGroup(ctx, instance.GroupHandle(args[0]), resizeTo)
		},
	}
	resize.Flags().IntVar(&resizeTo, "size", 0, "New desired number of instances")

	var deleteTemplate string
	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete the group and its launch template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := buildGroupAllocator()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return g.DeallocateGroup(ctx, instance.GroupHandle(args[0]), deleteTemplate)
		},
	}
	del.Flags().StringVar(&deleteTemplate, "template", "", "Name of the launch configuration to delete as well")

	cmd.AddCommand(create, resize, del)
	return cmd
}
