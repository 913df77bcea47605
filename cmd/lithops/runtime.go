package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomwhite/lithops/internal/build"
	"github.com/tomwhite/lithops/internal/lifecycle"
	"github.com/tomwhite/lithops/internal/protocol"
	"github.com/tomwhite/lithops/internal/runtimekey"
)

var (
	runtimeMemory  int
	runtimeTimeout time.Duration
	dockerfile     string
	payloadArg     string
	syncInvoke     bool

	runtimeCmd = &cobra.Command{
		Use:   "runtime",
		Short: "Build, deploy and manage runtimes",
	}

	runtimeBuildCmd = &cobra.Command{
		Use:   "build <image>",
		Short: "Build a runtime image from a Dockerfile or the default template",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuntimeBuild,
	}

	runtimeCreateCmd = &cobra.Command{
		Use:   "create <image|default>",
		Short: "Deploy a runtime and print its metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuntimeCreate,
	}

	runtimeListCmd = &cobra.Command{
		Use:   "list [image|all]",
		Short: "List deployed runtimes",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRuntimeList,
	}

	runtimeDeleteCmd = &cobra.Command{
		Use:   "delete <image|default>",
		Short: "Delete a deployed runtime",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuntimeDelete,
	}

	runtimeDeleteAllCmd = &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every deployed runtime",
		Args:  cobra.NoArgs,
		RunE:  runRuntimeDeleteAll,
	}

	runtimeMetaCmd = &cobra.Command{
		Use:   "meta <image|default>",
		Short: "Show the modules installed in a deployed runtime",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuntimeMeta,
	}

	runtimeInvokeCmd = &cobra.Command{
		Use:   "invoke <image|default>",
		Short: "Send a payload to a deployed runtime",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuntimeInvoke,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{runtimeCreateCmd, runtimeDeleteCmd, runtimeMetaCmd, runtimeInvokeCmd} {
		cmd.Flags().IntVarP(&runtimeMemory, "memory", "m", cfg.RuntimeMemoryMB, "runtime memory in MB")
	}
	runtimeCreateCmd.Flags().DurationVar(&runtimeTimeout, "timeout", cfg.RuntimeTimeout, "request timeout of the deployed service")
	runtimeBuildCmd.Flags().StringVarP(&dockerfile, "file", "f", build.DefaultSource, "Dockerfile path, or \"default\" for the default template")
	runtimeInvokeCmd.Flags().StringVarP(&payloadArg, "payload", "p", "{}", "JSON payload, or @file to read it from a file")
	runtimeInvokeCmd.Flags().BoolVar(&syncInvoke, "sync", false, "wait for and print the response body")

	runtimeCmd.AddCommand(runtimeBuildCmd, runtimeCreateCmd, runtimeListCmd, runtimeDeleteCmd,
		runtimeDeleteAllCmd, runtimeMetaCmd, runtimeInvokeCmd)
}

// withBackend wires a backend for the duration of fn and cancels on SIGINT.
func withBackend(cmd *cobra.Command, fn func(ctx context.Context, b *backend) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	b, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, b)
}

func runtimeKey(b *backend, ref string) (runtimekey.Key, error) {
	img, err := b.manager.ResolveImage(ref)
	if err != nil {
		return runtimekey.Key{}, err
	}
	return runtimekey.NewKey(img, runtimeMemory)
}

func runRuntimeBuild(cmd *cobra.Command, args []string) error {
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		img, err := b.manager.ResolveImage(args[0])
		if err != nil {
			return err
		}
		if err := b.manager.BuildRuntime(ctx, img.String(), dockerfile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", img)
		return nil
	})
}

func runRuntimeCreate(cmd *cobra.Command, args []string) error {
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		key, err := runtimeKey(b, args[0])
		if err != nil {
			return err
		}
		meta, err := b.manager.CreateRuntime(ctx, key, runtimeTimeout)
		if err != nil {
			return err
		}
		return printMetadata(cmd.OutOrStdout(), meta)
	})
}

func runRuntimeList(cmd *cobra.Command, args []string) error {
	filter := lifecycle.AllRuntimes
	if len(args) == 1 {
		filter = args[0]
	}
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		if filter != lifecycle.AllRuntimes {
			img, err := b.manager.ResolveImage(filter)
			if err != nil {
				return err
			}
			filter = img.String()
		}
		keys, err := b.manager.ListRuntimes(ctx, filter)
		if err != nil {
			return err
		}
		return printRuntimes(cmd.OutOrStdout(), keys)
	})
}

func runRuntimeDelete(cmd *cobra.Command, args []string) error {
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		key, err := runtimeKey(b, args[0])
		if err != nil {
			return err
		}
		if err := b.manager.DeleteRuntime(ctx, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
		return nil
	})
}

func runRuntimeDeleteAll(cmd *cobra.Command, args []string) error {
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		return b.manager.DeleteAllRuntimes(ctx)
	})
}

func runRuntimeMeta(cmd *cobra.Command, args []string) error {
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		key, err := runtimeKey(b, args[0])
		if err != nil {
			return err
		}
		meta, err := b.manager.RuntimeMetadata(ctx, key)
		if err != nil {
			return err
		}
		return printMetadata(cmd.OutOrStdout(), meta)
	})
}

func runRuntimeInvoke(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(payloadArg)
	if err != nil {
		return err
	}
	return withBackend(cmd, func(ctx context.Context, b *backend) error {
		key, err := runtimeKey(b, args[0])
		if err != nil {
			return err
		}
		res, err := b.client.Invoke(ctx, key, payload, syncInvoke)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	})
}

func readPayload(arg string) (protocol.Payload, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	}
	var payload protocol.Payload
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return payload, nil
}
