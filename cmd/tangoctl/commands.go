package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tangoremote/tango/internal/api"
)

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <filename>",
		Short: "Upload a file under the working directory identified by --access-key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := args[0]
			content, err := os.ReadFile(filename)
			if err != nil {
				return err
			}

			var entry api.ManifestEntry
			if err := newClient().do("POST", "/upload/"+accessKey+"/"+filename, content, &entry); err != nil {
				return err
			}
			return printJSON(entry)
		},
	}
}

func addJobCmd() *cobra.Command {
	var specFile string
	cmd := &cobra.Command{
		Use:   "add-job",
		Short: "Submit a job from a JSON spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(specFile)
			if err != nil {
				return err
			}
			var spec api.JobSpec
			if err := json.Unmarshal(data, &spec); err != nil {
				return err
			}
			if spec.AccessKey == "" {
				spec.AccessKey = accessKey
			}

			var result map[string]any
			if err := newClient().do("POST", "/jobs", spec, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&specFile, "spec", "", "path to a JSON job specification")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll <output-file>",
		Short: "Poll the captured output and trace for a submitted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result api.PollResult
			path := fmt.Sprintf("/poll/%s/%s", accessKey, args[0])
			if err := newClient().do("GET", path, nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show broker-wide counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap api.InfoSnapshot
			if err := newClient().do("GET", "/info", nil, &snap); err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
}

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List live jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []any
			if err := newClient().do("GET", "/jobs", nil, &jobs); err != nil {
				return err
			}
			return printJSON(jobs)
		},
	}
}

func poolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Show per-image pool snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snaps []any
			if err := newClient().do("GET", "/pool", nil, &snaps); err != nil {
				return err
			}
			return printJSON(snaps)
		},
	}
}

func preallocCmd() *cobra.Command {
	var n int
	var keepAlive bool
	var hardCap int
	cmd := &cobra.Command{
		Use:   "prealloc <image>",
		Short: "Resize an image's VM pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"n": n, "keepAlive": keepAlive, "hardCap": hardCap}
			return newClient().do("POST", "/pool/"+args[0], body, nil)
		},
	}
	cmd.Flags().IntVar(&n, "n", 1, "target pool size")
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", true, "keep VMs warm after a job completes")
	cmd.Flags().IntVar(&hardCap, "hard-cap", 0, "hard cap on total VMs for this image (0 = default)")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
