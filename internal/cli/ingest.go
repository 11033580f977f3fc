package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/argus/internal/orchestrator"
	"github.com/lucasnoah/argus/internal/pipeline"
	"github.com/lucasnoah/argus/internal/scanner"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit scan artifacts as a new bundle",
	Long: `Records a bundle for repo/build/bundle with the given artifacts. Each
--artifact is FORMAT:PATH, where FORMAT is npm-audit, sarif or generic. The
file content is stored inline so the bundle does not depend on the local
filesystem of whichever worker claims it.

Ingesting the same repo/build/bundle again reports the existing bundle.`,
	Example: `  argus ingest --repo acme/web --build 412 --bundle main \
    --artifact npm-audit:audit.json --artifact sarif:semgrep.sarif`,
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, _ := cmd.Flags().GetStringArray("artifact")
		artifacts := make([]pipeline.Artifact, 0, len(specs))
		for _, spec := range specs {
			a, err := readArtifact(spec)
			if err != nil {
				return err
			}
			artifacts = append(artifacts, a)
		}
		return ingest(cmd, artifacts)
	},
}

// readArtifact parses FORMAT:PATH and loads the file inline.
func readArtifact(spec string) (pipeline.Artifact, error) {
	format, path, ok := strings.Cut(spec, ":")
	if !ok || format == "" || path == "" {
		return pipeline.Artifact{}, fmt.Errorf("invalid artifact %q: want FORMAT:PATH", spec)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	return pipeline.Artifact{
		Name:   filepath.Base(path),
		Format: format,
		Data:   string(data),
	}, nil
}

var scanCmd = &cobra.Command{
	Use:   "scan [dir]",
	Short: "Run the configured scanners and ingest their output",
	Long: `Runs every scanner command from the config's "scanners" list in dir
(default: the current directory) and submits their output as one bundle.
A scanner that fails or times out aborts the scan without ingesting.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cmds := cfg.Commands()
		if len(cmds) == 0 {
			return fmt.Errorf("no scanners configured")
		}
		artifacts, err := scanner.NewCollector(&scanner.ExecRunner{}).Collect(cmd.Context(), dir, cmds)
		if err != nil {
			return err
		}
		return ingest(cmd, artifacts)
	},
}

func ingest(cmd *cobra.Command, artifacts []pipeline.Artifact) error {
	repo, _ := cmd.Flags().GetString("repo")
	build, _ := cmd.Flags().GetString("build")
	bundle, _ := cmd.Flags().GetString("bundle")

	a, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := a.orch.Ingest(cmd.Context(), orchestrator.IngestRequest{
		Repo:      repo,
		Build:     build,
		Bundle:    bundle,
		Artifacts: artifacts,
		Source:    "cli",
	})
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		return writeJSON(cmd, result)
	}
	if result.Duplicate {
		fmt.Fprintf(cmd.OutOrStdout(), "Bundle already ingested: %s (status %s)\n", result.BundleID, result.Status)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ingested bundle %s\n", result.BundleID)
	fmt.Fprintf(cmd.OutOrStdout(), "  run: %s\n", result.RunID)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{ingestCmd, scanCmd} {
		c.Flags().String("repo", "", "repository (owner/name)")
		c.Flags().String("build", "", "build identifier")
		c.Flags().String("bundle", "", "bundle name (e.g. branch or scan profile)")
		c.Flags().String("format", "text", "Output format: text or json")
		c.MarkFlagRequired("repo")
		c.MarkFlagRequired("build")
		c.MarkFlagRequired("bundle")
	}
	ingestCmd.Flags().StringArray("artifact", nil, "artifact as FORMAT:PATH (repeatable)")
	ingestCmd.MarkFlagRequired("artifact")
}
