package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dortort/openclaw-mailguard/internal/config"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a commented default configuration file",
	Long:  "Writes the default configuration to --config, or ~/.mailguard/config.yaml.\nAn existing file is kept unless --force is given.",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine home directory; pass --config")
	}

	wrote, err := writeIfMissing(path, config.DefaultConfigYAML())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if !wrote {
		fmt.Fprintf(w, "%s already exists (use --force to overwrite).\n", path)
		return nil
	}
	fmt.Fprintf(w, "Created %s\n\n", path)
	fmt.Fprintln(w, "Run the MCP server:")
	fmt.Fprintf(w, "  mailguard mcp --config %s\n", path)
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
