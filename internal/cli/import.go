package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/arkilian/chunkindex/internal/importer"
	"github.com/arkilian/chunkindex/internal/store"
	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	importServer string
	importDirect bool
	importWait   bool
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import object descriptors from a YAML or JSON file",
	Long: `Import reads a list of objects, or a document with an "objects" list,
and sends it to a running server. With --direct the batch is written to the
local index instead; the server compiles it once it runs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		objects, err := readObjects(args[0])
		if err != nil {
			return err
		}
		if len(objects) == 0 {
			return fmt.Errorf("%s: no objects", args[0])
		}

		if importDirect {
			summary, err := importDirectly(cmd.Context(), objects)
			if err != nil {
				return err
			}
			return printJSON(summary)
		}

		path := "/v1/import"
		if importWait {
			path += "?wait=true"
		}
		return postJSON(path, map[string]interface{}{"objects": objects})
	},
}

var deleteObjectsCmd = &cobra.Command{
	Use:   "delete-objects <key>...",
	Short: "Delete objects by key",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/v1/objects/delete", map[string][]string{"keys": args})
	},
}

var removeGroupsCmd = &cobra.Command{
	Use:   "remove-groups <import-group-hash>...",
	Short: "Remove every route of the given import groups",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/v1/import/groups/delete", map[string][]string{"hashes": args})
	},
}

func init() {
	for _, c := range []*cobra.Command{importCmd, deleteObjectsCmd, removeGroupsCmd} {
		c.Flags().StringVar(&importServer, "server", "http://localhost:8080", "Server HTTP base URL")
		rootCmd.AddCommand(c)
	}
	importCmd.Flags().BoolVar(&importDirect, "direct", false, "Write to the local index instead of a server")
	importCmd.Flags().BoolVar(&importWait, "wait", false, "Wait for the batch and print its summary")
}

// readObjects parses a YAML or JSON file. YAML is a superset of JSON, so
// one decoder covers both.
func readObjects(path string) ([]types.ImportObject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var list []types.ImportObject
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc struct {
		Objects []types.ImportObject `yaml:"objects"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Objects, nil
}

func importDirectly(ctx context.Context, objects []types.ImportObject) (*importer.Summary, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.IndexPath())
	if err != nil {
		return nil, err
	}
	defer s.Close()

	im := importer.New(s, cfg.Buckets)
	if err := im.Lookups().Load(ctx, s); err != nil {
		return nil, err
	}
	return im.Import(ctx, objects)
}

func postJSON(path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Post(importServer+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(bytes.TrimSpace(out)))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server replied %s", resp.Status)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
