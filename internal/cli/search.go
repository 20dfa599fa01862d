package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/arkilian/chunkindex/internal/app"
	grpcapi "github.com/arkilian/chunkindex/internal/api/grpc"
	"github.com/arkilian/chunkindex/internal/archive"
	"github.com/arkilian/chunkindex/internal/chunk"
	"github.com/arkilian/chunkindex/internal/chunksync"
	"github.com/arkilian/chunkindex/internal/client"
	"github.com/arkilian/chunkindex/internal/search"
	"github.com/spf13/cobra"
)

var (
	searchServer   string
	searchProperty string
	searchTypeID   int64
	searchPersist  bool
	searchRestore  bool
	searchTimeout  time.Duration
	searchJSON     bool
)

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Sync a chunk cache from a server and search it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if searchServer != "" {
			cfg.Client.ServerAddr = searchServer
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), searchTimeout)
		defer cancel()

		cache := client.NewCache()
		engine := search.NewEngine(cfg.Buckets)
		cache.AddListener(engine)
		objects, err := client.NewObjectIndex(cache, cfg.Buckets, cfg.Client.ObjectCacheSize)
		if err != nil {
			return err
		}

		if searchPersist || cfg.Client.Persist {
			p, err := client.OpenPersist(cfg.Client.CacheDir)
			if err != nil {
				return err
			}
			defer p.Close()
			if err := cache.Attach(p); err != nil {
				return err
			}
		}
		if searchRestore {
			if err := seedFromArchive(ctx, cache); err != nil {
				return err
			}
		}

		gc, err := grpcapi.NewClient(cfg.Client.ServerAddr)
		if err != nil {
			return err
		}
		defer gc.Close()

		syncer := client.NewSyncer(cache, func(ctx context.Context) (chunksync.Stream, error) {
			return gc.Open(ctx)
		}, cfg.Client.Syncer)
		if err := syncer.Start(ctx); err != nil {
			return err
		}
		defer syncer.Stop()

		select {
		case <-syncer.InitialLoadDone():
		case <-ctx.Done():
			return fmt.Errorf("sync with %s did not finish: %w", cfg.Client.ServerAddr, ctx.Err())
		}

		found, err := objects.Objects(engine.Search(args[0], searchProperty), searchTypeID)
		if err != nil {
			return err
		}
		if searchJSON {
			return printJSON(found)
		}
		if len(found) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for _, o := range found {
			fmt.Printf("%d\t%v\n", o.ID, o.Properties)
			for _, r := range o.Routes {
				fmt.Printf("\t%s  %s\n", r[0], r[1])
			}
		}
		return nil
	},
}

// seedFromArchive fills the cache from the chunk archive so the sync only
// has to catch up on what changed since the last mirror.
func seedFromArchive(ctx context.Context, cache *client.Cache) error {
	objects, err := app.OpenStorage(ctx, cfg.Archive.Storage)
	if err != nil {
		return err
	}
	for _, kind := range chunk.Kinds {
		chunks, err := archive.Restore(ctx, objects, cfg.Archive.Prefix, kind, 8)
		if err != nil {
			return fmt.Errorf("restore %s chunks: %w", kind, err)
		}
		cache.Apply(kind, chunks)
	}
	return nil
}

func init() {
	searchCmd.Flags().StringVar(&searchServer, "server", "", "Sync server gRPC address")
	searchCmd.Flags().StringVar(&searchProperty, "property", "", "Only match keywords of this property")
	searchCmd.Flags().Int64Var(&searchTypeID, "type", 0, "Only return objects of this object type id")
	searchCmd.Flags().BoolVar(&searchPersist, "persist", false, "Keep the chunk cache on disk between runs")
	searchCmd.Flags().BoolVar(&searchRestore, "restore", false, "Seed the cache from the chunk archive")
	searchCmd.Flags().DurationVar(&searchTimeout, "timeout", 30*time.Second, "Time allowed for the sync")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Print results as JSON")
	rootCmd.AddCommand(searchCmd)
}
