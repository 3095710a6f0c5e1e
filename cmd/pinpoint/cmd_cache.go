package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pinpoint/internal/cache"
	"pinpoint/internal/types"
)

var cacheID string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the resolution cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts for a cache ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(types.StrategyReadOnly)
		if err != nil {
			return err
		}
		st := store.Stats()
		fmt.Printf("cache:    %s\n", st.CacheID)
		fmt.Printf("file:     %s\n", st.Path)
		fmt.Printf("records:  %d\n", st.TotalRecords)
		return nil
	},
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the raw cache file",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(types.StrategyReadOnly)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(store.Path())
		if os.IsNotExist(err) {
			fmt.Println("no cache file yet")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the cache file for a cache ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(cfg.Cache.Dir, cache.SanitizeID(resolveCacheID())+".cache.yaml")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		fmt.Printf("removed %s\n", path)
		return nil
	},
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheID, "id", "", "cache ID (defaults to the configured one)")
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func resolveCacheID() string {
	if cacheID != "" {
		return cacheID
	}
	return cfg.Cache.ID
}

func openStore(strategy types.CacheStrategy) (*cache.Store, error) {
	id := resolveCacheID()
	if id == "" {
		return nil, fmt.Errorf("no cache ID: pass --id or set cache.id in the config")
	}
	return cache.Open(cfg.Cache.Dir, id, strategy, logger)
}
