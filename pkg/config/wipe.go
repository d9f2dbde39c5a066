package config

import (
	"fmt"
	"os"
)

// WipeTarget names one of spec §6's "--wipe" choices.
type WipeTarget string

const (
	WipeWorker             WipeTarget = "worker"
	WipeLocalLoglet        WipeTarget = "local-loglet"
	WipeLocalMetadataStore WipeTarget = "local-metadata-store"
	WipeAll                WipeTarget = "all"
)

// ParseWipeTarget validates a --wipe flag value.
func ParseWipeTarget(s string) (WipeTarget, error) {
	switch WipeTarget(s) {
	case WipeWorker, WipeLocalLoglet, WipeLocalMetadataStore, WipeAll:
		return WipeTarget(s), nil
	default:
		return "", fmt.Errorf("config: unrecognized --wipe target %q, want one of worker, local-loglet, local-metadata-store, all", s)
	}
}

// Wipe deletes the on-disk state named by target. "worker" removes every
// partition-store directory (this node's invocation state) but leaves the
// loglet and metadata store alone, matching the distinction spec §6 draws
// between a worker's own state and the log/metadata layers it replicates
// through.
func Wipe(cfg *NodeConfig, target WipeTarget) error {
	paths := cfg.Paths()

	removePartitionStores := func() error {
		for _, p := range cfg.Partitions {
			if err := os.RemoveAll(paths.PartitionStore(p.ID)); err != nil {
				return fmt.Errorf("config: wipe partition store %d: %w", uint64(p.ID), err)
			}
		}
		return nil
	}

	switch target {
	case WipeWorker:
		return removePartitionStores()
	case WipeLocalLoglet:
		if err := os.RemoveAll(paths.LocalLoglet); err != nil {
			return fmt.Errorf("config: wipe local-loglet: %w", err)
		}
		return nil
	case WipeLocalMetadataStore:
		if err := os.RemoveAll(paths.LocalMetadataStore); err != nil {
			return fmt.Errorf("config: wipe local-metadata-store: %w", err)
		}
		return nil
	case WipeAll:
		if err := removePartitionStores(); err != nil {
			return err
		}
		if err := os.RemoveAll(paths.LocalLoglet); err != nil {
			return fmt.Errorf("config: wipe local-loglet: %w", err)
		}
		if err := os.RemoveAll(paths.LocalMetadataStore); err != nil {
			return fmt.Errorf("config: wipe local-metadata-store: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("config: unrecognized wipe target %q", target)
	}
}
