// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/cache"
)

var (
	queueNode    string
	queueArchive string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the transaction cache and node command queues",
	Long: `Inspect the on-disk queues a gateway works from.

Without --node the transaction cache is used. With --node the command queue
of that node is used instead. Entries are listed oldest first, the order the
gateway processes them in.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued entries",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one queued entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Move a queued entry into an archive without processing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueArchive,
}

var queueCatCmd = &cobra.Command{
	Use:   "cat <archive-file>",
	Short: "Print an archive file, decompressing it if needed",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCat,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueArchiveCmd, queueCatCmd)
	queueCmd.PersistentFlags().StringVar(&queueNode, "node", "", "Use this node's command queue")
	queueArchiveCmd.Flags().StringVar(&queueArchive, "name", cache.ArchiveBadData, "Archive to move the entry into")
}

// openInspectQueue opens the queue selected by --node. Archived entries go
// to the same archive directory the gateway uses.
func openInspectQueue() (*cache.Queue, func(), error) {
	rolling, err := conf.Rolling(time.Local)
	if err != nil {
		return nil, nil, err
	}

	if queueNode != "" {
		queues := cache.NewNamespaced(conf.Path(conf.Paths.Commands), rolling, nil, logger)
		q, err := queues.Get(queueNode)
		if err != nil {
			queues.Close()
			return nil, nil, err
		}
		return q, func() { queues.Close() }, nil
	}

	archive, err := cache.NewArchiveManager(cache.ArchiveOptions{
		Dir:      conf.Path(conf.Paths.Archive),
		Rolling:  rolling,
		Compress: conf.Archive.Compress,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	q, err := cache.Open(cache.Options{
		Dir:      conf.Path(conf.Paths.Cache),
		Archiver: archive,
		Logger:   logger,
	})
	if err != nil {
		archive.Close()
		return nil, nil, err
	}
	return q, func() { q.Close() }, nil
}

func findItem(q *cache.Queue, id string) (cache.Item, error) {
	items, err := q.List()
	if err != nil {
		return cache.Item{}, err
	}
	for _, it := range items {
		if it.ID() == id {
			return it, nil
		}
	}
	return cache.Item{}, fmt.Errorf("no entry %s in %s", id, q.Dir())
}

func runQueueList(cmd *cobra.Command, args []string) error {
	q, closeQueue, err := openInspectQueue()
	if err != nil {
		return err
	}
	defer closeQueue()

	items, err := q.List()
	if err != nil {
		return err
	}
	fmt.Printf("Queue: %s\n", q.Dir())
	fmt.Printf("Entries: %d\n\n", len(items))
	for _, it := range items {
		captured := time.UnixMilli(it.Key.CapturedMs).Format("2006-01-02 15:04:05.000")
		if it.Corrupt {
			fmt.Printf("%-24s %s  CORRUPT\n", it.ID(), captured)
			continue
		}
		fmt.Printf("%-24s %s\n", it.ID(), captured)
	}
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	q, closeQueue, err := openInspectQueue()
	if err != nil {
		return err
	}
	defer closeQueue()

	it, err := findItem(q, args[0])
	if err != nil {
		return err
	}
	e, err := q.Read(it.Path)
	if err != nil {
		return err
	}
	fmt.Printf("ID: %s\n", it.ID())
	fmt.Printf("Captured: %s\n", e.Captured().Format(time.RFC3339Nano))
	fmt.Printf("Stream: %s\n", e.StreamID)
	if e.Binary {
		fmt.Printf("Payload: %d bytes binary\n", len(e.Payload))
		return nil
	}
	fmt.Printf("Payload:\n%s\n", e.Text())
	return nil
}

func runQueueArchive(cmd *cobra.Command, args []string) error {
	q, closeQueue, err := openInspectQueue()
	if err != nil {
		return err
	}
	defer closeQueue()

	it, err := findItem(q, args[0])
	if err != nil {
		return err
	}
	if err := q.Archive(it.Path, queueArchive); err != nil {
		return err
	}
	fmt.Printf("Archived %s as %s\n", it.ID(), queueArchive)
	return nil
}

func runQueueCat(cmd *cobra.Command, args []string) error {
	path := args[0]
	if !filepath.IsAbs(path) {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = filepath.Join(conf.Path(conf.Paths.Archive), path)
		}
	}
	var data []byte
	var err error
	if filepath.Ext(path) == ".zst" {
		data, err = cache.DecompressFile(path)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
