// Command cdcstore-mount mounts a deduplicating content store as a
// POSIX file system. All wiring is done by hand through flags; there
// is no config file.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"go.uber.org/zap"

	"github.com/cdcstore/cdcstore/chunk"
	"github.com/cdcstore/cdcstore/dedupfs"
	"github.com/cdcstore/cdcstore/digest"
	"github.com/cdcstore/cdcstore/fusefs"
	"github.com/cdcstore/cdcstore/pipeline"
	"github.com/cdcstore/cdcstore/scrub"
	"github.com/cdcstore/cdcstore/store"
)

func main() {
	mountpoint := flag.String("mount", "", "mount point (required)")
	primaryPath := flag.String("primary", "", "primary disk database path (empty: in-memory)")
	targetPath := flag.String("target", "", "scrub target disk database path (empty: in-memory)")
	targetRekey := flag.Bool("target-rekey", false, "generate fresh UUID target keys during scrub instead of reusing the primary hash")
	hashAlgo := flag.String("hash", "blake3", "digest algorithm: sha256, blake3, identity")
	chunkAlgo := flag.String("chunk", "fastcdc", "chunker: fastcdc, rabin, leap, supercdc, ultracdc, seqcdc, fixed")
	avgChunk := flag.Int("avg-chunk", 64*1024, "average chunk size in bytes")
	maxBlocks := flag.Int64("max-blocks", 1<<20, "max blocks per disk database (ignored for in-memory)")
	debug := flag.Bool("debug", false, "enable go-fuse debug logging")
	flag.Parse()

	if *mountpoint == "" {
		log.Fatal("cdcstore-mount: -mount is required")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("cdcstore-mount: build logger: %v", err)
	}
	defer logger.Sync()

	hasher, err := digest.New(*hashAlgo)
	if err != nil {
		logger.Fatal("unsupported hash algorithm", zap.Error(err))
	}

	primary, err := openBackend(*primaryPath, *maxBlocks)
	if err != nil {
		logger.Fatal("open primary store", zap.Error(err))
	}

	var target store.Database
	var scrubber scrub.Scrubber = scrub.Dumb{}
	if *targetPath != "" {
		target, err = openBackend(*targetPath, *maxBlocks)
		if err != nil {
			logger.Fatal("open target store", zap.Error(err))
		}
		if *targetRekey {
			scrubber = scrub.Rekey{}
		} else {
			scrubber = scrub.Copy{}
		}
	}

	storage := pipeline.NewStorage(primary, hasher, target, scrubber, logger)
	dfs := dedupfs.New(storage)

	newChunker := chunkerFactory(*chunkAlgo, *avgChunk)

	root := fusefs.NewRoot(dfs, newChunker, logger)
	opts := fusefs.MountOptions("cdcstore")
	opts.Debug = *debug

	srv, err := fs.Mount(*mountpoint, root, opts)
	if err != nil {
		logger.Fatal("mount", zap.Error(err))
	}

	logger.Info("mounted", zap.String("mountpoint", *mountpoint), zap.String("chunker", *chunkAlgo), zap.String("hash", *hashAlgo))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("unmounting", zap.String("mountpoint", *mountpoint))
		srv.Unmount()
	}()

	srv.Wait()
}

func openBackend(path string, maxBlocks int64) (store.Database, error) {
	if path == "" {
		return store.NewMemory(), nil
	}
	return store.OpenDisk(path, maxBlocks)
}

func chunkerFactory(algo string, avg int) fusefs.ChunkerFactory {
	params := chunk.SizeParams{Min: avg / 4, Avg: avg, Max: avg * 4}
	switch algo {
	case "rabin":
		return func() chunk.Chunker { return chunk.NewRabin(params) }
	case "leap":
		return func() chunk.Chunker { return chunk.NewLeap(params, 16, nil) }
	case "supercdc":
		return func() chunk.Chunker { return chunk.NewSuperCDC(params, nil) }
	case "ultracdc":
		return func() chunk.Chunker { return chunk.NewUltraCDC(params, nil) }
	case "seqcdc":
		return func() chunk.Chunker { return chunk.NewSeqCDC(params, chunk.Increasing, 8, nil) }
	case "fixed":
		return func() chunk.Chunker { return chunk.NewFixed(avg) }
	default:
		return func() chunk.Chunker { return chunk.NewFastCDC(params, 2, nil) }
	}
}
