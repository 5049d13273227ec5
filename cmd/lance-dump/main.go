// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// lance-dump consome um tópico do início até alcançar o tail e grava os
// records em um arquivo gzip (stream TLV, comprimido em paralelo).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/klauspost/pgzip"
	"github.com/nishisan-dev/lance-client/internal/logging"
	"github.com/nishisan-dev/lance-client/lance"
	"github.com/nishisan-dev/lance-client/lwp"
)

func main() {
	configPath := flag.String("config", "/etc/lance/consumer.yaml", "path to consumer config file")
	outPath := flag.String("out", "", "output file (required)")
	fromBeginning := flag.Bool("from-beginning", true, "ignore stored offsets and dump the whole topic")
	flag.Parse()

	if *outPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --out is required")
		os.Exit(1)
	}

	cfg, err := lance.LoadConsumerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *fromBeginning {
		// Cursor efêmero: não lê nem grava offsets persistidos.
		cfg.Offsets = lance.OffsetsConfig{Backend: "memory"}
		cfg.StartPosition = lance.StartBeginning
	}

	logger, logCloser := logging.NewLogger("info", "text", "")
	defer logCloser.Close()

	if err := run(cfg, *outPath, logger.With("component", "dump")); err != nil {
		logger.Error("dump failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *lance.ConsumerConfig, outPath string, logger *slog.Logger) error {
	ctx := context.Background()

	consumer, err := lance.NewConsumer(ctx, *cfg, logger)
	if err != nil {
		return fmt.Errorf("creating consumer: %w", err)
	}
	defer consumer.Close(ctx)

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer out.Close()

	// Pipeline de escrita: records TLV → pgzip → buffer → arquivo.
	buf := bufio.NewWriterSize(out, 256*1024)
	gz := pgzip.NewWriter(buf)

	var records, total uint64
	for {
		res, err := consumer.Poll(ctx)
		if err != nil {
			return fmt.Errorf("polling topic %d: %w", cfg.TopicID, err)
		}
		if res == nil {
			break // tópico drenado
		}

		for _, record := range res.Records {
			encoded, err := lwp.EncodeRecords([]lwp.Record{record})
			if err != nil {
				return fmt.Errorf("re-encoding record: %w", err)
			}
			if _, err := gz.Write(encoded); err != nil {
				return fmt.Errorf("writing record: %w", err)
			}
			records++
			total += uint64(len(encoded))
		}

		if res.Lag == 0 {
			break
		}
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}

	logger.Info("dump completed", "records", records, "bytes", total, "file", outPath)
	return nil
}
