package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mimicproof/core/pkg/bundle"
	"github.com/mimicproof/core/pkg/store"
)

// runArchiveCmd implements `mimicproof archive`: verifies a bundle and
// pushes it into the content-addressed archive. A bundle that does not
// verify is not archived; the archive holds evidence, not claims.
//
// Exit codes:
//
//	0 = archived
//	1 = bundle failed verification
//	2 = runtime error
func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundlePath string
		archiveDir string
		s3Bucket   string
		s3Region   string
		s3Endpoint string
		s3Prefix   string
	)

	cmd.StringVar(&bundlePath, "bundle", "", "Path to evidence bundle JSON (REQUIRED)")
	cmd.StringVar(&archiveDir, "dir", "", "Filesystem archive directory")
	cmd.StringVar(&s3Bucket, "s3-bucket", "", "S3 archive bucket")
	cmd.StringVar(&s3Region, "s3-region", "", "S3 region")
	cmd.StringVar(&s3Endpoint, "s3-endpoint", "", "Custom S3 endpoint (MinIO/LocalStack)")
	cmd.StringVar(&s3Prefix, "s3-prefix", "", "S3 key prefix")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if bundlePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		cmd.Usage()
		return 2
	}
	if archiveDir == "" && s3Bucket == "" {
		_, _ = fmt.Fprintln(stderr, "Error: one of --dir or --s3-bucket is required")
		cmd.Usage()
		return 2
	}

	data, err := os.ReadFile(bundlePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report, err := bundle.Verify(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}
	if !report.OK() {
		_, _ = fmt.Fprintln(stderr, "Bundle failed verification; refusing to archive")
		for _, c := range report.Checks {
			if !c.OK {
				_, _ = fmt.Fprintf(stderr, "  - %s: %s\n", c.Name, c.Detail)
			}
		}
		return 1
	}

	ctx := context.Background()
	var archive store.Archive
	if s3Bucket != "" {
		archive, err = store.NewS3Archive(ctx, store.S3Config{
			Bucket:   s3Bucket,
			Region:   s3Region,
			Endpoint: s3Endpoint,
			Prefix:   s3Prefix,
		})
	} else {
		archive, err = store.NewFileArchive(archiveDir)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: archive: %v\n", err)
		return 2
	}

	hash, err := archive.Put(ctx, data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: archive bundle: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "Archived session %s: %s\n", report.SessionID, hash)
	return 0
}
