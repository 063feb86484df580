// Package artifactuploader archives a completed output root to S3 so the
// nightly job's results outlive the host.
package artifactuploader

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"
)

type s3Uploader struct {
	input    *S3UploaderInput
	uploader *manager.Uploader
}

type S3UploaderInput struct {
	AwsConfig         aws.Config
	Bucket            string
	KeyPrefix         string
	UploadConcurrency int
}

type ArtifactUploader interface {
	// Upload every file under root, preserving the directory layout under the
	// configured key prefix.
	UploadTree(ctx context.Context, root string) error
}

func NewS3Uploader(input *S3UploaderInput) ArtifactUploader {
	if input.UploadConcurrency <= 0 {
		input.UploadConcurrency = 8
	}
	return &s3Uploader{
		input: input,
		uploader: manager.NewUploader(s3.NewFromConfig(input.AwsConfig), func(u *manager.Uploader) {
			u.PartSize = 1024 * 1024 * 10
		}),
	}
}

func (u *s3Uploader) UploadTree(ctx context.Context, root string) error {
	files := []string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk output root: %w", err)
	}

	slog.Info("uploading artifacts", slog.String("bucket", u.input.Bucket), slog.Int("files", len(files)))
	errChan := make(chan error, len(files))
	pool := pond.New(u.input.UploadConcurrency, 0, pond.MinWorkers(u.input.UploadConcurrency), pond.Context(ctx))
	p := progressbar.Default(int64(len(files)), "Uploading artifacts:")
	for _, file := range files {
		pool.Submit(func() {
			defer p.Add(1)

			rel, err := filepath.Rel(root, file)
			if err != nil {
				errChan <- err
				return
			}
			key := path.Join(u.input.KeyPrefix, filepath.ToSlash(rel))

			f, err := os.Open(file)
			if err != nil {
				slog.Error("failed to open artifact", slog.String("file", file), slog.String("error", err.Error()))
				errChan <- err
				return
			}
			defer f.Close()

			_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
				Bucket: &u.input.Bucket,
				Key:    &key,
				Body:   f,
			})
			if err != nil {
				slog.Error("failed to upload artifact", slog.String("key", key), slog.String("error", err.Error()))
				errChan <- err
				return
			}
		})
	}
	pool.StopAndWait()
	p.Finish()

	select {
	case err := <-errChan:
		return fmt.Errorf("some artifacts failed to upload: %w", err)
	default:
		slog.Info("done uploading artifacts", slog.String("bucket", u.input.Bucket), slog.String("prefix", strings.TrimSuffix(u.input.KeyPrefix, "/")))
		return nil
	}
}
