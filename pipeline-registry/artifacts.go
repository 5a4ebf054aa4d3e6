package pipeline_registry

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func (registry *PipelineRegistry) UploadAttachmentForPipeline(
	filePath string,
	s3Bucket string,
	pipelineID string,
	taskExecutionID string,
) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	s3Path := strings.Join(
		[]string{s3CommonPrefix, pipelineID, taskExecutionID, filepath.Base(filePath)},
		"/")
	_, err = registry.s3Client.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket: aws.String(s3Bucket),
		Key:    aws.String(s3Path),
		Body:   file,
	})
	if err != nil {
		return "", err
	}

	log.Printf("File uploaded to S3: %s", s3Path)
	return s3Path, nil
}

// DownloadScriptPackage fetches the script package archive referenced by a
// task definition.
func (registry *PipelineRegistry) DownloadScriptPackage(definition *TaskDefinition, s3Bucket, destination string) error {
	if definition.S3Key == "" {
		return fmt.Errorf("task definition '%s' version %d has no script package",
			definition.PackageUUID, definition.Version)
	}
	err := registry.DownloadFileFromS3(s3Bucket, definition.S3Key, destination)
	if err != nil {
		return fmt.Errorf("failed to download script package %q from s3 bucket %q for script %q, %w",
			definition.S3Key, s3Bucket, definition.ScriptName, err)
	}
	return nil
}

func (registry *PipelineRegistry) DownloadFileFromS3(s3Bucket, s3Path, destination string) error {
	object, err := registry.s3Client.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: aws.String(s3Bucket),
		Key:    aws.String(s3Path),
	})
	if err != nil {
		return fmt.Errorf("couldn't download file %q from S3 bucket %q, %w", s3Path, s3Bucket, err)
	}
	defer object.Body.Close()

	destFile, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("failed to create/overwrite destination file %q, %w", destination, err)
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, object.Body)
	if err != nil {
		return fmt.Errorf("failed to copy file content from S3 to local file, %w", err)
	}

	absPath, _ := filepath.Abs(destination)
	log.Printf("Successfully downloaded %q from S3 bucket %q to %q", s3Path, s3Bucket, absPath)
	return nil
}
