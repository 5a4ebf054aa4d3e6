package main

import (
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	pipeline_registry "github.com/aws-solutions/cloud-migration-factory-on-aws-sub001/pipeline-registry"
)

func main() {
	workerPrefix := os.Getenv("WORKER_FUNCTION_PREFIX")
	if workerPrefix == "" {
		log.Fatal("WORKER_FUNCTION_PREFIX environment variable not set")
	}

	registry, err := pipeline_registry.New(os.Getenv("DYNAMO_DOCAPI_ENDPOINT"))
	if err != nil {
		log.Fatalf("Could not connect to the Pipeline Registry: %v", err)
	}

	orchestrator := &Orchestrator{
		Tasks:        registry,
		Pipelines:    registry,
		Scripts:      registry,
		Invoker:      registry,
		Notifier:     registry,
		WorkerPrefix: workerPrefix,
	}

	lambda.Start(orchestrator.HandleStream)
}
