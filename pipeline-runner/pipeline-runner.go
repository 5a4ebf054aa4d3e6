package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	pipeline_registry "github.com/aws-solutions/cloud-migration-factory-on-aws-sub001/pipeline-registry"
)

func main() {
	dynamoDocApiEndpoint :=
		flag.String("dynamo-docapi-endpoint", "", "DynamoDB Document API endpoint URL for the pipeline registry (empty for default)")
	s3Bucket :=
		flag.String("s3-bucket", "", "S3 bucket name to use for task attachments")
	templatePath :=
		flag.String("pipeline-template-file", "pipeline.yaml", "YAML file with the pipeline task graph")
	pipelineName :=
		flag.String("pipeline-name", "", "Human-readable pipeline name")
	parametersFilePath :=
		flag.String("parameters-file", "", "File with shared task inputs, in 'k=v' per line format (optional)")
	createdByEmail :=
		flag.String("created-by", "", "Email of the pipeline creator, recorded in the audit history")

	flag.Parse()

	checkRequiredFlags(s3Bucket, templatePath, pipelineName, createdByEmail)

	newPipelineID, err := uuid.NewV7()
	if err != nil {
		log.Fatalf("Error creating UUID: %v", err)
	}
	pipelineID := newPipelineID.String()

	sharedInputs := map[string]string{}
	if *parametersFilePath != "" {
		sharedInputs, err = readKeyValueFile(*parametersFilePath)
		if err != nil {
			log.Fatalf("Error reading key-value file: %v", err)
		}
	}

	tasksYAML, err := parseTemplate(*templatePath)
	if err != nil {
		log.Fatalf("Error reading pipeline template: %v", err)
	}

	registry, err := pipeline_registry.New(*dynamoDocApiEndpoint)
	if err != nil {
		log.Fatalf("Error connecting to the Pipeline Registry, %v", err)
	}

	// Fail fast on templates referencing scripts that are not registered.
	for _, taskYAML := range tasksYAML {
		definition, err := resolveDefinition(registry, taskYAML)
		if err != nil {
			log.Fatalf("Cannot resolve script for task %q: %v", taskYAML.Name, err)
		}
		log.Println("Task", taskYAML.Name, "will run", definition.ScriptName, "version", definition.Version)
	}

	createdBy := pipeline_registry.Actor{UserRef: "pipeline-runner", Email: *createdByEmail}
	tasks, err := createTaskExecutions(registry, pipelineID, tasksYAML, sharedInputs, *s3Bucket, createdBy)
	if err != nil {
		log.Fatalf("Error building task executions: %v", err)
	}

	// The contract with the orchestrator: every task execution must exist
	// before the pipeline leaves Provisioning.
	for _, task := range tasks {
		if err := registry.InsertTaskExecution(task); err != nil {
			log.Fatalf("failed to insert task execution: %v", err)
		}
		log.Println("Successfully inserted task execution", task.TaskExecutionName, "(", task.TaskExecutionID, ")")
	}

	creationTime := time.Now().UTC()
	pipeline := pipeline_registry.Pipeline{
		PipelineID:   pipelineID,
		PipelineName: *pipelineName,
		Status:       pipeline_registry.PipelineStatus_Provisioning,
		History: pipeline_registry.History{
			CreatedBy:        createdBy,
			CreatedTimestamp: &creationTime,
		},
	}
	if err := registry.InsertPipeline(pipeline); err != nil {
		log.Fatalf("failed to insert pipeline: %v", err)
	}
	log.Println("Successfully inserted pipeline", pipelineID, "(", *pipelineName, ")")

	if _, err := registry.UpdatePipelineStatus(
		pipelineID, pipeline_registry.PipelineStatus_NotStarted, ""); err != nil {
		log.Fatalf("failed starting the pipeline: %v", err)
	}
	log.Println("Submitted pipeline", pipelineID, "for execution")

	// Buffered for both the signal-handler send and the deferred send.
	wasCancelled := make(chan bool, 2)
	finalEvent, err := registry.WaitForPipelineFinish(pipelineID, wasCancelled)
	if err != nil {
		log.Fatalf("failed while waiting for the pipeline to finish: %v", err)
	}
	if <-wasCancelled {
		log.Println("Interrupted while waiting, the pipeline keeps running in the cloud")
		os.Exit(-1)
	}

	finishedPipeline, err := registry.GetPipeline(pipelineID)
	if err != nil || finishedPipeline == nil {
		log.Fatalf("failed getting pipeline information from DB: %v", err)
	}

	finishedTasks, err := registry.GetTaskExecutionsForPipeline(pipelineID)
	if err != nil {
		log.Fatalf("failed getting task executions from DB: %v", err)
	}

	printPipelineReport(finishedPipeline, finishedTasks)

	if finalEvent == pipeline_registry.UsageEvent_PipelineComplete {
		log.Println("Pipeline finished successfully!")
		os.Exit(0)
	}
	os.Exit(-1)
}

func resolveDefinition(
	registry *pipeline_registry.PipelineRegistry,
	taskYAML TaskYAML,
) (*pipeline_registry.TaskDefinition, error) {
	definition, err := registry.GetTaskDefinition(taskYAML.TaskID, taskYAML.Version)
	if err == nil {
		return definition, nil
	}
	legacy, legacyErr := registry.FindTaskDefinitionByName(taskYAML.TaskID, taskYAML.Version)
	if legacyErr == nil {
		return legacy, nil
	}
	return nil, err
}

func checkRequiredFlags(
	s3Bucket *string,
	templatePath *string,
	pipelineName *string,
	createdByEmail *string,
) {
	if *s3Bucket == "" {
		log.Fatal("Please provide --s3-bucket")
	}
	if *templatePath == "" {
		log.Fatal("Please provide --pipeline-template-file")
	}
	if *pipelineName == "" {
		log.Fatal("Please provide --pipeline-name")
	}
	if *createdByEmail == "" {
		log.Fatal("Please provide --created-by")
	}
}
