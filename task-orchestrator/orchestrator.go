package main

import (
	"context"
	"log"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	reg "github.com/aws-solutions/cloud-migration-factory-on-aws-sub001/pipeline-registry"
)

// TaskStore is the task-execution store surface the orchestrator consumes.
type TaskStore interface {
	GetTaskExecution(taskExecutionID string) (*reg.TaskExecution, error)
	GetTaskExecutionsForPipeline(pipelineID string) ([]reg.TaskExecution, error)
	UpdateTaskExecutionStatus(taskExecutionID, newStatus string) error
	ClaimTaskExecution(taskExecutionID, expectedStatus, newStatus string) (bool, error)
}

// PipelineStore is the pipeline store surface the orchestrator consumes.
type PipelineStore interface {
	GetPipeline(pipelineID string) (*reg.Pipeline, error)
	UpdatePipelineStatus(pipelineID, newStatus, currentTaskID string) (bool, error)
	UpdatePipelineCurrentTask(pipelineID, currentTaskID string) (bool, error)
}

// ScriptStore resolves task definitions.
type ScriptStore interface {
	GetTaskDefinition(packageUUID string, version int) (*reg.TaskDefinition, error)
	FindTaskDefinitionByName(scriptName string, version int) (*reg.TaskDefinition, error)
}

// WorkerInvoker synchronously invokes a named worker function.
type WorkerInvoker interface {
	InvokeWorker(functionName string, payload []byte) (int, error)
}

// UsageNotifier is the fire-and-forget port for terminal pipeline signals.
type UsageNotifier interface {
	NotifyPipelineEnded(event, pipelineID string) error
}

type Orchestrator struct {
	Tasks        TaskStore
	Pipelines    PipelineStore
	Scripts      ScriptStore
	Invoker      WorkerInvoker
	Notifier     UsageNotifier
	WorkerPrefix string
}

// HandleStream processes a batch of DynamoDB stream records. Each record runs
// inside its own error boundary: a failing record is logged and swallowed so
// it cannot wedge the batch or trigger redelivery of already-handled records.
func (o *Orchestrator) HandleStream(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		o.processRecord(record)
	}
	return nil
}

func (o *Orchestrator) processRecord(record events.DynamoDBEventRecord) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic while processing stream record %s: %v", record.EventID, r)
		}
	}()

	var err error
	switch {
	case strings.Contains(record.EventSourceArn, reg.TaskExecutionsTable):
		err = o.handleTaskExecutionRecord(record)
	case strings.Contains(record.EventSourceArn, reg.PipelinesTable):
		err = o.handlePipelineRecord(record)
	default:
		log.Printf("Ignoring stream record from unknown source %s", record.EventSourceArn)
	}
	if err != nil {
		log.Printf("Error processing stream record %s: %v", record.EventID, err)
	}
}

// handlePipelineRecord reacts to the one pipeline transition the orchestrator
// owns: Provisioning -> NotStarted, fired by the provisioning flow once every
// task execution of the pipeline exists. Creation and deletion records carry
// only one image and are ignored; those flows are handled elsewhere.
func (o *Orchestrator) handlePipelineRecord(record events.DynamoDBEventRecord) error {
	oldImage := record.Change.OldImage
	newImage := record.Change.NewImage
	if len(oldImage) == 0 || len(newImage) == 0 {
		return nil
	}

	pipelineID := stringAttribute(newImage, "pipeline_id")
	oldStatus := stringAttribute(oldImage, "pipeline_status")
	newStatus := stringAttribute(newImage, "pipeline_status")

	if oldStatus == reg.PipelineStatus_Provisioning && newStatus == reg.PipelineStatus_NotStarted {
		return o.startPipeline(pipelineID)
	}

	return nil
}

func (o *Orchestrator) startPipeline(pipelineID string) error {
	tasks, err := o.Tasks.GetTaskExecutionsForPipeline(pipelineID)
	if err != nil {
		return err
	}

	roots := rootTasks(tasks)
	if len(roots) == 0 {
		log.Printf("Pipeline %s has no root tasks, marking it as %s", pipelineID, reg.PipelineStatus_Failed)
		_, err = o.Pipelines.UpdatePipelineStatus(pipelineID, reg.PipelineStatus_Failed, "")
		return err
	}

	pipeline, err := o.Pipelines.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	if pipeline == nil {
		log.Printf("Pipeline %s is already deleted, nothing to start", pipelineID)
		return nil
	}

	auth := buildAuthContext(pipeline)
	for _, root := range roots {
		if err := o.dispatchTask(root, auth, reg.TaskStatus_NotStarted); err != nil {
			return err
		}
	}

	log.Printf("Started pipeline %s with %d root task(s)", pipelineID, len(roots))
	_, err = o.Pipelines.UpdatePipelineStatus(pipelineID, reg.PipelineStatus_InProgress, roots[0].TaskExecutionID)
	return err
}

// handleTaskExecutionRecord classifies a task-execution status transition and
// drives the pipeline state machine accordingly. Transitions that do not
// match any rule are expected churn (e.g. NotStarted -> InProgress caused by
// our own dispatch) and are ignored.
func (o *Orchestrator) handleTaskExecutionRecord(record events.DynamoDBEventRecord) error {
	oldImage := record.Change.OldImage
	newImage := record.Change.NewImage
	if len(oldImage) == 0 || len(newImage) == 0 {
		return nil
	}

	taskExecutionID := stringAttribute(newImage, "task_execution_id")
	pipelineID := stringAttribute(newImage, "pipeline_id")
	oldStatus := stringAttribute(oldImage, "task_execution_status")
	newStatus := stringAttribute(newImage, "task_execution_status")

	switch {
	case newStatus == reg.TaskStatus_Failed && oldStatus != reg.TaskStatus_InProgress:
		// A failure that is not mid-flight churn halts the pipeline. Sibling
		// branches already dispatched keep running; there is no cancellation.
		log.Printf("Task execution %s failed (%s -> %s), marking pipeline %s as %s",
			taskExecutionID, oldStatus, newStatus, pipelineID, reg.PipelineStatus_Failed)
		updated, err := o.Pipelines.UpdatePipelineStatus(pipelineID, reg.PipelineStatus_Failed, "")
		if updated {
			o.notify(reg.UsageEvent_PipelineFailed, pipelineID)
		}
		return err

	case isForwardUpdate(oldStatus, newStatus):
		return o.advancePipeline(pipelineID, taskExecutionID)

	case newStatus == reg.TaskStatus_Retry && retryable[oldStatus]:
		return o.retryTask(pipelineID, taskExecutionID)

	default:
		log.Printf("Ignoring task execution %s transition %s -> %s", taskExecutionID, oldStatus, newStatus)
		return nil
	}
}

// isForwardUpdate reports whether a transition unblocks successors: a task
// finishing normally, or a failed task being explicitly skipped.
func isForwardUpdate(oldStatus, newStatus string) bool {
	if newStatus == reg.TaskStatus_Complete {
		return oldStatus == reg.TaskStatus_InProgress || oldStatus == reg.TaskStatus_PendingApproval
	}
	if newStatus == reg.TaskStatus_Skipped {
		return oldStatus == reg.TaskStatus_Failed
	}
	return false
}

// advancePipeline re-resolves the graph around a finished task, dispatches
// every newly-unblocked successor and completes the pipeline once all branch
// termini are done.
func (o *Orchestrator) advancePipeline(pipelineID, completedTaskID string) error {
	tasks, err := o.Tasks.GetTaskExecutionsForPipeline(pipelineID)
	if err != nil {
		return err
	}

	readiness := checkSuccessorsReady(tasks, completedTaskID)
	for _, blockedID := range readiness.Blocked {
		log.Printf("Successor %s of %s is still waiting on predecessors", blockedID, completedTaskID)
	}
	for _, processedID := range readiness.AlreadyProcessed {
		log.Printf("Successor %s of %s was already processed", processedID, completedTaskID)
	}

	if len(readiness.Ready) > 0 {
		pipeline, err := o.Pipelines.GetPipeline(pipelineID)
		if err != nil {
			return err
		}
		if pipeline == nil {
			log.Printf("Pipeline %s is already deleted, not dispatching successors", pipelineID)
			return nil
		}

		auth := buildAuthContext(pipeline)
		for _, successor := range readiness.Ready {
			if err := o.dispatchTask(successor, auth, reg.TaskStatus_NotStarted); err != nil {
				return err
			}
		}
		// Only the pointer moves here. Once a sibling failure has settled the
		// pipeline as Failed, draining branches must not flip it back.
		lastDispatched := readiness.Ready[len(readiness.Ready)-1].TaskExecutionID
		if _, err := o.Pipelines.UpdatePipelineCurrentTask(pipelineID, lastDispatched); err != nil {
			return err
		}
	}

	complete, completeLeaves, incompleteLeaves := pipelineComplete(tasks)
	if !complete {
		log.Printf("Pipeline %s still has unfinished branches: %v (finished: %v)",
			pipelineID, incompleteLeaves, completeLeaves)
		return nil
	}

	log.Printf("All %d branch termini of pipeline %s are done, marking it as %s",
		len(completeLeaves), pipelineID, reg.PipelineStatus_Complete)
	updated, err := o.Pipelines.UpdatePipelineStatus(pipelineID, reg.PipelineStatus_Complete, "")
	if err != nil {
		return err
	}
	if updated {
		o.notify(reg.UsageEvent_PipelineComplete, pipelineID)
	}
	return nil
}

// retryTask re-dispatches a single task execution. The graph topology has not
// changed, so no successor resolution is needed.
func (o *Orchestrator) retryTask(pipelineID, taskExecutionID string) error {
	task, err := o.Tasks.GetTaskExecution(taskExecutionID)
	if err != nil {
		return err
	}

	pipeline, err := o.Pipelines.GetPipeline(pipelineID)
	if err != nil {
		return err
	}
	if pipeline == nil {
		log.Printf("Pipeline %s is already deleted, not retrying task execution %s", pipelineID, taskExecutionID)
		return nil
	}

	log.Printf("Retrying task execution %s of pipeline %s", taskExecutionID, pipelineID)
	if err := o.dispatchTask(*task, buildAuthContext(pipeline), reg.TaskStatus_Retry); err != nil {
		return err
	}

	// The retry is the one operator-driven transition allowed to pull a
	// settled pipeline back to InProgress. When it already is, only the
	// current-task pointer needs to move.
	updated, err := o.Pipelines.UpdatePipelineStatus(pipelineID, reg.PipelineStatus_InProgress, taskExecutionID)
	if err != nil {
		return err
	}
	if !updated {
		_, err = o.Pipelines.UpdatePipelineCurrentTask(pipelineID, taskExecutionID)
	}
	return err
}

// notify is fire and forget: a lost usage signal must never fail the record.
func (o *Orchestrator) notify(event, pipelineID string) {
	if err := o.Notifier.NotifyPipelineEnded(event, pipelineID); err != nil {
		log.Printf("Failed to send %s signal for pipeline %s (non-critical error): %v", event, pipelineID, err)
	}
}

func stringAttribute(image map[string]events.DynamoDBAttributeValue, key string) string {
	attribute, found := image[key]
	if !found || attribute.DataType() != events.DataTypeString {
		return ""
	}
	return attribute.String()
}
