package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"

	reg "github.com/aws-solutions/cloud-migration-factory-on-aws-sub001/pipeline-registry"
)

// fakeRegistry is an in-memory stand-in for the pipeline registry.
type fakeRegistry struct {
	tasks       []*reg.TaskExecution
	pipelines   map[string]*reg.Pipeline
	definitions map[string]*reg.TaskDefinition
}

func definitionKey(packageUUID string, version int) string {
	return fmt.Sprintf("%s:%d", packageUUID, version)
}

func (f *fakeRegistry) findTask(taskExecutionID string) *reg.TaskExecution {
	for _, task := range f.tasks {
		if task.TaskExecutionID == taskExecutionID {
			return task
		}
	}
	return nil
}

func (f *fakeRegistry) GetTaskExecution(taskExecutionID string) (*reg.TaskExecution, error) {
	if task := f.findTask(taskExecutionID); task != nil {
		copied := *task
		return &copied, nil
	}
	return nil, fmt.Errorf("task execution '%s' not found", taskExecutionID)
}

func (f *fakeRegistry) GetTaskExecutionsForPipeline(pipelineID string) ([]reg.TaskExecution, error) {
	var tasks []reg.TaskExecution
	for _, task := range f.tasks {
		if task.PipelineID == pipelineID {
			tasks = append(tasks, *task)
		}
	}
	return tasks, nil
}

func (f *fakeRegistry) UpdateTaskExecutionStatus(taskExecutionID, newStatus string) error {
	task := f.findTask(taskExecutionID)
	if task == nil {
		return fmt.Errorf("task execution '%s' not found", taskExecutionID)
	}
	task.Status = newStatus
	return nil
}

func (f *fakeRegistry) ClaimTaskExecution(taskExecutionID, expectedStatus, newStatus string) (bool, error) {
	task := f.findTask(taskExecutionID)
	if task == nil {
		return false, fmt.Errorf("task execution '%s' not found", taskExecutionID)
	}
	if task.Status != expectedStatus {
		return false, nil
	}
	task.Status = newStatus
	return true, nil
}

func (f *fakeRegistry) GetPipeline(pipelineID string) (*reg.Pipeline, error) {
	pipeline, found := f.pipelines[pipelineID]
	if !found {
		return nil, nil
	}
	copied := *pipeline
	return &copied, nil
}

func (f *fakeRegistry) UpdatePipelineStatus(pipelineID, newStatus, currentTaskID string) (bool, error) {
	pipeline, found := f.pipelines[pipelineID]
	if !found || pipeline.Status == newStatus {
		return false, nil
	}
	pipeline.Status = newStatus
	if currentTaskID != "" {
		pipeline.CurrentTaskID = currentTaskID
	}
	return true, nil
}

func (f *fakeRegistry) UpdatePipelineCurrentTask(pipelineID, currentTaskID string) (bool, error) {
	pipeline, found := f.pipelines[pipelineID]
	if !found {
		return false, nil
	}
	pipeline.CurrentTaskID = currentTaskID
	return true, nil
}

func (f *fakeRegistry) GetTaskDefinition(packageUUID string, version int) (*reg.TaskDefinition, error) {
	definition, found := f.definitions[definitionKey(packageUUID, version)]
	if !found {
		return nil, fmt.Errorf("task definition '%s' version %d not found", packageUUID, version)
	}
	return definition, nil
}

func (f *fakeRegistry) FindTaskDefinitionByName(scriptName string, version int) (*reg.TaskDefinition, error) {
	for _, definition := range f.definitions {
		if definition.ScriptName == scriptName && definition.Version == version {
			return definition, nil
		}
	}
	return nil, fmt.Errorf("script '%s' version %d not found", scriptName, version)
}

type invocation struct {
	functionName string
	payload      []byte
}

type fakeInvoker struct {
	invocations []invocation
	statusCode  int
	err         error
}

func (f *fakeInvoker) InvokeWorker(functionName string, payload []byte) (int, error) {
	f.invocations = append(f.invocations, invocation{functionName, payload})
	if f.err != nil {
		return 0, f.err
	}
	if f.statusCode == 0 {
		return 200, nil
	}
	return f.statusCode, nil
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) NotifyPipelineEnded(event, pipelineID string) error {
	f.events = append(f.events, event+":"+pipelineID)
	return nil
}

func newTestOrchestrator(tasks []reg.TaskExecution) (*Orchestrator, *fakeRegistry, *fakeInvoker, *fakeNotifier) {
	registry := &fakeRegistry{
		pipelines: map[string]*reg.Pipeline{
			"p1": {
				PipelineID: "p1",
				Status:     reg.PipelineStatus_InProgress,
				History: reg.History{
					CreatedBy: reg.Actor{UserRef: "user-1", Email: "user@example.com"},
				},
			},
		},
		definitions: map[string]*reg.TaskDefinition{},
	}
	for i := range tasks {
		copied := tasks[i]
		registry.tasks = append(registry.tasks, &copied)
		registry.definitions[definitionKey(copied.TaskID, copied.TaskVersion)] = &reg.TaskDefinition{
			PackageUUID:  copied.TaskID,
			Version:      copied.TaskVersion,
			ScriptName:   "script-" + copied.TaskExecutionID,
			Type:         reg.TaskType_Automated,
			LambdaSuffix: "migrate",
		}
	}

	invoker := &fakeInvoker{}
	notifier := &fakeNotifier{}
	orchestrator := &Orchestrator{
		Tasks:        registry,
		Pipelines:    registry,
		Scripts:      registry,
		Invoker:      invoker,
		Notifier:     notifier,
		WorkerPrefix: "migration-factory-",
	}
	return orchestrator, registry, invoker, notifier
}

const taskExecutionsStreamArn = "arn:aws:dynamodb:eu-west-1:111122223333:table/task_executions/stream/2024-05-01T00:00:00.000"
const pipelinesStreamArn = "arn:aws:dynamodb:eu-west-1:111122223333:table/pipelines/stream/2024-05-01T00:00:00.000"

func taskStatusChange(taskExecutionID, oldStatus, newStatus string) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:        "evt-" + taskExecutionID + "-" + newStatus,
		EventSourceArn: taskExecutionsStreamArn,
		Change: events.DynamoDBStreamRecord{
			OldImage: map[string]events.DynamoDBAttributeValue{
				"task_execution_id":     events.NewStringAttribute(taskExecutionID),
				"pipeline_id":           events.NewStringAttribute("p1"),
				"task_execution_status": events.NewStringAttribute(oldStatus),
			},
			NewImage: map[string]events.DynamoDBAttributeValue{
				"task_execution_id":     events.NewStringAttribute(taskExecutionID),
				"pipeline_id":           events.NewStringAttribute("p1"),
				"task_execution_status": events.NewStringAttribute(newStatus),
			},
		},
	}
}

func pipelineStatusChange(pipelineID, oldStatus, newStatus string) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:        "evt-" + pipelineID + "-" + newStatus,
		EventSourceArn: pipelinesStreamArn,
		Change: events.DynamoDBStreamRecord{
			OldImage: map[string]events.DynamoDBAttributeValue{
				"pipeline_id":     events.NewStringAttribute(pipelineID),
				"pipeline_status": events.NewStringAttribute(oldStatus),
			},
			NewImage: map[string]events.DynamoDBAttributeValue{
				"pipeline_id":     events.NewStringAttribute(pipelineID),
				"pipeline_status": events.NewStringAttribute(newStatus),
			},
		},
	}
}

func handle(o *Orchestrator, records ...events.DynamoDBEventRecord) {
	_ = o.HandleStream(context.Background(), events.DynamoDBEvent{Records: records})
}

func TestStartPipeline_MustDispatchEveryRootTask(t *testing.T) {
	// given a pipeline with two roots joining into T3
	orchestrator, registry, invoker, notifier := newTestOrchestrator([]reg.TaskExecution{
		task("T1", reg.TaskStatus_NotStarted, "T3"),
		task("T2", reg.TaskStatus_NotStarted, "T3"),
		task("T3", reg.TaskStatus_NotStarted),
	})
	registry.pipelines["p1"].Status = reg.PipelineStatus_NotStarted
	// when
	handle(orchestrator, pipelineStatusChange("p1", reg.PipelineStatus_Provisioning, reg.PipelineStatus_NotStarted))
	// then both roots are running, the join is untouched
	assert.Len(t, invoker.invocations, 2)
	assert.Equal(t, reg.TaskStatus_InProgress, registry.findTask("T1").Status)
	assert.Equal(t, reg.TaskStatus_InProgress, registry.findTask("T2").Status)
	assert.Equal(t, reg.TaskStatus_NotStarted, registry.findTask("T3").Status)
	assert.Equal(t, reg.PipelineStatus_InProgress, registry.pipelines["p1"].Status)
	assert.Equal(t, "T1", registry.pipelines["p1"].CurrentTaskID)
	assert.Empty(t, notifier.events)
}

func TestStartPipeline_MustFailPipelineWithoutRootTasks(t *testing.T) {
	// given a misconfigured pipeline where every task is someone's successor
	orchestrator, registry, invoker, _ := newTestOrchestrator([]reg.TaskExecution{
		task("T1", reg.TaskStatus_NotStarted, "T2"),
		task("T2", reg.TaskStatus_NotStarted, "T1"),
	})
	// when
	handle(orchestrator, pipelineStatusChange("p1", reg.PipelineStatus_Provisioning, reg.PipelineStatus_NotStarted))
	// then
	assert.Empty(t, invoker.invocations)
	assert.Equal(t, reg.PipelineStatus_Failed, registry.pipelines["p1"].Status)
}

func TestDirectFailure_MustFailThePipelineEvenWithoutInProgress(t *testing.T) {
	// given T1 failed straight from NotStarted
	orchestrator, registry, invoker, notifier := newTestOrchestrator([]reg.TaskExecution{
		task("T1", reg.TaskStatus_Failed, "T2"),
		task("T2", reg.TaskStatus_NotStarted),
	})
	// when
	handle(orchestrator, taskStatusChange("T1", reg.TaskStatus_NotStarted, reg.TaskStatus_Failed))
	// then the failed-update guard fires and nothing is dispatched
	assert.Empty(t, invoker.invocations)
	assert.Equal(t, reg.PipelineStatus_Failed, registry.pipelines["p1"].Status)
	assert.Equal(t, []string{reg.UsageEvent_PipelineFailed + ":p1"}, notifier.events)
}

func TestForwardUpdate_MustDispatchTheUnblockedSuccessor(t *testing.T) {
	// given A -> B with A just completed
	orchestrator, registry, invoker, _ := newTestOrchestrator([]reg.TaskExecution{
		task("A", reg.TaskStatus_Complete, "B"),
		task("B", reg.TaskStatus_NotStarted),
	})
	// when
	handle(orchestrator, taskStatusChange("A", reg.TaskStatus_InProgress, reg.TaskStatus_Complete))
	// then
	assert.Len(t, invoker.invocations, 1)
	assert.Equal(t, reg.TaskStatus_InProgress, registry.findTask("B").Status)
	assert.Equal(t, "B", registry.pipelines["p1"].CurrentTaskID)
}

func TestForwardUpdate_FanIn_MustNotDispatchWhilePredecessorsRun(t *testing.T) {
	// given D joins B and C; C is still running
	orchestrator, registry, invoker, _ := newTestOrchestrator([]reg.TaskExecution{
		task("B", reg.TaskStatus_Complete, "D"),
		task("C", reg.TaskStatus_InProgress, "D"),
		task("D", reg.TaskStatus_NotStarted),
	})
	// when
	handle(orchestrator, taskStatusChange("B", reg.TaskStatus_InProgress, reg.TaskStatus_Complete))
	// then
	assert.Empty(t, invoker.invocations)
	assert.Equal(t, reg.TaskStatus_NotStarted, registry.findTask("D").Status)
}

func TestForwardUpdate_DuplicateDelivery_MustNotDispatchTwice(t *testing.T) {
	// given B completed and unblocked D once already
	orchestrator, registry, invoker, _ := newTestOrchestrator([]reg.TaskExecution{
		task("B", reg.TaskStatus_Complete, "D"),
		task("D", reg.TaskStatus_NotStarted),
	})
	completion := taskStatusChange("B", reg.TaskStatus_InProgress, reg.TaskStatus_Complete)
	handle(orchestrator, completion)
	assert.Len(t, invoker.invocations, 1)
	assert.Equal(t, reg.TaskStatus_InProgress, registry.findTask("D").Status)
	// when the same event is delivered again
	handle(orchestrator, completion)
	// then D counts as already processed
	assert.Len(t, invoker.invocations, 1)
}

func TestForwardUpdate_SkippedAfterFailed_MustUnblockSuccessors(t *testing.T) {
	// given A failed and was explicitly skipped
	orchestrator, registry, invoker, _ := newTestOrchestrator([]reg.TaskExecution{
		task("A", reg.TaskStatus_Skipped, "B"),
		task("B", reg.TaskStatus_NotStarted),
	})
	// when
	handle(orchestrator, taskStatusChange("A", reg.TaskStatus_Failed, reg.TaskStatus_Skipped))
	// then the skip behaves exactly like a completion
	assert.Len(t, invoker.invocations, 1)
	assert.Equal(t, reg.TaskStatus_InProgress, registry.findTask("B").Status)
}

func TestForwardUpdate_OnFailedPipeline_MustNotRevertPipelineStatus(t *testing.T) {
	// given a pipeline already Failed by T1, while the sibling branch A -> S
	// kept running and A just completed
	orchestrator, registry, invoker, notifier := newTestOrchestrator([]reg.TaskExecution{
		task("T1", reg.TaskStatus_Failed),
		task("A", reg.TaskStatus_Complete, "S"),
		task("S", reg.TaskStatus_NotStarted),
	})
	registry.pipelines["p1"].Status = reg.PipelineStatus_Failed
	// when
	handle(orchestrator, taskStatusChange("A", reg.TaskStatus_InProgress, reg.TaskStatus_Complete))
	// then the draining branch advances but the pipeline stays Failed
	assert.Len(t, invoker.invocations, 1)
	assert.Equal(t, reg.TaskStatus_InProgress, registry.findTask("S").Status)
	assert.Equal(t, reg.PipelineStatus_Failed, registry.pipelines["p1"].Status)
	assert.Equal(t, "S", registry.pipelines["p1"].CurrentTaskID)
	assert.Empty(t, notifier.events)
}

func TestDirectFailure_DuplicateDelivery_MustSignalOnce(t *testing.T) {
	// given T1 failed straight from NotStarted
	orchestrator, registry, _, notifier := newTestOrchestrator([]reg.TaskExecution{
		task("T1", reg.TaskStatus_Failed, "T2"),
		task("T2", reg.TaskStatus_NotStarted),
	})
	failure := taskStatusChange("T1", reg.TaskStatus_NotStarted, reg.TaskStatus_Failed)
	// when the same failure event is delivered twice
	handle(orchestrator, failure)
	handle(orchestrator, failure)
	// then the pipeline is Failed and the signal went out exactly once
	assert.Equal(t, reg.PipelineStatus_Failed, registry.pipelines["p1"].Status)
	assert.Equal(t, []string{reg.UsageEvent_PipelineFailed + ":p1"}, notifier.events)
}

func TestForwardUpdate_LastTerminus_MustCompleteThePipeline(t *testing.T) {
	// given the final task of a chain just completed
	orchestrator, registry, invoker, notifier := newTestOrchestrator([]reg.TaskExecution{
		task("A", reg.TaskStatus_Complete, "B"),
		task("B", reg.TaskStatus_Complete),
	})
	// when
	handle(orchestrator, taskStatusChange("B", reg.TaskStatus_InProgress, reg.TaskStatus_Complete))
	// then
	assert.Empty(t, invoker.invocations)
	assert.Equal(t, reg.PipelineStatus_Complete, registry.pipelines["p1"].Status)
	assert.Equal(t, []string{reg.UsageEvent_PipelineComplete + ":p1"}, notifier.events)
}

func TestRetry_MustRedispatchOnlyTheRetriedTask(t *testing.T) {
	// given T1 was failed and flipped to Retry; its sibling T2 also failed
	orchestrator, registry, invoker, _ := newTestOrchestrator([]reg.TaskExecution{
		task("T1", reg.TaskStatus_Retry, "T3"),
		task("T2", reg.TaskStatus_Failed, "T3"),
		task("T3", reg.TaskStatus_NotStarted),
	})
	// when
	handle(orchestrator, taskStatusChange("T1", reg.TaskStatus_Failed, reg.TaskStatus_Retry))
	// then only T1 is re-invoked, graph state untouched
	assert.Len(t, invoker.invocations, 1)
	assert.Equal(t, reg.TaskStatus_InProgress, registry.findTask("T1").Status)
	assert.Equal(t, reg.TaskStatus_Failed, registry.findTask("T2").Status)
	assert.Equal(t, reg.TaskStatus_NotStarted, registry.findTask("T3").Status)
	assert.Equal(t, "T1", registry.pipelines["p1"].CurrentTaskID)
}

func TestRetry_OnFailedPipeline_MustRevertPipelineToInProgress(t *testing.T) {
	// given a Failed pipeline whose failed task was flipped to Retry
	orchestrator, registry, invoker, _ := newTestOrchestrator([]reg.TaskExecution{
		task("T1", reg.TaskStatus_Retry),
	})
	registry.pipelines["p1"].Status = reg.PipelineStatus_Failed
	// when
	handle(orchestrator, taskStatusChange("T1", reg.TaskStatus_Failed, reg.TaskStatus_Retry))
	// then the explicit retry pulls the pipeline back to InProgress
	assert.Len(t, invoker.invocations, 1)
	assert.Equal(t, reg.PipelineStatus_InProgress, registry.pipelines["p1"].Status)
	assert.Equal(t, "T1", registry.pipelines["p1"].CurrentTaskID)
}

func TestChurnTransitions_MustBeIgnored(t *testing.T) {
	// given a dispatch-caused NotStarted -> InProgress transition
	orchestrator, registry, invoker, notifier := newTestOrchestrator([]reg.TaskExecution{
		task("T1", reg.TaskStatus_InProgress, "T2"),
		task("T2", reg.TaskStatus_NotStarted),
	})
	// when
	handle(orchestrator, taskStatusChange("T1", reg.TaskStatus_NotStarted, reg.TaskStatus_InProgress))
	// then nothing happens
	assert.Empty(t, invoker.invocations)
	assert.Empty(t, notifier.events)
	assert.Equal(t, reg.PipelineStatus_InProgress, registry.pipelines["p1"].Status)
}

func TestCreateAndDeleteRecords_MustBeIgnored(t *testing.T) {
	// given a pipeline-created record with no OldImage
	orchestrator, registry, invoker, _ := newTestOrchestrator([]reg.TaskExecution{
		task("T1", reg.TaskStatus_NotStarted),
	})
	created := pipelineStatusChange("p1", "", reg.PipelineStatus_Provisioning)
	created.Change.OldImage = nil
	deleted := taskStatusChange("T1", reg.TaskStatus_NotStarted, "")
	deleted.Change.NewImage = nil
	// when
	handle(orchestrator, created, deleted)
	// then
	assert.Empty(t, invoker.invocations)
	assert.Equal(t, reg.PipelineStatus_InProgress, registry.pipelines["p1"].Status)
}

func TestHandleStream_MustIsolateRecordFailures(t *testing.T) {
	// given a record for an unknown task followed by a valid completion
	orchestrator, registry, invoker, _ := newTestOrchestrator([]reg.TaskExecution{
		task("A", reg.TaskStatus_Complete, "B"),
		task("B", reg.TaskStatus_NotStarted),
	})
	broken := taskStatusChange("ghost", reg.TaskStatus_Failed, reg.TaskStatus_Retry)
	valid := taskStatusChange("A", reg.TaskStatus_InProgress, reg.TaskStatus_Complete)
	// when
	handle(orchestrator, broken, valid)
	// then the broken record does not block the batch
	assert.Len(t, invoker.invocations, 1)
	assert.Equal(t, reg.TaskStatus_InProgress, registry.findTask("B").Status)
}
