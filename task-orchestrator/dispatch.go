package main

import (
	"encoding/json"
	"fmt"
	"log"

	reg "github.com/aws-solutions/cloud-migration-factory-on-aws-sub001/pipeline-registry"
)

// AutomationKind is the closed set of ways a task execution can run. It is
// resolved once from the task definition so that dispatching is an exhaustive
// switch instead of string matching spread around.
type AutomationKind int

const (
	KindManual AutomationKind = iota
	KindLambda
	KindSSMScript
)

// Automated tasks whose worker suffix equals this marker go through the SSM
// script executor instead of a plain worker function.
const ssmWorkerSuffix = "ssm"

// Always forwarded to SSM scripts regardless of the declared argument schema.
const ssmInstanceArgument = "mi_id"

func automationKind(definition *reg.TaskDefinition) (AutomationKind, error) {
	switch definition.Type {
	case reg.TaskType_Manual:
		return KindManual, nil
	case reg.TaskType_Automated:
		if definition.LambdaSuffix == ssmWorkerSuffix {
			return KindSSMScript, nil
		}
		return KindLambda, nil
	default:
		return 0, fmt.Errorf("task definition '%s' has unknown automation type %q",
			definition.PackageUUID, definition.Type)
	}
}

// authContext is the synthesized actor identity attached to every worker
// invocation so downstream automation runs with an attributable caller.
type authContext map[string]interface{}

func buildAuthContext(pipeline *reg.Pipeline) authContext {
	return authContext{
		"authorizer": map[string]interface{}{
			"claims": map[string]interface{}{
				"cognito:groups":   []string{"orchestrator"},
				"cognito:username": pipeline.History.CreatedBy.UserRef,
				"email":            pipeline.History.CreatedBy.Email,
			},
		},
	}
}

// dispatchTask claims the task execution and begins running it according to
// its automation kind. expectedStatus is the status the claim is guarded on
// (NotStarted for a first dispatch, Retry for a re-dispatch); a lost claim
// means a concurrent event already dispatched this task and is skipped.
//
// A missing or malformed task definition is a configuration error and
// propagates. Transport failures of the worker invocation never propagate:
// they are recorded as a Failed task execution so sibling dispatches proceed.
func (o *Orchestrator) dispatchTask(task reg.TaskExecution, auth authContext, expectedStatus string) error {
	definition, err := o.resolveTaskDefinition(task)
	if err != nil {
		return err
	}

	kind, err := automationKind(definition)
	if err != nil {
		return err
	}

	if kind == KindManual {
		claimed, err := o.Tasks.ClaimTaskExecution(task.TaskExecutionID, expectedStatus, reg.TaskStatus_PendingApproval)
		if err != nil {
			return err
		}
		if !claimed {
			log.Printf("Task execution %s was already picked up, not marking for approval", task.TaskExecutionID)
			return nil
		}
		log.Printf("Task execution %s (%s) is waiting for manual approval", task.TaskExecutionID, definition.ScriptName)
		return nil
	}

	// Claim before invoking: a crash mid-dispatch leaves the task visibly
	// InProgress instead of silently stuck at NotStarted.
	claimed, err := o.Tasks.ClaimTaskExecution(task.TaskExecutionID, expectedStatus, reg.TaskStatus_InProgress)
	if err != nil {
		return err
	}
	if !claimed {
		log.Printf("Task execution %s was already dispatched, skipping", task.TaskExecutionID)
		return nil
	}

	var payload []byte
	switch kind {
	case KindLambda:
		payload, err = buildLambdaPayload(task, definition, auth)
	case KindSSMScript:
		payload, err = buildSSMPayload(task, definition, auth)
	default:
		err = fmt.Errorf("automation kind %d of task definition '%s' cannot be dispatched",
			kind, definition.PackageUUID)
	}
	if err != nil {
		return err
	}

	functionName := o.WorkerPrefix + definition.LambdaSuffix
	statusCode, err := o.Invoker.InvokeWorker(functionName, payload)
	if err != nil {
		log.Printf("Worker invocation for task execution %s failed: %v", task.TaskExecutionID, err)
		o.failTask(task.TaskExecutionID)
		return nil
	}
	if statusCode < 200 || statusCode > 299 {
		log.Printf("Worker %s returned status %d for task execution %s", functionName, statusCode, task.TaskExecutionID)
		o.failTask(task.TaskExecutionID)
		return nil
	}

	log.Printf("Dispatched task execution %s to worker %s", task.TaskExecutionID, functionName)
	return nil
}

func (o *Orchestrator) failTask(taskExecutionID string) {
	if err := o.Tasks.UpdateTaskExecutionStatus(taskExecutionID, reg.TaskStatus_Failed); err != nil {
		log.Printf("Error setting task execution %s to %s: %v", taskExecutionID, reg.TaskStatus_Failed, err)
	}
}

// resolveTaskDefinition looks the definition up by (task_id, task_version);
// older pipelines store a script name in task_id, so a failed lookup falls
// back to the name index before giving up.
func (o *Orchestrator) resolveTaskDefinition(task reg.TaskExecution) (*reg.TaskDefinition, error) {
	definition, err := o.Scripts.GetTaskDefinition(task.TaskID, task.TaskVersion)
	if err == nil {
		return definition, nil
	}

	legacy, legacyErr := o.Scripts.FindTaskDefinitionByName(task.TaskID, task.TaskVersion)
	if legacyErr == nil {
		return legacy, nil
	}

	return nil, fmt.Errorf("no task definition for task execution %s: %w", task.TaskExecutionID, err)
}

// buildLambdaPayload wraps the full input bag into the HTTP-shaped request
// generic workers expect.
func buildLambdaPayload(task reg.TaskExecution, definition *reg.TaskDefinition, auth authContext) ([]byte, error) {
	body := make(map[string]interface{}, len(task.Inputs)+2)
	for key, value := range task.Inputs {
		body[key] = value
	}
	body["task_execution_id"] = task.TaskExecutionID
	body["action"] = definition.ScriptName

	return marshalWorkerRequest(body, auth)
}

// buildSSMPayload filters the inputs down to the arguments the script
// declares (plus the mi_id passthrough) and wraps them with the package
// identifiers the SSM executor needs.
func buildSSMPayload(task reg.TaskExecution, definition *reg.TaskDefinition, auth authContext) ([]byte, error) {
	recognized := make(map[string]bool, len(definition.Arguments))
	for _, argument := range definition.Arguments {
		recognized[argument.Name] = true
	}

	scriptArguments := make(map[string]string)
	for key, value := range task.Inputs {
		if recognized[key] || key == ssmInstanceArgument {
			scriptArguments[key] = value
		}
	}

	body := map[string]interface{}{
		"jobname": task.TaskExecutionID,
		"script": map[string]interface{}{
			"package_uuid":     definition.PackageUUID,
			"script_version":   definition.Version,
			"script_arguments": scriptArguments,
		},
	}

	return marshalWorkerRequest(body, auth)
}

func marshalWorkerRequest(body map[string]interface{}, auth authContext) ([]byte, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal worker request body: %w", err)
	}

	request := map[string]interface{}{
		"httpMethod":     "POST",
		"requestContext": auth,
		"body":           string(bodyJSON),
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal worker request: %w", err)
	}
	return payload, nil
}
